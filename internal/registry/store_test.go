package registry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fleetgate/internal/cluster"
)

// backends runs the registry contract against every backend that can run
// without an external server.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func testNode(id, sub string) *cluster.EdgeNode {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &cluster.EdgeNode{
		ID:           id,
		TokenHash:    cluster.HashToken("tok-" + id),
		Subdomain:    sub,
		Status:       cluster.StatusUnknown,
		Capabilities: []cluster.Capability{cluster.CapProxyMode},
		Metadata:     json.RawMessage(`{"k":"v"}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			require.NoError(t, s.Create(ctx, testNode("n1", "Alice")))

			got, err := s.Get(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, "n1", got.ID)
			assert.Equal(t, "alice", got.Subdomain, "subdomains are normalized")
			assert.Equal(t, cluster.HashToken("tok-n1"), got.TokenHash)
			assert.Equal(t, []cluster.Capability{cluster.CapProxyMode}, got.Capabilities)
			assert.JSONEq(t, `{"k":"v"}`, string(got.Metadata))
			assert.True(t, got.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

			err = s.Create(ctx, testNode("n1", ""))
			assert.ErrorIs(t, err, ErrExists)

			err = s.Create(ctx, testNode("n2", "alice"))
			assert.ErrorIs(t, err, ErrSubdomainTaken)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreFindBySubdomain(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Create(ctx, testNode("n1", "alice")))
			require.NoError(t, s.Create(ctx, testNode("n2", "")))
			require.NoError(t, s.Create(ctx, testNode("n3", "")))

			got, err := s.FindBySubdomain(ctx, "ALICE")
			require.NoError(t, err)
			assert.Equal(t, "n1", got.ID)

			_, err = s.FindBySubdomain(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.FindBySubdomain(ctx, "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Create(ctx, testNode("n1", "alice")))
			require.NoError(t, s.Create(ctx, testNode("n2", "bob")))

			updated, err := s.Update(ctx, "n1", func(n *cluster.EdgeNode) error {
				n.Status = cluster.StatusActive
				n.PublicAddress = "http://10.0.0.5:8080"
				n.Subdomain = "carol"
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, cluster.StatusActive, updated.Status)

			// Old subdomain is released, new one is indexed.
			_, err = s.FindBySubdomain(ctx, "alice")
			assert.ErrorIs(t, err, ErrNotFound)
			got, err := s.FindBySubdomain(ctx, "carol")
			require.NoError(t, err)
			assert.Equal(t, "http://10.0.0.5:8080", got.PublicAddress)

			// Taking another node's subdomain fails and leaves the record untouched.
			_, err = s.Update(ctx, "n1", func(n *cluster.EdgeNode) error {
				n.Subdomain = "bob"
				n.Status = cluster.StatusDegraded
				return nil
			})
			assert.ErrorIs(t, err, ErrSubdomainTaken)
			got, err = s.Get(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, cluster.StatusActive, got.Status)
			assert.Equal(t, "carol", got.Subdomain)

			// Errors from fn abort the update.
			boom := errors.New("boom")
			_, err = s.Update(ctx, "n1", func(n *cluster.EdgeNode) error {
				n.Status = cluster.StatusDegraded
				return boom
			})
			assert.ErrorIs(t, err, boom)
			got, _ = s.Get(ctx, "n1")
			assert.Equal(t, cluster.StatusActive, got.Status)

			_, err = s.Update(ctx, "missing", func(*cluster.EdgeNode) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Create(ctx, testNode("n2", "bob")))
			require.NoError(t, s.Create(ctx, testNode("n1", "alice")))

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "n1", all[0].ID)
			assert.Equal(t, "n2", all[1].ID)

			require.NoError(t, s.Delete(ctx, "n2"))
			require.NoError(t, s.Delete(ctx, "n2"), "deleting twice is fine")

			_, err = s.FindBySubdomain(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotFound)
			// The released subdomain can be claimed again.
			require.NoError(t, s.Create(ctx, testNode("n3", "bob")))
		})
	}
}

// TestStoreReturnsCopies verifies callers cannot mutate stored state.
func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testNode("n1", "")))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	got.Status = cluster.StatusDegraded
	got.Capabilities[0] = cluster.CapRedirectMode

	again, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusUnknown, again.Status)
	assert.Equal(t, cluster.CapProxyMode, again.Capabilities[0])
}

// TestStoreConcurrentUpdates checks that read-modify-write is atomic per node.
func TestStoreConcurrentUpdates(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Create(ctx, testNode("n1", "")))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "n1", func(n *cluster.EdgeNode) error {
						n.Port++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, 20, got.Port)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "r.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Driver: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLStore{}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
