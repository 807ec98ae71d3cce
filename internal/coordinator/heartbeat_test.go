package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/registry"
)

type recordingSink struct {
	mu   sync.Mutex
	reqs []cluster.DNSChallengeRequest
}

func (s *recordingSink) Challenge(_ context.Context, _ string, req cluster.DNSChallengeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
}

// provision creates a record the way "node add" does.
func provision(t *testing.T, store registry.Store, id, token string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &cluster.EdgeNode{
		ID:        id,
		TokenHash: cluster.HashToken(token),
		Status:    cluster.StatusUnknown,
		CreatedAt: time.Now().UTC(),
	}))
}

func newProcessor(store registry.Store, opts ProcessorOptions) *Processor {
	return NewProcessor(store, opts)
}

func TestHeartbeatFirstContact(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{BaseDomain: "example.com", HeartbeatInterval: 15 * time.Second})

	cfg, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
		NodeID:        "n1",
		Token:         "t1",
		PublicAddress: "http://10.0.0.1:8080",
		IPv4:          "10.0.0.1",
		Capabilities:  []string{"proxy-mode"},
		Metadata:      json.RawMessage(`{"subdomain":"N1","displayName":"Node One","port":8080}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, cluster.StatusActive, cfg.Status, "status defaults to active")
	assert.Equal(t, "n1", cfg.Subdomain)
	assert.Equal(t, "n1.example.com", cfg.PublicHostname)
	assert.Equal(t, []cluster.Capability{cluster.CapProxyMode}, cfg.Capabilities)
	assert.Equal(t, 15, cfg.HeartbeatIntervalSeconds)
	assert.Nil(t, cfg.Tunnel)

	n, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:8080", n.PublicAddress)
	assert.Equal(t, "Node One", n.DisplayName)
	assert.Equal(t, 8080, n.Port)
	assert.JSONEq(t, `{"subdomain":"N1","displayName":"Node One","port":8080}`, string(n.Metadata))
	assert.False(t, n.LastSeen.IsZero())
}

func TestHeartbeatRejectsBadCredentialsWithoutMutation(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{})
	before, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  cluster.HeartbeatMessage
	}{
		{"wrong token", cluster.HeartbeatMessage{NodeID: "n1", Token: "nope", Status: "active"}},
		{"unknown node", cluster.HeartbeatMessage{NodeID: "ghost", Token: "t1"}},
		{"empty token", cluster.HeartbeatMessage{NodeID: "n1"}},
		{"empty id", cluster.HeartbeatMessage{Token: "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := p.ProcessHeartbeat(context.Background(), tt.msg)
			assert.Nil(t, cfg)
			assert.True(t, errors.Is(err, ErrUnauthorized))
			assert.Equal(t, ErrUnauthorized.Error(), err.Error(), "rejections are indistinguishable")
		})
	}

	after, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = store.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, registry.ErrNotFound), "no record created")
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	msg := cluster.HeartbeatMessage{
		NodeID: "n1", Token: "t1", Status: "degraded",
		PublicAddress: "http://10.0.0.1", Capabilities: []string{"redirect-mode", "tunnel", "redirect-mode"},
		Tunnel:   json.RawMessage(`{"connected":true,"entrypoint":"tunnel:7000"}`),
		Metadata: json.RawMessage(`{"subdomain":"n1"}`),
	}
	_, err := p.ProcessHeartbeat(context.Background(), msg)
	require.NoError(t, err)
	first, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	_, err = p.ProcessHeartbeat(context.Background(), msg)
	require.NoError(t, err)
	second, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)

	assert.Equal(t, first.LastSeen.Add(time.Minute), second.LastSeen)
	first.LastSeen, second.LastSeen = time.Time{}, time.Time{}
	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
	assert.Equal(t, []cluster.Capability{cluster.CapRedirectMode, cluster.CapTunnel}, second.Capabilities)
}

func TestHeartbeatLastSeenNeverDecreases(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{})
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	msg := cluster.HeartbeatMessage{NodeID: "n1", Token: "t1"}
	_, err := p.ProcessHeartbeat(context.Background(), msg)
	require.NoError(t, err)

	clock = clock.Add(-time.Hour)
	_, err = p.ProcessHeartbeat(context.Background(), msg)
	require.NoError(t, err)

	n, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), n.LastSeen.UTC())
}

func TestHeartbeatValidation(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{})

	tests := []struct {
		name string
		msg  cluster.HeartbeatMessage
	}{
		{"bad status", cluster.HeartbeatMessage{Status: "sleeping"}},
		{"unknown capability", cluster.HeartbeatMessage{Capabilities: []string{"teleport"}}},
		{"metadata not object", cluster.HeartbeatMessage{Metadata: json.RawMessage(`[1,2]`)}},
		{"tunnel not object", cluster.HeartbeatMessage{Tunnel: json.RawMessage(`"yes"`)}},
		{"metadata wrong types", cluster.HeartbeatMessage{Metadata: json.RawMessage(`{"port":"eighty"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			msg.NodeID, msg.Token = "n1", "t1"
			_, err := p.ProcessHeartbeat(context.Background(), msg)
			assert.True(t, errors.Is(err, ErrInvalidHeartbeat), "got %v", err)
		})
	}

	n, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusUnknown, n.Status)
}

func TestHeartbeatSubdomainPolicy(t *testing.T) {
	t.Run("existing subdomain is kept", func(t *testing.T) {
		store := registry.NewMemoryStore()
		provision(t, store, "n1", "t1")
		_, err := store.Update(context.Background(), "n1", func(n *cluster.EdgeNode) error {
			n.Subdomain = "operator-set"
			return nil
		})
		require.NoError(t, err)

		p := newProcessor(store, ProcessorOptions{})
		cfg, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
			NodeID: "n1", Token: "t1", Metadata: json.RawMessage(`{"subdomain":"node-claim"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, "operator-set", cfg.Subdomain)
	})

	t.Run("override allowed", func(t *testing.T) {
		store := registry.NewMemoryStore()
		provision(t, store, "n1", "t1")
		p := newProcessor(store, ProcessorOptions{AllowSubdomainOverride: true})
		for _, sub := range []string{"first", "second"} {
			cfg, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
				NodeID: "n1", Token: "t1", Metadata: json.RawMessage(`{"subdomain":"` + sub + `"}`),
			})
			require.NoError(t, err)
			assert.Equal(t, sub, cfg.Subdomain)
		}
	})

	t.Run("taken subdomain is ignored", func(t *testing.T) {
		store := registry.NewMemoryStore()
		provision(t, store, "n1", "t1")
		provision(t, store, "n2", "t2")
		p := newProcessor(store, ProcessorOptions{})
		_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
			NodeID: "n1", Token: "t1", Metadata: json.RawMessage(`{"subdomain":"shared"}`),
		})
		require.NoError(t, err)

		cfg, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
			NodeID: "n2", Token: "t2", Status: "active", Metadata: json.RawMessage(`{"subdomain":"shared"}`),
		})
		require.NoError(t, err, "liveness is still recorded")
		assert.Empty(t, cfg.Subdomain)
		assert.Equal(t, cluster.StatusActive, cfg.Status)
	})
}

func TestHeartbeatNodeConfigFromCentralSettings(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	p := newProcessor(store, ProcessorOptions{
		Tunnel:              TunnelSettings{ServerHost: "tunnel.example.com", ServerPort: 7000, Secret: "s3cret"},
		EnabledCapabilities: []cluster.Capability{cluster.CapRedirectMode, cluster.CapTunnel},
	})

	cfg, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
		NodeID: "n1", Token: "t1",
		Capabilities: []string{"proxy-mode", "redirect-mode", "tunnel"},
		Tunnel:       json.RawMessage(`{"serverHost":"evil.example","token":"forged"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []cluster.Capability{cluster.CapRedirectMode, cluster.CapTunnel}, cfg.Capabilities)
	require.NotNil(t, cfg.Tunnel)
	assert.Equal(t, "tunnel.example.com", cfg.Tunnel.ServerHost)
	assert.Equal(t, 7000, cfg.Tunnel.ServerPort)
	assert.Equal(t, cluster.DeriveTunnelToken("s3cret", "n1"), cfg.Tunnel.Token)

	// The claimed tunnel is stored as metadata, not trusted.
	n, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tunnel":{"serverHost":"evil.example","token":"forged"}}`, string(n.Metadata))
}

func TestHeartbeatForwardsDNSChallenge(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	sink := &recordingSink{}
	p := newProcessor(store, ProcessorOptions{Sink: sink})

	meta := `{"certificate":{"dns01":{"action":"set","host":"_acme-challenge.n1.example.com","value":"v"}}}`
	_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
		NodeID: "n1", Token: "t1", Metadata: json.RawMessage(meta),
	})
	require.NoError(t, err)

	require.Len(t, sink.reqs, 1)
	assert.Equal(t, cluster.DNSChallengeRequest{
		Action: cluster.DNSActionSet, Host: "_acme-challenge.n1.example.com", Value: "v",
	}, sink.reqs[0])

	n, err := store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.JSONEq(t, meta, string(n.Metadata))
}

func TestHeartbeatDNSCommandOnlyTouchesCertificateState(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	sink := &recordingSink{}
	p := newProcessor(store, ProcessorOptions{Sink: sink})
	ctx := context.Background()

	_, err := p.ProcessHeartbeat(ctx, cluster.HeartbeatMessage{
		NodeID:        "n1",
		Token:         "t1",
		PublicAddress: "http://10.0.0.1:8080",
		Status:        "degraded",
		Capabilities:  []string{"proxy-mode"},
		Tunnel:        json.RawMessage(`{"connected":true}`),
		Metadata:      json.RawMessage(`{"subdomain":"n1","certificate":{"issuedAt":"x"}}`),
	})
	require.NoError(t, err)
	before, err := store.Get(ctx, "n1")
	require.NoError(t, err)

	cfg, err := p.ProcessHeartbeat(ctx, cluster.HeartbeatMessage{
		NodeID:   "n1",
		Token:    "t1",
		Metadata: json.RawMessage(`{"certificate":{"dns01":{"action":"remove","host":"_acme-challenge.n1.example.com"}}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusDegraded, cfg.Status)

	after, err := store.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PublicAddress, after.PublicAddress)
	assert.Equal(t, before.Capabilities, after.Capabilities)
	assert.Equal(t, before.LastSeen, after.LastSeen)
	assert.Equal(t,
		`{"subdomain":"n1","certificate":{"dns01":{"action":"remove","host":"_acme-challenge.n1.example.com"}},"tunnel":{"connected":true}}`,
		string(after.Metadata))
	require.Len(t, sink.reqs, 1)
	assert.Equal(t, cluster.DNSActionRemove, sink.reqs[0].Action)
}

func TestHeartbeatRejectsMalformedDNSCommand(t *testing.T) {
	store := registry.NewMemoryStore()
	provision(t, store, "n1", "t1")
	sink := &recordingSink{}
	p := newProcessor(store, ProcessorOptions{Sink: sink})

	for _, meta := range []string{
		`{"certificate":{"dns01":{"action":"flip","host":"_acme-challenge.n1.example.com"}}}`,
		`{"certificate":{"dns01":{"action":"set","host":" "}}}`,
	} {
		_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
			NodeID: "n1", Token: "t1", Metadata: json.RawMessage(meta),
		})
		assert.True(t, errors.Is(err, ErrInvalidHeartbeat), meta)
	}
	assert.Empty(t, sink.reqs)

	_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{
		NodeID: "n1", Token: "wrong",
		Metadata: json.RawMessage(`{"certificate":{"dns01":{"action":"set","host":"h","value":"v"}}}`),
	})
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Empty(t, sink.reqs)
}

type brokenStore struct {
	registry.Store
}

func (b brokenStore) Update(context.Context, string, func(*cluster.EdgeNode) error) (*cluster.EdgeNode, error) {
	return nil, errors.New("disk full")
}

func TestHeartbeatRegistryWriteFailure(t *testing.T) {
	mem := registry.NewMemoryStore()
	provision(t, mem, "n1", "t1")
	p := newProcessor(brokenStore{Store: mem}, ProcessorOptions{})

	_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{NodeID: "n1", Token: "t1"})
	assert.True(t, errors.Is(err, ErrRegistryWrite))
}

func TestHeartbeatConcurrentNodes(t *testing.T) {
	store := registry.NewMemoryStore()
	p := newProcessor(store, ProcessorOptions{})
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		provision(t, store, id, "tok-"+id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := p.ProcessHeartbeat(context.Background(), cluster.HeartbeatMessage{NodeID: id, Token: "tok-" + id})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	nodes, err := store.List(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, cluster.StatusActive, n.Status)
	}
}

func TestMergeMetadata(t *testing.T) {
	got, err := mergeMetadata(json.RawMessage(` {"a":1} `), nil)
	require.NoError(t, err)
	assert.Equal(t, ` {"a":1} `, string(got), "kept verbatim")

	got, err = mergeMetadata(nil, json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = mergeMetadata(json.RawMessage(`{"a":1,"tunnel":{"old":true}}`), json.RawMessage(`{"connected":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"tunnel":{"connected":true}}`, string(got))

	got, err = mergeMetadata(json.RawMessage(`{"z":1,"a":2}`), json.RawMessage(`{"connected":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2,"tunnel":{"connected":true}}`, string(got))
}

func TestSetMetadataKey(t *testing.T) {
	tests := []struct {
		name string
		obj  string
		want string
	}{
		{"empty", ``, `{"k":{"v":1}}`},
		{"empty object", `{ }`, `{"k":{"v":1}}`},
		{"append keeps order", `{"z":1,"a":[1,2]}`, `{"z":1,"a":[1,2],"k":{"v":1}}`},
		{"replace in place", `{"z":1,"k":"old","a":2}`, `{"z":1,"k":{"v":1},"a":2}`},
		{"spacing kept", `{ "z" : 1 , "k" : null }`, `{ "z" : 1 , "k" : {"v":1} }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := setMetadataKey(json.RawMessage(tt.obj), "k", json.RawMessage(`{"v":1}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := setMetadataKey(json.RawMessage(`[1]`), "k", json.RawMessage(`1`))
	assert.Error(t, err)
}
