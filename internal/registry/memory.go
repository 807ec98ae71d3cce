package registry

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/fleetgate/internal/cluster"
)

// MemoryStore keeps the registry in process memory. It is the default for
// single-instance development setups and the reference backend in tests.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is cloned to prevent races
type MemoryStore struct {
	nodes       map[string]*cluster.EdgeNode // id -> record
	bySubdomain map[string]string            // subdomain -> id
	mu          sync.RWMutex
}

// NewMemoryStore returns an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]*cluster.EdgeNode),
		bySubdomain: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, node *cluster.EdgeNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.ID]; exists {
		return ErrExists
	}
	n := node.Clone()
	n.Subdomain = NormalizeSubdomain(n.Subdomain)
	if err := m.claimSubdomain(n.ID, "", n.Subdomain); err != nil {
		return err
	}
	m.nodes[n.ID] = n
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*cluster.EdgeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (m *MemoryStore) FindBySubdomain(_ context.Context, sub string) (*cluster.EdgeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySubdomain[NormalizeSubdomain(sub)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.nodes[id].Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*cluster.EdgeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.EdgeNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b *cluster.EdgeNode) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*cluster.EdgeNode) error) (*cluster.EdgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Subdomain = NormalizeSubdomain(next.Subdomain)
	if err := m.claimSubdomain(id, cur.Subdomain, next.Subdomain); err != nil {
		return nil, err
	}
	m.nodes[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[id]; ok {
		if n.Subdomain != "" {
			delete(m.bySubdomain, n.Subdomain)
		}
		delete(m.nodes, id)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// claimSubdomain moves the subdomain index entry for id from old to next.
// Caller must hold m.mu.
func (m *MemoryStore) claimSubdomain(id, old, next string) error {
	if old == next {
		return nil
	}
	if next != "" {
		if owner, taken := m.bySubdomain[next]; taken && owner != id {
			return ErrSubdomainTaken
		}
		m.bySubdomain[next] = id
	}
	if old != "" {
		delete(m.bySubdomain, old)
	}
	return nil
}
