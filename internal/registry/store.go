// Package registry is the durable Node Registry: the only mutable state
// shared by concurrent heartbeats, reachability probes and the router.
//
// All backends share the same contract:
//   - IDs are unique; subdomains, when set, are unique across the fleet.
//   - Returned records are copies; mutating them never changes stored state.
//   - Update applies a read-modify-write atomically for one node, so a
//     heartbeat and a probe racing on the same record cannot interleave.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/fleetgate/internal/cluster"
)

var (
	// ErrNotFound is returned when no node matches the lookup.
	ErrNotFound = errors.New("node not found")
	// ErrExists is returned by Create when the id is already registered.
	ErrExists = errors.New("node already exists")
	// ErrSubdomainTaken is returned when a write would give two nodes the
	// same subdomain.
	ErrSubdomainTaken = errors.New("subdomain already in use")
)

// Store is the Node Registry collaborator.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, node *cluster.EdgeNode) error
	// Get returns the node with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*cluster.EdgeNode, error)
	// FindBySubdomain returns the node owning sub or ErrNotFound.
	FindBySubdomain(ctx context.Context, sub string) (*cluster.EdgeNode, error)
	// List returns all nodes ordered by id.
	List(ctx context.Context) ([]*cluster.EdgeNode, error)
	// Update loads the node, hands a copy to fn and persists the result if
	// fn returns nil. The stored record is returned.
	Update(ctx context.Context, id string, fn func(*cluster.EdgeNode) error) (*cluster.EdgeNode, error)
	// Delete removes the node. Deleting a missing node is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases backend resources.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver    string   // memory, sqlite, postgres or etcd
	DSN       string   // sqlite path or postgres connection string
	Endpoints []string // etcd endpoints
}

// Open constructs the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(opts.DSN)
	case "postgres":
		return OpenPostgres(ctx, opts.DSN)
	case "etcd":
		return OpenEtcd(opts.Endpoints)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", opts.Driver)
	}
}

// NormalizeSubdomain lower-cases and trims a subdomain label.
func NormalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
