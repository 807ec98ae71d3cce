package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/dreamware/fleetgate/internal/cluster"
)

// Key space. Subdomain ownership lives in its own keys so uniqueness can be
// enforced inside the same transaction as the node write.
const (
	etcdPrefix        = "/fleetgate/v1"
	etcdUpdateRetries = 8
	etcdDialTimeout   = 5 * time.Second
	etcdNodesSeg      = "nodes"
	etcdSubdomainsSeg = "subdomains"
)

func etcdNodeKey(id string) string { return fmt.Sprintf("%s/%s/%s", etcdPrefix, etcdNodesSeg, id) }
func etcdSubKey(sub string) string { return fmt.Sprintf("%s/%s/%s", etcdPrefix, etcdSubdomainsSeg, sub) }

// EtcdStore keeps the registry in etcd for coordinators running as several
// replicas. Per-node updates are optimistic transactions on the node key's
// mod revision.
type EtcdStore struct {
	client *clientv3.Client
}

// OpenEtcd dials the etcd cluster at endpoints.
func OpenEtcd(endpoints []string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd registry requires endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
		// The client's own zap output would bypass slog; failures reach
		// callers as errors instead.
		Logger: zap.NewNop(),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdStore{client: client}, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) Create(ctx context.Context, node *cluster.EdgeNode) error {
	n := node.Clone()
	n.Subdomain = NormalizeSubdomain(n.Subdomain)
	data, err := json.Marshal(storedNode{EdgeNode: n, TokenHash: n.TokenHash})
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}

	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.Version(etcdNodeKey(n.ID)), "=", 0)}
	ops := []clientv3.Op{clientv3.OpPut(etcdNodeKey(n.ID), string(data))}
	if n.Subdomain != "" {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(etcdSubKey(n.Subdomain)), "=", 0))
		ops = append(ops, clientv3.OpPut(etcdSubKey(n.Subdomain), n.ID))
	}
	resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("etcd txn create %q: %w", n.ID, err)
	}
	if !resp.Succeeded {
		if _, err := s.Get(ctx, n.ID); err == nil {
			return ErrExists
		}
		return ErrSubdomainTaken
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, id string) (*cluster.EdgeNode, error) {
	n, _, err := s.get(ctx, id)
	return n, err
}

func (s *EtcdStore) get(ctx context.Context, id string) (*cluster.EdgeNode, int64, error) {
	resp, err := s.client.Get(ctx, etcdNodeKey(id))
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	n, err := decodeStoredNode(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}
	return n, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) FindBySubdomain(ctx context.Context, sub string) (*cluster.EdgeNode, error) {
	sub = NormalizeSubdomain(sub)
	if sub == "" {
		return nil, ErrNotFound
	}
	resp, err := s.client.Get(ctx, etcdSubKey(sub))
	if err != nil {
		return nil, fmt.Errorf("etcd get subdomain %q: %w", sub, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, string(resp.Kvs[0].Value))
}

func (s *EtcdStore) List(ctx context.Context) ([]*cluster.EdgeNode, error) {
	pfx := fmt.Sprintf("%s/%s/", etcdPrefix, etcdNodesSeg)
	resp, err := s.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	out := make([]*cluster.EdgeNode, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		n, err := decodeStoredNode(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *EtcdStore) Update(ctx context.Context, id string, fn func(*cluster.EdgeNode) error) (*cluster.EdgeNode, error) {
	for attempt := 0; attempt < etcdUpdateRetries; attempt++ {
		cur, rev, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = id
		next.Subdomain = NormalizeSubdomain(next.Subdomain)

		data, err := json.Marshal(storedNode{EdgeNode: next, TokenHash: next.TokenHash})
		if err != nil {
			return nil, fmt.Errorf("marshal node: %w", err)
		}

		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(etcdNodeKey(id)), "=", rev)}
		ops := []clientv3.Op{clientv3.OpPut(etcdNodeKey(id), string(data))}
		if next.Subdomain != cur.Subdomain {
			if next.Subdomain != "" {
				cmps = append(cmps, clientv3.Compare(clientv3.Version(etcdSubKey(next.Subdomain)), "=", 0))
				ops = append(ops, clientv3.OpPut(etcdSubKey(next.Subdomain), id))
			}
			if cur.Subdomain != "" {
				ops = append(ops, clientv3.OpDelete(etcdSubKey(cur.Subdomain)))
			}
		}

		resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return nil, fmt.Errorf("etcd txn update %q: %w", id, err)
		}
		if resp.Succeeded {
			return next, nil
		}
		if next.Subdomain != cur.Subdomain && next.Subdomain != "" {
			owner, err := s.client.Get(ctx, etcdSubKey(next.Subdomain))
			if err == nil && len(owner.Kvs) > 0 && string(owner.Kvs[0].Value) != id {
				return nil, ErrSubdomainTaken
			}
		}
	}
	return nil, fmt.Errorf("etcd update %q: too much contention", id)
}

func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	n, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ops := []clientv3.Op{clientv3.OpDelete(etcdNodeKey(id))}
	if n.Subdomain != "" {
		ops = append(ops, clientv3.OpDelete(etcdSubKey(n.Subdomain)))
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("etcd delete %q: %w", id, err)
	}
	return nil
}

// storedNode carries the token hash, which EdgeNode's JSON form omits.
type storedNode struct {
	*cluster.EdgeNode
	TokenHash string `json:"tokenHash"`
}

func decodeStoredNode(data []byte) (*cluster.EdgeNode, error) {
	sn := storedNode{EdgeNode: &cluster.EdgeNode{}}
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	sn.EdgeNode.TokenHash = sn.TokenHash
	return sn.EdgeNode, nil
}
