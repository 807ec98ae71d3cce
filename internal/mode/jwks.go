package mode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxJWKSSize = 1 << 20

// JWKSCache serves the external provider's JWKS document from memory,
// refetching it once the TTL has passed. Concurrent misses share one fetch.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu        sync.RWMutex
	body      []byte
	fetchedAt time.Time
	group     singleflight.Group
}

// NewJWKSCache returns a cache for the document at url.
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSCache{url: url, ttl: ttl, client: client, now: time.Now}
}

// Get returns the cached document, fetching it when missing or expired.
func (c *JWKSCache) Get(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	body, fetchedAt := c.body, c.fetchedAt
	c.mu.RUnlock()
	if body != nil && c.now().Sub(fetchedAt) < c.ttl {
		return body, nil
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *JWKSCache) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: %s returned %d", c.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}

	c.mu.Lock()
	c.body = body
	c.fetchedAt = c.now()
	c.mu.Unlock()
	slog.Debug("jwks refreshed", "url", c.url, "bytes", len(body))
	return body, nil
}

func (c *JWKSCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := c.Get(r.Context())
	if err != nil {
		slog.Warn("jwks unavailable", "err", err)
		http.Error(w, "jwks unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(c.ttl.Seconds())))
	_, _ = w.Write(body)
}
