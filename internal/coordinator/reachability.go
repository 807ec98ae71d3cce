package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/metrics"
	"github.com/dreamware/fleetgate/internal/registry"
)

// errStale aborts a status write that a newer heartbeat already superseded.
var errStale = errors.New("probe result superseded by heartbeat")

// NodeReachability tracks probe results for one node.
// Thread-safe: Protected by ReachabilityProber's mutex when accessed.
type NodeReachability struct {
	LastCheck        time.Time // Timestamp of the last probe attempt
	LastReachable    time.Time // Timestamp of the last successful probe
	NodeID           string    // Unique identifier of the node
	ConsecutiveFails int       // Number of consecutive failed probes
}

// ReachabilityProber periodically probes every node that reported a public
// address. It is the only component besides heartbeat processing allowed
// to change a node's status:
//
//	active/degraded ──maxFailures consecutive failures──▶ unreachable
//	unreachable     ──one successful probe──────────────▶ active
//
// Probes never touch lastSeen, which only heartbeats advance.
// Thread-safe: All methods are safe for concurrent access.
type ReachabilityProber struct {
	store       registry.Store
	metrics     *metrics.Metrics
	nodes       map[string]*NodeReachability                 // Probe state per node
	httpClient  *http.Client                                 // HTTP client for probes
	checkFunc   func(ctx context.Context, addr string) error // Function to perform a probe
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	interval    time.Duration                                // How often to probe
	timeout     time.Duration                                // Timeout per probe
	mu          sync.RWMutex                                 // Protects nodes map
	wg          sync.WaitGroup                               // Wait group for graceful shutdown
	maxFailures int                                          // Failures before marking unreachable
}

// NewReachabilityProber creates a prober that checks each node's /health
// endpoint every interval and writes status changes to store.
// Nodes are marked unreachable after 3 consecutive failures.
//
// Parameters:
//   - store: Registry whose nodes are probed and updated
//   - interval: How often to probe (recommended: 30s)
//   - m: Metrics sink, may be nil
//
// Returns:
//   - *ReachabilityProber: Configured prober ready to start
//
// Example:
//
//	prober := NewReachabilityProber(store, 30*time.Second, m)
//	go prober.Start(ctx)
func NewReachabilityProber(store registry.Store, interval time.Duration, m *metrics.Metrics) *ReachabilityProber {
	ctx, cancel := context.WithCancel(context.Background())

	return &ReachabilityProber{
		store:       store,
		metrics:     m,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeReachability),
		httpClient:  &http.Client{},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMaxFailures sets how many consecutive failures mark a node
// unreachable. Values below 1 are ignored.
func (p *ReachabilityProber) SetMaxFailures(n int) {
	if n > 0 {
		p.maxFailures = n
	}
}

// SetTimeout bounds each probe.
func (p *ReachabilityProber) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// SetCheckFunction overrides the default probe. Useful for tests.
func (p *ReachabilityProber) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	p.checkFunc = checkFunc
}

// Start runs the probe loop in the current goroutine until ctx or Stop
// cancels it. An initial round runs immediately.
//
// Example:
//
//	go prober.Start(ctx)
//	defer prober.Stop()
func (p *ReachabilityProber) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.checkFunc == nil {
		p.checkFunc = p.defaultCheck
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("reachability prober started", "interval", p.interval, "max_failures", p.maxFailures)

	p.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.CheckAll(ctx)
		case <-ctx.Done():
			slog.Info("reachability prober stopping", "reason", "context canceled")
			return
		case <-p.ctx.Done():
			slog.Info("reachability prober stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the loop and waits for it to finish.
func (p *ReachabilityProber) Stop() {
	p.cancel()
	p.wg.Wait()
}

// CheckAll probes every node with a public address once and drops probe
// state for nodes that left the registry.
func (p *ReachabilityProber) CheckAll(ctx context.Context) {
	if p.checkFunc == nil {
		p.checkFunc = p.defaultCheck
	}
	nodes, err := p.store.List(ctx)
	if err != nil {
		slog.Warn("reachability round skipped", "err", err)
		return
	}

	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		if node.PublicAddress == "" {
			continue
		}
		p.checkNode(ctx, node)
	}

	p.mu.Lock()
	for id := range p.nodes {
		if !current[id] {
			delete(p.nodes, id)
		}
	}
	p.mu.Unlock()
}

// checkNode probes one node and applies the resulting status transition.
func (p *ReachabilityProber) checkNode(ctx context.Context, node *cluster.EdgeNode) {
	p.mu.Lock()
	state, ok := p.nodes[node.ID]
	if !ok {
		state = &NodeReachability{NodeID: node.ID}
		p.nodes[node.ID] = state
	}
	p.mu.Unlock()

	started := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.checkFunc(probeCtx, node.PublicAddress)
	cancel()

	p.mu.Lock()
	state.LastCheck = time.Now()
	var fails int
	if err != nil {
		state.ConsecutiveFails++
		fails = state.ConsecutiveFails
	} else {
		state.ConsecutiveFails = 0
		state.LastReachable = state.LastCheck
	}
	p.mu.Unlock()

	log := slog.With("node_id", node.ID)
	if err != nil {
		p.metrics.Probe("failure")
		log.Debug("probe failed", "attempt", fails, "max", p.maxFailures, "err", err)
		if fails >= p.maxFailures && node.Status != cluster.StatusUnreachable {
			p.setStatus(ctx, node.ID, started, cluster.StatusUnreachable, func(s cluster.Status) bool {
				return s != cluster.StatusUnreachable
			})
		}
		return
	}

	p.metrics.Probe("ok")
	if node.Status == cluster.StatusUnreachable {
		p.setStatus(ctx, node.ID, started, cluster.StatusActive, func(s cluster.Status) bool {
			return s == cluster.StatusUnreachable
		})
	}
}

// setStatus writes next if the stored status still satisfies from and no
// heartbeat arrived after the probe started.
func (p *ReachabilityProber) setStatus(ctx context.Context, id string, probeStarted time.Time, next cluster.Status, from func(cluster.Status) bool) {
	_, err := p.store.Update(ctx, id, func(n *cluster.EdgeNode) error {
		if !from(n.Status) || n.LastSeen.After(probeStarted) {
			return errStale
		}
		n.Status = next
		n.UpdatedAt = time.Now().UTC()
		return nil
	})
	switch {
	case err == nil:
		slog.Info("node status changed by probe", "node_id", id, "status", next)
	case errors.Is(err, errStale), errors.Is(err, registry.ErrNotFound):
	default:
		slog.Warn("probe status write failed", "node_id", id, "err", err)
	}
}

// defaultCheck performs GET <addr>/health and expects 200.
func (p *ReachabilityProber) defaultCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeReachability returns a copy of the probe state for nodeID, or nil
// when the node has not been probed.
func (p *ReachabilityProber) GetNodeReachability(nodeID string) *NodeReachability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *state
	return &c
}

// GetAllNodeReachability returns copies of all probe states keyed by node id.
func (p *ReachabilityProber) GetAllNodeReachability() map[string]*NodeReachability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*NodeReachability, len(p.nodes))
	for id, state := range p.nodes {
		c := *state
		result[id] = &c
	}
	return result
}
