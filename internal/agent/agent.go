// Package agent is the edge-node side of the signal protocol: it sends
// heartbeats to the coordinator on an interval and immediately when the
// node's state changes, and adopts the NodeConfig it gets back.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dreamware/fleetgate/internal/cluster"
)

// Config describes the node to the coordinator.
type Config struct {
	NodeID        string
	Token         string
	SignalURL     string
	PublicAddress string
	IPv4          string
	Capabilities  []string
	Metadata      json.RawMessage
	// Interval is used until the coordinator dictates one.
	Interval time.Duration
	// Timeout bounds one heartbeat delivery.
	Timeout time.Duration
}

// Agent runs the heartbeat loop.
type Agent struct {
	cfg    Config
	client *http.Client

	mu       sync.RWMutex
	status   cluster.Status
	current  *cluster.NodeConfig
	interval time.Duration

	changed    chan struct{}
	newBackoff func(maxElapsed time.Duration) backoff.BackOff
}

// New validates cfg and returns an agent reporting status active.
func New(cfg Config) (*Agent, error) {
	if cfg.NodeID == "" || cfg.Token == "" || cfg.SignalURL == "" {
		return nil, errors.New("node id, token and signal url are required")
	}
	if _, err := cluster.ParseCapabilities(cfg.Capabilities); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		client:   &http.Client{},
		status:   cluster.StatusActive,
		interval: cfg.Interval,
		changed:  make(chan struct{}, 1),
		newBackoff: func(maxElapsed time.Duration) backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
				backoff.WithMaxElapsedTime(maxElapsed),
			)
		},
	}, nil
}

// SetStatus records a new node status and triggers an immediate heartbeat
// when it differs from the current one.
func (a *Agent) SetStatus(s cluster.Status) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.mu.Unlock()
	if prev == s {
		return
	}
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

// Status returns the status the agent reports.
func (a *Agent) Status() cluster.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// NodeConfig returns the last configuration received, or nil.
func (a *Agent) NodeConfig() *cluster.NodeConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil
	}
	c := *a.current
	c.Capabilities = append([]cluster.Capability(nil), a.current.Capabilities...)
	return &c
}

// Heartbeat sends one heartbeat and adopts the answer.
func (a *Agent) Heartbeat(ctx context.Context) (*cluster.NodeConfig, error) {
	msg := cluster.HeartbeatMessage{
		NodeID:        a.cfg.NodeID,
		Token:         a.cfg.Token,
		PublicAddress: a.cfg.PublicAddress,
		IPv4:          a.cfg.IPv4,
		Status:        string(a.Status()),
		Capabilities:  a.cfg.Capabilities,
		Metadata:      a.cfg.Metadata,
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var cfg cluster.NodeConfig
	if err := cluster.PostJSON(ctx, a.client, a.cfg.SignalURL, msg, &cfg); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	a.mu.Lock()
	a.current = &cfg
	if cfg.HeartbeatIntervalSeconds > 0 {
		a.interval = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	}
	a.mu.Unlock()
	return &cfg, nil
}

func (a *Agent) currentInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.interval
}

// Run heartbeats until ctx is canceled. Transient failures are retried
// with backoff within one interval; a rejected token is not retried until
// the next interval.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("heartbeat agent started", "node_id", a.cfg.NodeID, "signal", a.cfg.SignalURL)
	for {
		a.beat(ctx)

		timer := time.NewTimer(a.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("heartbeat agent stopped", "node_id", a.cfg.NodeID)
			return nil
		case <-a.changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	op := func() error {
		_, err := a.Heartbeat(ctx)
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("heartbeat failed, retrying", "node_id", a.cfg.NodeID, "retry_in", next, "err", err)
	}
	b := backoff.WithContext(a.newBackoff(a.currentInterval()), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil && ctx.Err() == nil {
		slog.Error("heartbeat not delivered", "node_id", a.cfg.NodeID, "err", err)
		return
	}
	slog.Debug("heartbeat delivered", "node_id", a.cfg.NodeID)
}

// HealthHandler answers the coordinator's reachability probe. It reports
// 200 whenever the process serves; the status field is informational.
func (a *Agent) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"nodeId": a.cfg.NodeID, "status": string(a.Status())})
	})
}
