// Package dnsrelay delivers DNS-01 challenge commands to the node that owns
// a hostname's DNS, over the same signal endpoint heartbeats use.
//
// The relay is fire-and-forget: it does not wait for propagation and never
// retries. Callers treat any error as a failed attempt for the current CA.
package dnsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
)

// ErrDelivery wraps every failure to hand a command to the signal endpoint,
// including timeouts.
var ErrDelivery = errors.New("dns challenge delivery failed")

// ChallengePrefix is prepended to the domain to form the TXT record name.
const ChallengePrefix = "_acme-challenge."

const defaultTimeout = 10 * time.Second

// Relay sends set/remove commands for one node.
type Relay struct {
	endpoint string
	nodeID   string
	token    string
	timeout  time.Duration
	client   *http.Client
}

// Option customizes a Relay.
type Option func(*Relay)

// WithTimeout bounds every delivery. A hung endpoint becomes ErrDelivery
// after d.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHTTPClient replaces the client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) {
		if c != nil {
			r.client = c
		}
	}
}

// New returns a relay addressing nodeID at endpoint, authenticating with
// the node's plaintext token.
func New(endpoint, nodeID, token string, opts ...Option) *Relay {
	r := &Relay{
		endpoint: endpoint,
		nodeID:   nodeID,
		token:    token,
		timeout:  defaultTimeout,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordName returns the TXT record name for domain. Wildcard labels are
// dropped because the challenge lives on the base name.
func RecordName(domain string) string {
	domain = strings.TrimPrefix(strings.TrimSuffix(domain, "."), "*.")
	return ChallengePrefix + domain
}

// SetChallenge asks the DNS owner to publish value at host.
func (r *Relay) SetChallenge(ctx context.Context, host, value string) error {
	return r.send(ctx, cluster.DNSChallengeRequest{Action: cluster.DNSActionSet, Host: host, Value: value})
}

// RemoveChallenge asks the DNS owner to delete the record at host. value
// may be empty, in which case every value at host is removed.
func (r *Relay) RemoveChallenge(ctx context.Context, host, value string) error {
	return r.send(ctx, cluster.DNSChallengeRequest{Action: cluster.DNSActionRemove, Host: host, Value: value})
}

func (r *Relay) send(ctx context.Context, cmd cluster.DNSChallengeRequest) error {
	metadata, err := json.Marshal(map[string]any{
		"certificate": map[string]any{"dns01": cmd},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	msg := cluster.HeartbeatMessage{
		NodeID:   r.nodeID,
		Token:    r.token,
		Metadata: metadata,
	}

	log := logging.FromContext(ctx).With("node_id", r.nodeID, "action", cmd.Action, "host", cmd.Host)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := cluster.PostJSON(ctx, r.client, r.endpoint, msg, nil); err != nil {
		log.Warn("dns challenge relay failed", "err", err)
		return fmt.Errorf("%w: %s %s: %w", ErrDelivery, cmd.Action, cmd.Host, err)
	}
	log.Debug("dns challenge relayed")
	return nil
}
