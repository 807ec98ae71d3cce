package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
	"github.com/dreamware/fleetgate/internal/metrics"
	"github.com/dreamware/fleetgate/internal/registry"
)

var (
	// ErrUnauthorized covers both a wrong token and an unknown node id.
	// Callers must not be able to tell the two apart.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidHeartbeat is returned for a bad status, an unknown
	// capability or malformed metadata.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
	// ErrRegistryWrite means the registry could not be read or written.
	// The node's stored state is left as it was.
	ErrRegistryWrite = errors.New("registry unavailable")
)

// dummyHash is compared against for unknown ids so both rejection paths
// do the same work.
var dummyHash = cluster.HashToken("fleetgate-unknown-node")

// ChallengeSink receives DNS-01 commands that arrive in heartbeat
// metadata. Implementations must return quickly.
type ChallengeSink interface {
	Challenge(ctx context.Context, nodeID string, req cluster.DNSChallengeRequest)
}

// LogSink records challenge commands in the log.
type LogSink struct{}

func (LogSink) Challenge(ctx context.Context, nodeID string, req cluster.DNSChallengeRequest) {
	logging.FromContext(ctx).Info("dns challenge command received",
		"node_id", nodeID, "action", req.Action, "host", req.Host)
}

// TunnelSettings is the central tunnel server configuration.
type TunnelSettings struct {
	ServerHost string
	ServerPort int
	Secret     string
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	BaseDomain        string
	Tunnel            TunnelSettings
	HeartbeatInterval time.Duration
	// AllowSubdomainOverride lets a heartbeat replace a subdomain that is
	// already set. Off by default: operator assignments stick.
	AllowSubdomainOverride bool
	// EnabledCapabilities limits the effective capabilities returned to
	// nodes. Empty enables the full vocabulary.
	EnabledCapabilities []cluster.Capability
	Sink                ChallengeSink
	Metrics             *metrics.Metrics
}

// Processor turns heartbeats into registry writes and NodeConfig answers.
//
// Heartbeats for different nodes run fully in parallel; writes for one
// node are serialized by registry.Store.Update.
type Processor struct {
	store registry.Store
	opts  ProcessorOptions
	now   func() time.Time
}

// NewProcessor returns a Processor writing to store.
func NewProcessor(store registry.Store, opts ProcessorOptions) *Processor {
	if opts.Sink == nil {
		opts.Sink = LogSink{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if len(opts.EnabledCapabilities) == 0 {
		opts.EnabledCapabilities = cluster.KnownCapabilities
	}
	return &Processor{store: store, opts: opts, now: time.Now}
}

// ProcessHeartbeat authenticates msg, applies it to the node's record and
// returns the configuration the node should use.
//
// Only provisioned nodes are accepted: the first heartbeat of a node
// created with "node add" completes its record. The returned NodeConfig is
// derived from central configuration; the node's claims only select among
// what is enabled.
//
// Errors:
//   - ErrUnauthorized: missing, wrong or unknown credentials
//   - ErrInvalidHeartbeat: the message fails validation
//   - ErrRegistryWrite: the registry failed; nothing was changed
func (p *Processor) ProcessHeartbeat(ctx context.Context, msg cluster.HeartbeatMessage) (*cluster.NodeConfig, error) {
	cfg, err := p.process(ctx, msg)
	p.opts.Metrics.Heartbeat(resultLabel(err))
	return cfg, err
}

func (p *Processor) process(ctx context.Context, msg cluster.HeartbeatMessage) (*cluster.NodeConfig, error) {
	log := logging.FromContext(ctx).With("node_id", msg.NodeID)

	if msg.NodeID == "" || msg.Token == "" {
		return nil, ErrUnauthorized
	}
	current, err := p.store.Get(ctx, msg.NodeID)
	if errors.Is(err, registry.ErrNotFound) {
		cluster.TokenMatches(msg.Token, dummyHash)
		log.Warn("heartbeat rejected")
		return nil, ErrUnauthorized
	}
	if err != nil {
		log.Error("registry read failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrRegistryWrite, err)
	}
	if !cluster.TokenMatches(msg.Token, current.TokenHash) {
		log.Warn("heartbeat rejected")
		return nil, ErrUnauthorized
	}

	req, certificate, isCommand, err := challengeCommand(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}
	if isCommand {
		return p.relayChallenge(ctx, current, req, certificate)
	}

	status, err := cluster.ParseStatus(msg.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}
	caps, err := cluster.ParseCapabilities(msg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}
	metadata, err := mergeMetadata(msg.Metadata, msg.Tunnel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}
	md, err := cluster.DecodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}

	apply := func(claimSubdomain bool) func(*cluster.EdgeNode) error {
		return func(n *cluster.EdgeNode) error {
			if n.TokenHash != current.TokenHash {
				return ErrUnauthorized
			}
			now := p.now().UTC()
			n.Status = status
			n.PublicAddress = msg.PublicAddress
			n.IPv4 = msg.IPv4
			n.Capabilities = caps
			n.Metadata = metadata
			if md.DisplayName != "" {
				n.DisplayName = md.DisplayName
			}
			if md.Port != 0 {
				n.Port = md.Port
			}
			if claimSubdomain && md.Subdomain != "" && (n.Subdomain == "" || p.opts.AllowSubdomainOverride) {
				n.Subdomain = md.Subdomain
			}
			if now.After(n.LastSeen) {
				n.LastSeen = now
			}
			if n.CreatedAt.IsZero() {
				n.CreatedAt = now
			}
			n.UpdatedAt = now
			return nil
		}
	}

	node, err := p.store.Update(ctx, msg.NodeID, apply(true))
	if errors.Is(err, registry.ErrSubdomainTaken) {
		log.Warn("heartbeat subdomain claim ignored", "subdomain", md.Subdomain, "err", err)
		node, err = p.store.Update(ctx, msg.NodeID, apply(false))
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, registry.ErrNotFound):
		return nil, ErrUnauthorized
	case err != nil:
		log.Error("registry write failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrRegistryWrite, err)
	}

	log.Debug("heartbeat applied", "status", node.Status, "subdomain", node.Subdomain)
	return p.nodeConfig(node), nil
}

// challengeCommand reports whether metadata carries a DNS-01 relay
// command and returns it together with the raw "certificate" value.
func challengeCommand(metadata json.RawMessage) (cluster.DNSChallengeRequest, json.RawMessage, bool, error) {
	var req cluster.DNSChallengeRequest
	if isNull(metadata) || !isObject(metadata) {
		return req, nil, false, nil
	}
	md, err := cluster.DecodeMetadata(metadata)
	if err != nil || md.Certificate == nil || md.Certificate.DNS01 == nil {
		return req, nil, false, nil
	}
	req = *md.Certificate.DNS01
	if req.Action != cluster.DNSActionSet && req.Action != cluster.DNSActionRemove {
		return req, nil, false, fmt.Errorf("unknown dns01 action %q", req.Action)
	}
	if strings.TrimSpace(req.Host) == "" {
		return req, nil, false, errors.New("dns01 host must not be empty")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &fields); err != nil {
		return req, nil, false, err
	}
	return req, fields["certificate"], true, nil
}

// relayChallenge applies a DNS-01 command. Only the certificate entry of
// the stored metadata changes; status, address, capabilities, tunnel and
// lastSeen keep the values of the last liveness heartbeat.
func (p *Processor) relayChallenge(ctx context.Context, current *cluster.EdgeNode, req cluster.DNSChallengeRequest, certificate json.RawMessage) (*cluster.NodeConfig, error) {
	log := logging.FromContext(ctx).With("node_id", current.ID)

	node, err := p.store.Update(ctx, current.ID, func(n *cluster.EdgeNode) error {
		if n.TokenHash != current.TokenHash {
			return ErrUnauthorized
		}
		merged, err := setMetadataKey(n.Metadata, "certificate", certificate)
		if err != nil {
			return err
		}
		n.Metadata = merged
		n.UpdatedAt = p.now().UTC()
		return nil
	})
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, registry.ErrNotFound):
		return nil, ErrUnauthorized
	case err != nil:
		log.Error("registry write failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrRegistryWrite, err)
	}

	p.opts.Sink.Challenge(ctx, node.ID, req)
	log.Debug("dns challenge command applied", "action", req.Action, "host", req.Host)
	return p.nodeConfig(node), nil
}

func (p *Processor) nodeConfig(n *cluster.EdgeNode) *cluster.NodeConfig {
	cfg := &cluster.NodeConfig{
		NodeID:                   n.ID,
		Status:                   n.Status,
		Subdomain:                n.Subdomain,
		Capabilities:             []cluster.Capability{},
		HeartbeatIntervalSeconds: int(p.opts.HeartbeatInterval / time.Second),
	}
	for _, c := range n.Capabilities {
		if slices.Contains(p.opts.EnabledCapabilities, c) {
			cfg.Capabilities = append(cfg.Capabilities, c)
		}
	}
	if n.Subdomain != "" && p.opts.BaseDomain != "" {
		cfg.PublicHostname = n.Subdomain + "." + p.opts.BaseDomain
	}
	t := p.opts.Tunnel
	if slices.Contains(cfg.Capabilities, cluster.CapTunnel) && t.ServerHost != "" {
		cfg.Tunnel = &cluster.TunnelConfig{
			ServerHost: t.ServerHost,
			ServerPort: t.ServerPort,
			Token:      cluster.DeriveTunnelToken(t.Secret, n.ID),
		}
	}
	return cfg
}

// mergeMetadata validates metadata as a JSON object and folds a top-level
// tunnel descriptor into it. Bytes outside the tunnel entry are kept as
// sent, key order included.
func mergeMetadata(metadata, tunnel json.RawMessage) (json.RawMessage, error) {
	if isNull(metadata) {
		metadata = nil
	} else if !isObject(metadata) {
		return nil, errors.New("metadata must be a JSON object")
	}
	if isNull(tunnel) {
		return metadata, nil
	}
	if !isObject(tunnel) {
		return nil, errors.New("tunnel must be a JSON object")
	}
	return setMetadataKey(metadata, "tunnel", tunnel)
}

// setMetadataKey replaces the value of one top-level key of a JSON object,
// or appends the key when absent. Every other byte of obj is preserved.
func setMetadataKey(obj json.RawMessage, key string, value json.RawMessage) (json.RawMessage, error) {
	obj = bytes.TrimSpace(obj)
	if isNull(obj) {
		obj = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(obj))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, errors.New("metadata must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if k, _ := tok.(string); k != key {
			continue
		}
		end := int(dec.InputOffset())
		start := end - len(v)
		out := make([]byte, 0, len(obj)-len(v)+len(value))
		out = append(out, obj[:start]...)
		out = append(out, value...)
		return append(out, obj[end:]...), nil
	}

	name, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	closing := bytes.LastIndexByte(obj, '}')
	head := bytes.TrimRight(obj[:closing], " \t\r\n")
	out := make([]byte, 0, len(obj)+len(name)+len(value)+2)
	out = append(out, head...)
	if head[len(head)-1] != '{' {
		out = append(out, ',')
	}
	out = append(out, name...)
	out = append(out, ':')
	out = append(out, value...)
	return append(out, obj[closing:]...), nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{' && json.Valid(t)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidHeartbeat):
		return "invalid"
	default:
		return "error"
	}
}

var _ ChallengeSink = LogSink{}
