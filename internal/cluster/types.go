package cluster

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Status is the liveness state of an edge node as seen by the coordinator.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusActive      Status = "active"
	StatusUnreachable Status = "unreachable"
	StatusDegraded    Status = "degraded"
)

// ParseStatus validates a status reported by a node. An empty value means
// the node did not report one and defaults to active.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return StatusActive, nil
	case StatusUnknown:
		return StatusUnknown, nil
	case StatusActive:
		return StatusActive, nil
	case StatusUnreachable:
		return StatusUnreachable, nil
	case StatusDegraded:
		return StatusDegraded, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Capability is a tag a node declares about how it can be reached.
//
// The vocabulary is closed: nodes reporting a tag outside of it are
// rejected rather than silently ignored.
//
//   - redirect-mode: clients may be redirected to the node's public address
//   - proxy-mode:    the coordinator may reverse-proxy requests to the node
//   - tunnel:        the node wants tunnel parameters in its NodeConfig
//   - dns01:         the node can publish ACME DNS-01 TXT records
type Capability string

const (
	CapRedirectMode Capability = "redirect-mode"
	CapProxyMode    Capability = "proxy-mode"
	CapTunnel       Capability = "tunnel"
	CapDNS01        Capability = "dns01"
)

// KnownCapabilities lists the full capability vocabulary.
var KnownCapabilities = []Capability{CapRedirectMode, CapProxyMode, CapTunnel, CapDNS01}

// ParseCapabilities validates raw tags and returns them deduplicated and
// sorted so that identical heartbeats produce identical records.
func ParseCapabilities(raw []string) ([]Capability, error) {
	seen := make(map[Capability]bool, len(raw))
	out := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c := Capability(strings.TrimSpace(r))
		if !c.Known() {
			return nil, fmt.Errorf("unknown capability %q", r)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	slices.Sort(out)
	return out, nil
}

// Known reports whether c is part of the capability vocabulary.
func (c Capability) Known() bool {
	return slices.Contains(KnownCapabilities, c)
}

// EdgeNode is the registry record for one node.
// TokenHash is never serialized to API responses.
type EdgeNode struct {
	ID            string          `json:"id"`
	TokenHash     string          `json:"-"`
	DisplayName   string          `json:"displayName,omitempty"`
	Subdomain     string          `json:"subdomain,omitempty"`
	PublicAddress string          `json:"publicAddress,omitempty"`
	IPv4          string          `json:"ipv4,omitempty"`
	Port          int             `json:"port,omitempty"`
	Capabilities  []Capability    `json:"capabilities,omitempty"`
	Status        Status          `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	LastSeen      time.Time       `json:"lastSeen"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Has reports whether the node declared capability c.
func (n *EdgeNode) Has(c Capability) bool {
	return slices.Contains(n.Capabilities, c)
}

// Clone returns a deep copy so registry callers cannot alias stored state.
func (n *EdgeNode) Clone() *EdgeNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Capabilities != nil {
		c.Capabilities = append([]Capability(nil), n.Capabilities...)
	}
	if n.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), n.Metadata...)
	}
	return &c
}

// TunnelDescriptor is what a node reports about its tunnel inside metadata.
type TunnelDescriptor struct {
	Connected  bool   `json:"connected"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// DNSAction is the verb of a DNS-01 relay command.
type DNSAction string

const (
	DNSActionSet    DNSAction = "set"
	DNSActionRemove DNSAction = "remove"
)

// DNSChallengeRequest asks the DNS owner to publish or remove one TXT record.
type DNSChallengeRequest struct {
	Action DNSAction `json:"action"`
	Host   string    `json:"host"`
	Value  string    `json:"value,omitempty"`
}

// NodeMetadata is the part of the opaque metadata blob the coordinator
// understands. Unknown keys are preserved because the blob is stored verbatim.
type NodeMetadata struct {
	Subdomain   string            `json:"subdomain,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Port        int               `json:"port,omitempty"`
	Tunnel      *TunnelDescriptor `json:"tunnel,omitempty"`
	Certificate *struct {
		DNS01 *DNSChallengeRequest `json:"dns01,omitempty"`
	} `json:"certificate,omitempty"`
}

// DecodeMetadata extracts the known fields of a metadata blob.
// An empty blob decodes to the zero value.
func DecodeMetadata(raw json.RawMessage) (NodeMetadata, error) {
	var md NodeMetadata
	if len(raw) == 0 || string(raw) == "null" {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// HeartbeatMessage is the body of a signal request. It is used both for
// liveness reports and, with metadata.certificate.dns01 set, for DNS
// challenge relay commands.
type HeartbeatMessage struct {
	NodeID        string          `json:"nodeId"`
	Token         string          `json:"token"`
	PublicAddress string          `json:"publicAddress,omitempty"`
	IPv4          string          `json:"ipv4,omitempty"`
	Status        string          `json:"status,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Tunnel        json.RawMessage `json:"tunnel,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// TunnelConfig tells a node which tunnel server to connect to.
type TunnelConfig struct {
	ServerHost string `json:"serverHost"`
	ServerPort int    `json:"serverPort"`
	Token      string `json:"token"`
}

// NodeConfig is the coordinator's answer to a heartbeat. It is derived
// from central configuration, not from what the node claimed.
type NodeConfig struct {
	NodeID                   string        `json:"nodeId"`
	Status                   Status        `json:"status"`
	Subdomain                string        `json:"subdomain,omitempty"`
	PublicHostname           string        `json:"publicHostname,omitempty"`
	Capabilities             []Capability  `json:"capabilities"`
	Tunnel                   *TunnelConfig `json:"tunnel,omitempty"`
	HeartbeatIntervalSeconds int           `json:"heartbeatIntervalSeconds"`
}
