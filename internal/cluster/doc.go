// Package cluster holds the data model shared by the coordinator, the edge
// node agent and the certificate tooling, plus the small JSON-over-HTTP
// helpers every component uses to talk to the others.
//
// # Overview
//
// The coordinator fronts a fleet of self-hosted edge nodes. Nodes are
// provisioned by an operator, then keep themselves registered by sending
// signed heartbeats to the coordinator's signal endpoint:
//
//	┌──────────────┐   POST /api/signal   ┌──────────────┐
//	│  Edge node   │ ───────────────────▶ │ Coordinator  │
//	│              │ ◀─────────────────── │              │
//	│  agent       │      NodeConfig      │  registry    │
//	└──────────────┘                      │  router      │
//	                                      │  certs       │
//	                                      └──────────────┘
//
// # Core Types
//
// EdgeNode: the registry record for one node
//   - identity (ID, TokenHash), routing key (Subdomain)
//   - reachability hints (PublicAddress, IPv4, Port)
//   - declared Capabilities and the current Status
//   - opaque Metadata stored verbatim from the last heartbeat
//
// HeartbeatMessage: the signal request body
//   - carries the plaintext token, which is hashed and compared, never stored
//   - doubles as the DNS-01 relay command envelope via metadata.certificate.dns01
//
// NodeConfig: the signal response body
//   - effective capabilities and tunnel parameters computed centrally
//
// # Capability Vocabulary
//
// Capabilities form a closed set (see KnownCapabilities). Unknown tags make
// ParseCapabilities fail so that a misconfigured node is told about it
// instead of being routed by accident.
//
// # Tokens
//
// HashToken and TokenMatches implement the shared-secret check. Comparison
// is constant time. NewToken generates secrets for provisioning;
// DeriveTunnelToken binds tunnel credentials to a node id.
package cluster
