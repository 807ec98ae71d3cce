// Package coordinator implements the control-plane side of the edge fleet:
// it authenticates node heartbeats, keeps the Node Registry current and
// probes nodes that stop answering.
//
// # Overview
//
// Every edge node periodically POSTs a heartbeat to the signal endpoint.
// The coordinator verifies the node's token against the stored hash,
// records what the node reported and answers with the configuration the
// node should run with. That configuration is computed centrally; a node
// can only select among capabilities the operator enabled.
//
// # Architecture
//
//	   edge node                      coordinator
//	┌─────────────┐  POST signal  ┌──────────────────────────┐
//	│ agent loop  │──────────────▶│ SignalHandler            │
//	│             │◀──────────────│   └─ Processor           │
//	└─────────────┘   NodeConfig  │        ├─ token check    │
//	       ▲                      │        ├─ validation     │
//	       │ GET /health          │        ├─ registry.Update│
//	       │                      │        └─ ChallengeSink  │
//	       └──────────────────────│ ReachabilityProber       │
//	                              └──────────────────────────┘
//
// # Core Components
//
// Processor: applies heartbeats
//   - Rejects unknown ids and wrong tokens with the same ErrUnauthorized
//   - Validates status and capabilities against a closed vocabulary
//   - Stores capabilities and metadata as reported
//   - Only sets a subdomain from metadata when none is set, unless
//     overrides are enabled
//   - Forwards metadata.certificate.dns01 commands to a ChallengeSink
//
// SignalHandler: HTTP binding of the Processor
//   - 401 for any authentication failure, with a generic body
//   - 400 for malformed or invalid messages
//   - 500 when the registry is unavailable
//
// ReachabilityProber: explicit liveness probe
//   - GET <publicAddress>/health on an interval
//   - active → unreachable after consecutive failures
//   - unreachable → active after one success
//   - Never advances lastSeen; a heartbeat that lands mid-probe wins
//
// # Provisioning
//
// Nodes are provisioned before they can heartbeat: "coordinator node add"
// generates a token, stores only its SHA-256 hash and leaves the record in
// status unknown. The first accepted heartbeat fills in the rest.
//
// # Concurrency
//
// Heartbeats are processed on the HTTP server's goroutines with no global
// lock. Writes for one node go through registry.Store.Update, which every
// backend applies atomically, so a heartbeat and a probe racing on the
// same node cannot interleave.
package coordinator
