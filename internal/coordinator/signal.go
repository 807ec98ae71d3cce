package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
)

const maxSignalBody = 64 << 10

// SignalHandler serves the signal endpoint: POST a HeartbeatMessage,
// receive a NodeConfig.
//
// Status codes:
//   - 200: NodeConfig body
//   - 400: malformed JSON or invalid heartbeat
//   - 401: generic rejection, identical for unknown nodes and bad tokens
//   - 405: not a POST
//   - 500: registry failure
func SignalHandler(p *Processor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var msg cluster.HeartbeatMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalBody)).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}

		cfg, err := p.ProcessHeartbeat(r.Context(), msg)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(cfg)
		case errors.Is(err, ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, ErrInvalidHeartbeat):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logging.FromContext(r.Context()).Error("heartbeat failed", "node_id", msg.NodeID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
