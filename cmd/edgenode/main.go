// Command edgenode is the node-side companion of the coordinator. It
// heartbeats to the coordinator's signal endpoint and answers the
// coordinator's reachability probe.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               edgenode                  │
//	├─────────────────────────────────────────┤
//	│  HTTP:                                  │
//	│    /health   - reachability probe       │
//	│    /*        - local app (--upstream)   │
//	├─────────────────────────────────────────┤
//	│  Agent:                                 │
//	│    heartbeat on interval and on change  │
//	│    adopts NodeConfig from coordinator   │
//	└─────────────────────────────────────────┘
//
// Every flag has an environment default:
//   - EDGE_NODE_ID, EDGE_NODE_TOKEN: credentials from "coordinator node add"
//   - EDGE_SIGNAL_URL: coordinator signal endpoint
//   - EDGE_NODE_LISTEN: listen address (default ":9000")
//   - EDGE_NODE_PUBLIC_ADDRESS: address the coordinator proxies or redirects to
//   - EDGE_NODE_UPSTREAM: local application served behind /health
//
// Signals: SIGUSR1 reports the node degraded, SIGUSR2 active again. Both
// trigger an immediate heartbeat.
//
// Example usage:
//
//	EDGE_NODE_TOKEN=... edgenode run \
//	  --id shop-1 \
//	  --signal-url https://edge.example.com/api/signal \
//	  --public-address http://203.0.113.7:9000 \
//	  --capabilities proxy-mode,redirect-mode \
//	  --subdomain shop \
//	  --upstream http://127.0.0.1:3000
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/fleetgate/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool
	var logFormat string

	cmd := &cobra.Command{
		Use:           "edgenode",
		Short:         "Edge node heartbeat agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logFormat)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	cmd.AddCommand(runCmd())
	return cmd
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
