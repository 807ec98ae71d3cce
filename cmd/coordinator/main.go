// Command coordinator runs the edge fleet control plane and manages its
// node registry.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/fleetgate/internal/config"
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

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

// load reads the configuration and reconfigures logging from it. --debug
// wins over log.level.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	level := cfg.Log.Level
	if g.debug {
		level = logging.LevelDebug
	}
	if err := logging.Configure(level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Edge fleet coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if g.debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logging.FormatText)
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("EDGE_CONFIG"), "Path to the YAML configuration file")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(serveCmd(g))
	cmd.AddCommand(nodeCmd(g))
	cmd.AddCommand(certCmd(g))
	return cmd
}
