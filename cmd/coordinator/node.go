package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/config"
	"github.com/dreamware/fleetgate/internal/registry"
)

func nodeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Provision and inspect edge nodes",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureColor()
		},
	}
	cmd.AddCommand(nodeAddCmd(g))
	cmd.AddCommand(nodeListCmd(g))
	cmd.AddCommand(nodeShowCmd(g))
	cmd.AddCommand(nodeSetSubdomainCmd(g))
	cmd.AddCommand(nodeRemoveCmd(g))
	return cmd
}

// withStore opens the configured registry for one CLI operation. The
// memory driver is refused: anything written there would vanish with the
// process.
func withStore(ctx context.Context, g *globalFlags, fn func(cfg config.Config, store registry.Store) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Registry.Driver == "memory" {
		return errors.New("registry driver memory is not persistent; configure sqlite, postgres or etcd")
	}
	store, err := registry.Open(ctx, registryOptions(cfg))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func nodeAddCmd(g *globalFlags) *cobra.Command {
	var subdomain, displayName string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Provision a node and print its token",
		Long: "Provision a node and print its token.\n\n" +
			"The token is shown exactly once; only its hash is stored. The node\n" +
			"stays in status unknown until its first heartbeat.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("node id must not be empty")
			}
			token, err := cluster.NewToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			return withStore(cmd.Context(), g, func(_ config.Config, store registry.Store) error {
				now := time.Now().UTC()
				node := &cluster.EdgeNode{
					ID:          id,
					TokenHash:   cluster.HashToken(token),
					DisplayName: displayName,
					Subdomain:   subdomain,
					Status:      cluster.StatusUnknown,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := store.Create(cmd.Context(), node); err != nil {
					return fmt.Errorf("add node %s: %w", id, err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, successMsg("node %s provisioned", id))
				fmt.Fprint(out, keyValues(kv("token", token)))
				fmt.Fprintln(out, muted("store this token now, it cannot be shown again"))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&subdomain, "subdomain", "", "Assign a subdomain up front")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Human readable name")
	return cmd
}

func nodeListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered nodes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), g, func(_ config.Config, store registry.Store) error {
				nodes, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(nodes) == 0 {
					fmt.Fprintln(out, muted("no nodes registered"))
					return nil
				}

				rows := make([][]string, len(nodes))
				for i, n := range nodes {
					rows[i] = []string{
						n.ID,
						orDash(n.Subdomain),
						string(n.Status),
						orDash(n.PublicAddress),
						orDash(capabilityList(n.Capabilities)),
						lastSeen(n.LastSeen),
					}
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Subdomain", "Status", "Address", "Capabilities", "Last seen"},
					rows,
				))
				return nil
			})
		},
	}
}

func nodeShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), g, func(cfg config.Config, store registry.Store) error {
				n, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("node %s: %w", args[0], err)
				}
				hostname := "-"
				if n.Subdomain != "" && cfg.BaseDomain != "" {
					hostname = n.Subdomain + "." + cfg.BaseDomain
				}
				metadata := "-"
				if len(n.Metadata) > 0 {
					metadata = string(n.Metadata)
				}
				fmt.Fprint(cmd.OutOrStdout(), keyValues(
					kv("id", n.ID),
					kv("name", orDash(n.DisplayName)),
					kv("status", string(n.Status)),
					kv("subdomain", orDash(n.Subdomain)),
					kv("hostname", hostname),
					kv("address", orDash(n.PublicAddress)),
					kv("ipv4", orDash(n.IPv4)),
					kv("capabilities", orDash(capabilityList(n.Capabilities))),
					kv("last seen", lastSeen(n.LastSeen)),
					kv("created", n.CreatedAt.Format(time.RFC3339)),
					kv("metadata", metadata),
				))
				return nil
			})
		},
	}
}

func nodeSetSubdomainCmd(g *globalFlags) *cobra.Command {
	var clearSub bool

	cmd := &cobra.Command{
		Use:   "set-subdomain <id> [subdomain]",
		Short: "Assign or clear a node's subdomain",
		Args: func(cmd *cobra.Command, args []string) error {
			if clearSub {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := ""
			if !clearSub {
				sub = registry.NormalizeSubdomain(args[1])
				if err := validLabel(sub); err != nil {
					return err
				}
			}
			return withStore(cmd.Context(), g, func(_ config.Config, store registry.Store) error {
				_, err := store.Update(cmd.Context(), args[0], func(n *cluster.EdgeNode) error {
					n.Subdomain = sub
					n.UpdatedAt = time.Now().UTC()
					return nil
				})
				if err != nil {
					return fmt.Errorf("node %s: %w", args[0], err)
				}
				if clearSub {
					fmt.Fprintln(cmd.OutOrStdout(), successMsg("subdomain of %s cleared", args[0]))
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), successMsg("node %s now serves %s", args[0], sub))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearSub, "clear", false, "Remove the subdomain instead of setting one")
	return cmd
}

func nodeRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a node from the registry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), g, func(_ config.Config, store registry.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successMsg("node %s removed", args[0]))
				return nil
			})
		},
	}
}

// validLabel accepts a single DNS label.
func validLabel(s string) error {
	if s == "" || len(s) > 63 {
		return fmt.Errorf("invalid subdomain %q: must be 1-63 characters", s)
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return fmt.Errorf("invalid subdomain %q: must not start or end with '-'", s)
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("invalid subdomain %q: only a-z, 0-9 and '-' are allowed", s)
		}
	}
	return nil
}

func capabilityList(caps []cluster.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
