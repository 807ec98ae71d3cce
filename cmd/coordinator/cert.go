package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/fleetgate/internal/certs"
	"github.com/dreamware/fleetgate/internal/metrics"
)

func certCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage node certificates",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureColor()
		},
	}
	cmd.AddCommand(certEnsureCmd(g))
	return cmd
}

func certEnsureCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure [node-id]",
		Short: "Issue or renew configured certificates now",
		Long: "Issue or renew configured certificates now.\n\n" +
			"Certificates that are still fresh and cover their domains are left\n" +
			"alone. Without a node id every configured certificate is checked.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			jobs := certJobs(cfg)
			if len(args) == 1 {
				jobs = filterJobs(jobs, args[0])
				if len(jobs) == 0 {
					return fmt.Errorf("no certificate configured for node %s", args[0])
				}
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), muted("no certificates configured"))
				return nil
			}

			mgr, err := newCertManager(cfg, metrics.New())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var errs []error
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rec, err := mgr.EnsureCertificate(ctx, job)
				if err != nil {
					errs = append(errs, fmt.Errorf("node %s: %w", job.NodeID, err))
					rows = append(rows, []string{job.NodeID, fmt.Sprint(job.Domains), "failed", "-", "-"})
					continue
				}
				result := "kept"
				if rec.Renewed {
					result = "issued"
				}
				rows = append(rows, []string{
					job.NodeID,
					fmt.Sprint(rec.Domains),
					result,
					rec.NotAfter.UTC().Format(time.RFC3339),
					orDash(rec.IssuingCA),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Node", "Domains", "Result", "Not after", "CA"},
				rows,
			))
			return errors.Join(errs...)
		},
	}
}

func filterJobs(jobs []certs.Job, nodeID string) []certs.Job {
	var out []certs.Job
	for _, j := range jobs {
		if j.NodeID == nodeID {
			out = append(out, j)
		}
	}
	return out
}
