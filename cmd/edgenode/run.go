package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fleetgate/internal/agent"
	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
)

type runOptions struct {
	nodeID        string
	token         string
	signalURL     string
	listen        string
	publicAddress string
	ipv4          string
	capabilities  []string
	subdomain     string
	displayName   string
	upstream      string
	interval      time.Duration
	timeout       time.Duration
}

func runCmd() *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Heartbeat to the coordinator and serve /health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", o.listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return o.run(ctx, ln)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.nodeID, "id", os.Getenv("EDGE_NODE_ID"), "Node id")
	f.StringVar(&o.token, "token", os.Getenv("EDGE_NODE_TOKEN"), "Node token")
	f.StringVar(&o.signalURL, "signal-url", os.Getenv("EDGE_SIGNAL_URL"), "Coordinator signal endpoint")
	f.StringVar(&o.listen, "listen", getenv("EDGE_NODE_LISTEN", ":9000"), "Listen address")
	f.StringVar(&o.publicAddress, "public-address", os.Getenv("EDGE_NODE_PUBLIC_ADDRESS"), "Address the coordinator reaches this node at")
	f.StringVar(&o.ipv4, "ipv4", "", "Public IPv4 address")
	f.StringSliceVar(&o.capabilities, "capabilities", []string{string(cluster.CapProxyMode)}, "Declared capabilities")
	f.StringVar(&o.subdomain, "subdomain", "", "Requested subdomain")
	f.StringVar(&o.displayName, "display-name", "", "Human readable name")
	f.StringVar(&o.upstream, "upstream", os.Getenv("EDGE_NODE_UPSTREAM"), "Local application to serve behind /health")
	f.DurationVar(&o.interval, "interval", 30*time.Second, "Heartbeat interval until the coordinator sets one")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "Heartbeat delivery timeout")
	return cmd
}

func (o *runOptions) metadata() (json.RawMessage, error) {
	md := cluster.NodeMetadata{Subdomain: o.subdomain, DisplayName: o.displayName}
	if md == (cluster.NodeMetadata{}) {
		return nil, nil
	}
	return json.Marshal(md)
}

func (o *runOptions) handler(a *agent.Agent) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/health", a.HealthHandler())
	if o.upstream != "" {
		up, err := url.Parse(o.upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream: %w", err)
		}
		mux.Handle("/", httputil.NewSingleHostReverseProxy(up))
	}
	return logging.Middleware(mux), nil
}

func (o *runOptions) run(ctx context.Context, ln net.Listener) error {
	md, err := o.metadata()
	if err != nil {
		return err
	}
	a, err := agent.New(agent.Config{
		NodeID:        o.nodeID,
		Token:         o.token,
		SignalURL:     o.signalURL,
		PublicAddress: o.publicAddress,
		IPv4:          o.ipv4,
		Capabilities:  o.capabilities,
		Metadata:      md,
		Interval:      o.interval,
		Timeout:       o.timeout,
	})
	if err != nil {
		return err
	}
	h, err := o.handler(a)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("edge node listening", "addr", ln.Addr().String(), "node_id", o.nodeID)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error {
		watchStatusSignals(ctx, a)
		return nil
	})
	return g.Wait()
}

func watchStatusSignals(ctx context.Context, a *agent.Agent) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if sig == syscall.SIGUSR1 {
				a.SetStatus(cluster.StatusDegraded)
			} else {
				a.SetStatus(cluster.StatusActive)
			}
			slog.Info("node status changed", "status", a.Status())
		}
	}
}
