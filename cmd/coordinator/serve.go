package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fleetgate/internal/certs"
	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/config"
	"github.com/dreamware/fleetgate/internal/coordinator"
	"github.com/dreamware/fleetgate/internal/dnsrelay"
	"github.com/dreamware/fleetgate/internal/logging"
	"github.com/dreamware/fleetgate/internal/metrics"
	"github.com/dreamware/fleetgate/internal/mode"
	"github.com/dreamware/fleetgate/internal/registry"
	"github.com/dreamware/fleetgate/internal/router"
)

// Operational paths of the coordinator itself. They live under a dotted
// prefix so they never shadow a node's own /health or /metrics.
const (
	healthPath  = "/.fleetgate/health"
	metricsPath = "/.fleetgate/metrics"

	shutdownTimeout = 5 * time.Second
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server, reachability prober and certificate scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := registry.Open(ctx, registryOptions(cfg))
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer store.Close()

			s, err := newServer(cfg, store)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return s.serve(ctx, ln)
		},
	}
}

func registryOptions(cfg config.Config) registry.Options {
	return registry.Options{
		Driver:    cfg.Registry.Driver,
		DSN:       cfg.Registry.DSN,
		Endpoints: cfg.Registry.Endpoints,
	}
}

// server is one assembled coordinator instance.
type server struct {
	cfg       config.Config
	store     registry.Store
	metrics   *metrics.Metrics
	mode      mode.Mode
	handler   http.Handler
	prober    *coordinator.ReachabilityProber
	scheduler *certs.Scheduler
}

func newServer(cfg config.Config, store registry.Store) (*server, error) {
	m := metrics.New()

	enabled, err := cluster.ParseCapabilities(cfg.Capabilities.Enabled)
	if err != nil {
		return nil, err
	}
	proc := coordinator.NewProcessor(store, coordinator.ProcessorOptions{
		BaseDomain: cfg.BaseDomain,
		Tunnel: coordinator.TunnelSettings{
			ServerHost: cfg.Tunnel.ServerHost,
			ServerPort: cfg.Tunnel.ServerPort,
			Secret:     cfg.Tunnel.Secret,
		},
		HeartbeatInterval:      cfg.HeartbeatInterval(),
		AllowSubdomainOverride: bool(cfg.Heartbeat.AllowSubdomainOverride),
		EnabledCapabilities:    enabled,
		Metrics:                m,
	})

	detector, err := mode.Detect(mode.Options{
		ExternalIdPURL: cfg.Identity.ExternalIdPURL,
		LocalUpstream:  cfg.Identity.LocalUpstream,
		JWKSPath:       cfg.Identity.JWKSPath,
		JWKSTTL:        cfg.JWKSTTL(),
		Client:         &http.Client{Timeout: cfg.ProxyTimeout()},
	})
	if err != nil {
		return nil, fmt.Errorf("detect mode: %w", err)
	}

	local := []router.LocalRoute{
		{BasePath: cfg.SignalPath, Handler: coordinator.SignalHandler(proc)},
		{BasePath: healthPath, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})},
		{BasePath: metricsPath, Handler: m.Handler()},
	}
	for _, r := range detector.Routes() {
		local = append(local, router.LocalRoute{BasePath: r.BasePath, Handler: r.Handler})
	}

	rt := router.New(router.Config{
		Local:      local,
		BaseDomain: cfg.BaseDomain,
		Nodes:      store,
		Fallback:   router.FallbackHandler(cfg.Fallback.Status, cfg.Fallback.Body),
		Proxy:      router.NewProxy(cfg.ProxyTimeout()),
		Metrics:    m,
	})

	s := &server{
		cfg:     cfg,
		store:   store,
		metrics: m,
		mode:    detector.Mode,
		handler: logging.Middleware(rt),
	}

	if cfg.Reachability.Enabled {
		s.prober = coordinator.NewReachabilityProber(store, cfg.ReachabilityInterval(), m)
		s.prober.SetMaxFailures(cfg.Reachability.MaxFailures)
		s.prober.SetTimeout(cfg.ReachabilityTimeout())
	}

	if len(cfg.Certificates) > 0 {
		mgr, err := newCertManager(cfg, m)
		if err != nil {
			return nil, err
		}
		s.scheduler = certs.NewScheduler(mgr, certJobs(cfg), cfg.CertificateCheckInterval())
	}
	return s, nil
}

// serve runs every component until ctx is cancelled or one of them fails.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("coordinator listening",
			"addr", ln.Addr().String(),
			"mode", s.mode.String(),
			"base_domain", s.cfg.BaseDomain,
			"registry", s.cfg.Registry.Driver)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		slog.Info("coordinator stopped")
		return nil
	})
	if s.prober != nil {
		g.Go(func() error {
			s.prober.Start(ctx)
			return nil
		})
	}
	if s.scheduler != nil {
		g.Go(func() error { return s.scheduler.Run(ctx) })
	}
	return g.Wait()
}

func newCertManager(cfg config.Config, m *metrics.Metrics) (*certs.Manager, error) {
	mgr, err := certs.NewManager(certs.Options{
		Directories:      cfg.DirectoryURLs(),
		Email:            cfg.ACME.Email,
		AccountKeyPath:   cfg.ACME.AccountKeyPath,
		PropagationDelay: cfg.PropagationDelay(),
		OrderTimeout:     cfg.OrderTimeout(),
		Metrics:          m,
	})
	if err != nil {
		return nil, fmt.Errorf("certificate manager: %w", err)
	}
	return mgr, nil
}

// certJobs turns configured certificates into manager jobs, each relaying
// its DNS challenges through the node's signal endpoint.
func certJobs(cfg config.Config) []certs.Job {
	jobs := make([]certs.Job, 0, len(cfg.Certificates))
	for _, c := range cfg.Certificates {
		jobs = append(jobs, certs.Job{
			NodeID:          c.NodeID,
			Domains:         c.Domains,
			PrivateKeyPath:  c.PrivateKeyPath,
			CertificatePath: c.CertificatePath,
			FullChainPath:   c.FullChainPath,
			RenewBefore:     time.Duration(c.RenewBeforeDays) * 24 * time.Hour,
			Relay:           dnsrelay.New(c.SignalEndpoint, c.NodeID, c.Token, dnsrelay.WithTimeout(cfg.RelayTimeout())),
		})
	}
	return jobs
}
