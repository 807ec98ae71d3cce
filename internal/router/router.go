// Package router maps inbound requests onto a RouteTarget and delivers
// them.
//
// Resolution runs an ordered list of stages; the first stage that matches
// wins:
//
//	local paths   longest base-path match, ties by declaration order
//	edge node     Host subdomain looked up in the registry
//	fallback      configured "no such node" response
//
// An edge node is proxied to when it declares proxy-mode and has an
// address, otherwise redirected to when it declares redirect-mode. A stale
// node status never blocks delivery; it is only recorded.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
	"github.com/dreamware/fleetgate/internal/metrics"
	"github.com/dreamware/fleetgate/internal/registry"
)

// NodeHeader names the node that served a proxied response.
const NodeHeader = "X-Edge-Node"

// Kind tags a RouteTarget.
type Kind int

const (
	KindLocal Kind = iota
	KindRedirect
	KindProxy
	// KindUnavailable is a matched node with no deliverable address.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRedirect:
		return "redirect"
	case KindProxy:
		return "proxy"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RouteTarget is where one request goes.
//
//   - KindLocal:    Handler serves it in-process
//   - KindRedirect: URL is the Location of a temporary redirect
//   - KindProxy:    Upstream is the node address the request is forwarded to
type RouteTarget struct {
	Kind     Kind
	Handler  http.Handler
	URL      string
	Upstream *url.URL
	Node     *cluster.EdgeNode
}

// Stage is one step of resolution. Match returns ok=false to pass the
// request to the next stage.
type Stage interface {
	Name() string
	Match(r *http.Request) (target RouteTarget, ok bool, err error)
}

// NodeLookup is the registry read the router needs.
type NodeLookup interface {
	FindBySubdomain(ctx context.Context, sub string) (*cluster.EdgeNode, error)
}

// Router resolves and dispatches requests.
type Router struct {
	stages []Stage
	proxy  *Proxy
	m      *metrics.Metrics
	tracer trace.Tracer
}

// Config assembles a Router.
type Config struct {
	Local      []LocalRoute
	BaseDomain string
	Nodes      NodeLookup
	Fallback   http.Handler
	Proxy      *Proxy
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
}

// New builds the stage list local → node → fallback.
func New(cfg Config) *Router {
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	proxy := cfg.Proxy
	if proxy == nil {
		proxy = NewProxy(0)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = metrics.Tracer()
	}
	return &Router{
		stages: []Stage{
			NewLocalStage(cfg.Local),
			&nodeStage{nodes: cfg.Nodes, baseDomain: normalizeHost(cfg.BaseDomain)},
			fallbackStage{handler: fallback},
		},
		proxy:  proxy,
		m:      cfg.Metrics,
		tracer: tracer,
	}
}

// Resolve runs the stages in order.
func (rt *Router) Resolve(r *http.Request) (RouteTarget, error) {
	for _, s := range rt.stages {
		target, ok, err := s.Match(r)
		if err != nil {
			return RouteTarget{}, fmt.Errorf("%s stage: %w", s.Name(), err)
		}
		if ok {
			return target, nil
		}
	}
	return RouteTarget{}, errors.New("no stage matched")
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := rt.Resolve(r)
	if err != nil {
		logging.FromContext(r.Context()).Error("route resolution failed", "host", r.Host, "path", r.URL.Path, "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if target.Kind == KindLocal {
		target.Handler.ServeHTTP(w, r)
		return
	}
	rt.dispatch(w, r, target)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, target RouteTarget) {
	node := target.Node
	ctx, span := rt.tracer.Start(r.Context(), "router.dispatch", trace.WithAttributes(
		attribute.String("route.kind", target.Kind.String()),
		attribute.String("node.id", node.ID),
		attribute.String("node.status", string(node.Status)),
	))
	defer span.End()
	r = r.WithContext(ctx)
	log := logging.FromContext(ctx).With("node_id", node.ID, "kind", target.Kind.String())

	if node.Status != cluster.StatusActive {
		span.SetAttributes(attribute.Bool("node.stale", true))
		rt.m.StaleDispatch(string(node.Status))
		log.Debug("dispatching to non-active node", "status", node.Status)
	}
	rt.m.Dispatch(target.Kind.String())

	switch target.Kind {
	case KindRedirect:
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	case KindProxy:
		if err := rt.proxy.Forward(w, r, node, target.Upstream); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream failure")
			log.Warn("proxy upstream failed", "upstream", target.Upstream.String(), "err", err)
		}
	default:
		span.SetStatus(codes.Error, "no deliverable address")
		log.Warn("node has no deliverable address")
		http.Error(w, "edge node has no reachable address", http.StatusBadGateway)
	}
}

// RequestURL reconstructs the URL the client asked for. The scheme comes
// from X-Forwarded-Proto, defaulting to http, because TLS terminates in
// front of the coordinator.
func RequestURL(r *http.Request) *url.URL {
	scheme := "http"
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		p = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
		if p == "https" || p == "http" {
			scheme = p
		}
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// SubdomainOf extracts the routing label from host. With a base domain the
// label directly left of it is used; without one the first label of a
// host with at least three labels is.
func SubdomainOf(host, baseDomain string) (string, bool) {
	host = normalizeHost(host)
	baseDomain = normalizeHost(baseDomain)
	if baseDomain != "" {
		rest, ok := strings.CutSuffix(host, "."+baseDomain)
		if !ok || rest == "" {
			return "", false
		}
		if i := strings.LastIndexByte(rest, '.'); i >= 0 {
			rest = rest[i+1:]
		}
		return rest, true
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || net.ParseIP(host) != nil {
		return "", false
	}
	return labels[0], true
}

type fallbackStage struct {
	handler http.Handler
}

func (fallbackStage) Name() string { return "fallback" }

func (s fallbackStage) Match(*http.Request) (RouteTarget, bool, error) {
	return RouteTarget{Kind: KindLocal, Handler: s.handler}, true, nil
}

// FallbackHandler writes a fixed status and body.
func FallbackHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

var _ NodeLookup = (registry.Store)(nil)
