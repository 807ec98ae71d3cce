package router

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
	"github.com/dreamware/fleetgate/internal/registry"
)

type nodeStage struct {
	nodes      NodeLookup
	baseDomain string
}

func (*nodeStage) Name() string { return "edge-node" }

func (s *nodeStage) Match(r *http.Request) (RouteTarget, bool, error) {
	if s.nodes == nil {
		return RouteTarget{}, false, nil
	}
	sub, ok := SubdomainOf(r.Host, s.baseDomain)
	if !ok {
		return RouteTarget{}, false, nil
	}
	node, err := s.nodes.FindBySubdomain(r.Context(), sub)
	if errors.Is(err, registry.ErrNotFound) {
		logging.FromContext(r.Context()).Debug("no node for subdomain", "subdomain", sub)
		return RouteTarget{}, false, nil
	}
	if err != nil {
		return RouteTarget{}, false, err
	}
	return TargetFor(node, RequestURL(r)), true, nil
}

// TargetFor decides how to deliver reqURL to node.
func TargetFor(node *cluster.EdgeNode, reqURL *url.URL) RouteTarget {
	if node.Has(cluster.CapProxyMode) {
		if up := upstreamOf(node); up != nil {
			return RouteTarget{Kind: KindProxy, Upstream: up, Node: node}
		}
	}
	if node.Has(cluster.CapRedirectMode) && node.PublicAddress != "" {
		loc := strings.TrimRight(node.PublicAddress, "/") + reqURL.EscapedPath()
		if reqURL.RawQuery != "" {
			loc += "?" + reqURL.RawQuery
		}
		return RouteTarget{Kind: KindRedirect, URL: loc, Node: node}
	}
	return RouteTarget{Kind: KindUnavailable, Node: node}
}

// upstreamOf prefers the public address and falls back to the tunnel
// entrypoint reported in metadata.
func upstreamOf(node *cluster.EdgeNode) *url.URL {
	if u := parseAddress(node.PublicAddress); u != nil {
		return u
	}
	md, err := cluster.DecodeMetadata(node.Metadata)
	if err != nil || md.Tunnel == nil {
		return nil
	}
	return parseAddress(md.Tunnel.Entrypoint)
}

func parseAddress(addr string) *url.URL {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}
