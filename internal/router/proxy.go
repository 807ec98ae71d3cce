package router

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
)

// Proxy forwards requests to edge nodes. One transport is shared by all
// nodes; a failed upstream is reported as 502 and never retried.
type Proxy struct {
	transport http.RoundTripper
}

// NewProxy returns a proxy whose dial and response-header waits are bounded
// by timeout. Zero selects 30s.
func NewProxy(timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	return &Proxy{transport: t}
}

// Forward streams r to upstream and the answer back to w, tagging it with
// the node id. The returned error is informational; w has already been
// written.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, node *cluster.EdgeNode, upstream *url.URL) error {
	var upstreamErr error
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			if id := logging.RequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(logging.RequestIDHeader, id)
			}
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(NodeHeader, node.ID)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			upstreamErr = err
			w.Header().Set(NodeHeader, node.ID)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
	if upstreamErr != nil {
		return errors.Join(errors.New("proxy upstream failure"), upstreamErr)
	}
	return nil
}
