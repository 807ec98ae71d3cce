// Package mode decides, once at startup, whether this coordinator is the
// identity provider for the fleet or defers to an external one.
//
// In identity-provider mode the account and OIDC paths are served by the
// local identity upstream. In service-provider mode they are refused with
// 501, except for the JWKS document, which is proxied from the external
// provider and cached for a fixed TTL.
package mode

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/fleetgate/internal/logging"
)

// Identity path prefixes handled by the detector.
const (
	AccountPath = "/.account"
	OIDCPath    = "/.oidc"
)

// Mode is the process-wide identity role.
type Mode int

const (
	IdentityProvider Mode = iota
	ServiceProvider
)

func (m Mode) String() string {
	if m == ServiceProvider {
		return "service-provider"
	}
	return "identity-provider"
}

// Options feeds Detect.
type Options struct {
	ExternalIdPURL string
	LocalUpstream  string
	JWKSPath       string
	JWKSTTL        time.Duration
	Client         *http.Client
}

// Route is one identity path mounted by the router.
type Route struct {
	BasePath string
	Handler  http.Handler
}

// Detector is the evaluated mode plus the handlers for it.
type Detector struct {
	Mode   Mode
	IdPURL *url.URL
	routes []Route
	jwks   *JWKSCache
}

// Detect evaluates opts. It never changes afterwards.
func Detect(opts Options) (*Detector, error) {
	d := &Detector{Mode: IdentityProvider}
	if strings.TrimSpace(opts.ExternalIdPURL) == "" {
		if opts.LocalUpstream == "" {
			return d, nil
		}
		up, err := url.Parse(opts.LocalUpstream)
		if err != nil {
			return nil, err
		}
		local := httputil.NewSingleHostReverseProxy(up)
		d.routes = []Route{
			{BasePath: AccountPath, Handler: local},
			{BasePath: OIDCPath, Handler: local},
		}
		return d, nil
	}

	idp, err := url.Parse(strings.TrimRight(opts.ExternalIdPURL, "/"))
	if err != nil {
		return nil, err
	}
	d.Mode = ServiceProvider
	d.IdPURL = idp

	jwksPath := opts.JWKSPath
	if jwksPath == "" {
		jwksPath = OIDCPath + "/jwks"
	}
	d.jwks = NewJWKSCache(idp.String()+jwksPath, opts.JWKSTTL, opts.Client)

	refuse := Refusal(idp.String())
	d.routes = []Route{
		{BasePath: jwksPath, Handler: d.jwks},
		{BasePath: OIDCPath, Handler: refuse},
		{BasePath: AccountPath, Handler: refuse},
	}
	return d, nil
}

// Routes returns the identity paths to mount locally. Empty in
// identity-provider mode without a local upstream.
func (d *Detector) Routes() []Route {
	return append([]Route(nil), d.routes...)
}

// Refusal answers 501 and points the caller to the external provider.
func Refusal(idpURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Debug("identity path refused", "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotImplemented)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":            "not_implemented",
			"message":          "identity is managed by an external provider",
			"identityProvider": idpURL,
		})
	})
}
