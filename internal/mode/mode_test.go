package mode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routeFor(t *testing.T, d *Detector, base string) http.Handler {
	t.Helper()
	for _, r := range d.Routes() {
		if r.BasePath == base {
			return r.Handler
		}
	}
	t.Fatalf("no route for %s", base)
	return nil
}

func TestDetectIdentityProvider(t *testing.T) {
	d, err := Detect(Options{})
	require.NoError(t, err)
	assert.Equal(t, IdentityProvider, d.Mode)
	assert.Empty(t, d.Routes())
	assert.Equal(t, "identity-provider", d.Mode.String())
}

func TestDetectIdentityProviderDelegatesToLocalUpstream(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("local:" + r.URL.Path))
	}))
	defer local.Close()

	d, err := Detect(Options{LocalUpstream: local.URL})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	routeFor(t, d, AccountPath).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.account/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local:/.account/login", rec.Body.String())
}

func TestServiceProviderRefusesIdentityPaths(t *testing.T) {
	d, err := Detect(Options{ExternalIdPURL: "https://idp.example.com/", JWKSTTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, ServiceProvider, d.Mode)
	assert.Equal(t, "https://idp.example.com", d.IdPURL.String())

	for _, base := range []string{AccountPath, OIDCPath} {
		t.Run(base, func(t *testing.T) {
			rec := httptest.NewRecorder()
			routeFor(t, d, base).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, base+"/register", nil))
			assert.Equal(t, http.StatusNotImplemented, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "https://idp.example.com", body["identityProvider"])
		})
	}
}

func TestJWKSCacheTTL(t *testing.T) {
	var hits atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.oidc/jwks", r.URL.Path)
		hits.Add(1)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer idp.Close()

	d, err := Detect(Options{ExternalIdPURL: idp.URL, JWKSTTL: time.Minute})
	require.NoError(t, err)

	now := time.Now()
	d.jwks.now = func() time.Time { return now }

	h := routeFor(t, d, "/.oidc/jwks")
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.oidc/jwks", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"keys":[]}`, rec.Body.String())
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Minute)
	_, err = d.jwks.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestJWKSCacheConcurrentMisses(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"keys":[1]}`))
	}))
	defer idp.Close()

	c := NewJWKSCache(idp.URL, time.Minute, nil)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSUpstreamFailure(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer idp.Close()

	c := NewJWKSCache(idp.URL, time.Minute, nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.oidc/jwks", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/.oidc/jwks", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
