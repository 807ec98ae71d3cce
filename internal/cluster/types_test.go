package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestParseStatus covers the accepted status vocabulary and the default.
func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{in: "", want: StatusActive},
		{in: "active", want: StatusActive},
		{in: " Degraded ", want: StatusDegraded},
		{in: "unreachable", want: StatusUnreachable},
		{in: "unknown", want: StatusUnknown},
		{in: "sleeping", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestParseCapabilities verifies dedupe, ordering and rejection of unknown tags.
func TestParseCapabilities(t *testing.T) {
	got, err := ParseCapabilities([]string{"proxy-mode", "redirect-mode", "proxy-mode"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != CapProxyMode || got[1] != CapRedirectMode {
		t.Errorf("got %v, want [proxy-mode redirect-mode]", got)
	}

	if _, err := ParseCapabilities([]string{"teleport"}); err == nil {
		t.Error("expected unknown capability to be rejected")
	}

	empty, err := ParseCapabilities(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("nil input: got %v, %v", empty, err)
	}
}

// TestEdgeNodeClone ensures clones do not share slices with the original.
func TestEdgeNodeClone(t *testing.T) {
	n := &EdgeNode{
		ID:           "n1",
		Capabilities: []Capability{CapProxyMode},
		Metadata:     json.RawMessage(`{"a":1}`),
	}
	c := n.Clone()
	c.Capabilities[0] = CapRedirectMode
	c.Metadata[2] = 'b'

	if n.Capabilities[0] != CapProxyMode {
		t.Error("clone aliased capabilities")
	}
	if string(n.Metadata) != `{"a":1}` {
		t.Error("clone aliased metadata")
	}
	if (*EdgeNode)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

// TestEdgeNodeJSONHidesTokenHash makes sure the digest never leaves the process.
func TestEdgeNodeJSONHidesTokenHash(t *testing.T) {
	data, err := json.Marshal(EdgeNode{ID: "n1", TokenHash: "secret-digest"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, v := range m {
		if v == "secret-digest" {
			t.Errorf("token hash leaked under key %q", k)
		}
	}
}

func TestDecodeMetadata(t *testing.T) {
	md, err := DecodeMetadata(json.RawMessage(`{
		"subdomain": "alice",
		"tunnel": {"connected": true, "entrypoint": "http://tunnel:7000"},
		"certificate": {"dns01": {"action": "set", "host": "_acme-challenge.alice.example.com", "value": "v"}},
		"extra": [1,2,3]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Subdomain != "alice" {
		t.Errorf("subdomain = %q", md.Subdomain)
	}
	if md.Tunnel == nil || !md.Tunnel.Connected || md.Tunnel.Entrypoint != "http://tunnel:7000" {
		t.Errorf("tunnel = %+v", md.Tunnel)
	}
	if md.Certificate == nil || md.Certificate.DNS01 == nil || md.Certificate.DNS01.Action != DNSActionSet {
		t.Errorf("dns01 = %+v", md.Certificate)
	}

	zero, err := DecodeMetadata(nil)
	if err != nil || zero.Subdomain != "" {
		t.Errorf("empty metadata: %+v, %v", zero, err)
	}

	if _, err := DecodeMetadata(json.RawMessage(`[`)); err == nil {
		t.Error("expected malformed metadata to fail")
	}
}

func TestTokens(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}
	h := HashToken(tok)
	if !TokenMatches(tok, h) {
		t.Error("token should match its own hash")
	}
	if TokenMatches("other", h) {
		t.Error("different token must not match")
	}
	if TokenMatches(tok, "") {
		t.Error("empty hash must not match")
	}
	if DeriveTunnelToken("s", "n1") == DeriveTunnelToken("s", "n2") {
		t.Error("tunnel tokens must differ per node")
	}
}

// TestPostJSON tests the PostJSON helper against a live test server.
func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["nodeId"] == "bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["nodeId"]})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out map[string]string
	if err := PostJSON(ctx, http.DefaultClient, server.URL, map[string]string{"nodeId": "n1"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out["echo"] != "n1" {
		t.Errorf("echo = %q", out["echo"])
	}

	err := PostJSON(ctx, http.DefaultClient, server.URL, map[string]string{"nodeId": "bad"}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("code = %d", se.Code)
	}
}
