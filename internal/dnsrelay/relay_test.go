package dnsrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fleetgate/internal/cluster"
	"github.com/dreamware/fleetgate/internal/logging"
)

func TestSetChallengePayload(t *testing.T) {
	var got cluster.HeartbeatMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	relay := New(srv.URL, "n1", "t1")
	require.NoError(t, relay.SetChallenge(context.Background(), "_acme-challenge.n1.example.com", "txt-value"))

	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, "t1", got.Token)
	md, err := cluster.DecodeMetadata(got.Metadata)
	require.NoError(t, err)
	require.NotNil(t, md.Certificate)
	require.NotNil(t, md.Certificate.DNS01)
	assert.Equal(t, cluster.DNSChallengeRequest{
		Action: cluster.DNSActionSet,
		Host:   "_acme-challenge.n1.example.com",
		Value:  "txt-value",
	}, *md.Certificate.DNS01)
}

func TestRemoveChallengeWithoutValue(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "n1", "t1").RemoveChallenge(context.Background(), "_acme-challenge.a.example", ""))

	dns01 := raw["metadata"].(map[string]any)["certificate"].(map[string]any)["dns01"].(map[string]any)
	assert.Equal(t, "remove", dns01["action"])
	_, hasValue := dns01["value"]
	assert.False(t, hasValue)
}

func TestDeliveryFailures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}))
		defer srv.Close()

		err := New(srv.URL, "n1", "bad").SetChallenge(context.Background(), "h", "v")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDelivery))
		var se *cluster.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusUnauthorized, se.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		start := time.Now()
		err := New(srv.URL, "n1", "t1", WithTimeout(50*time.Millisecond)).SetChallenge(context.Background(), "h", "v")
		assert.True(t, errors.Is(err, ErrDelivery))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unreachable", func(t *testing.T) {
		err := New("http://127.0.0.1:1", "n1", "t1").SetChallenge(context.Background(), "h", "v")
		assert.True(t, errors.Is(err, ErrDelivery))
	})
}

func TestRecordName(t *testing.T) {
	assert.Equal(t, "_acme-challenge.n1.example.com", RecordName("n1.example.com"))
	assert.Equal(t, "_acme-challenge.example.com", RecordName("*.example.com"))
	assert.Equal(t, "_acme-challenge.example.com", RecordName("example.com."))
}

func TestRelayLogsCarryRequestID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	require.NoError(t, logging.ConfigureWriter(&buf, logging.LevelDebug, logging.FormatJSON))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := logging.WithRequestID(context.Background(), "req-42")
	err := New(srv.URL, "n1", "t1").RemoveChallenge(ctx, "_acme-challenge.n1.example.com", "")
	require.ErrorIs(t, err, ErrDelivery)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "dns challenge relay failed", entry["msg"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "n1", entry["node_id"])
}
