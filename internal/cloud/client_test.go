package cloud

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.DeviceID = "d1"
	cfg.APIKey = "secret"
	cfg.ConnectTimeout = 2 * time.Second
	return NewWithHTTPClient(cfg, srv.Client()), srv
}

func TestSendHeartbeat(t *testing.T) {
	var gotBody protocol.HeartbeatRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathHeartbeat {
			t.Errorf("Path mismatch: got %s, want %s", r.URL.Path, protocol.PathHeartbeat)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("X-API-Key header missing")
		}
		if r.Header.Get("X-Device-ID") != "d1" {
			t.Errorf("X-Device-ID header missing")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("X-Request-ID header missing")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"disaster_status":{"mode":"normal"},"proactive_suggestions":[],"sync_id":"s1","server_timestamp":"2026-10-15T00:00:00Z"}`))
	})

	resp, err := client.SendHeartbeat(context.Background(), &protocol.HeartbeatRequest{
		DeviceID:      "d1",
		ClientContext: protocol.ClientContext{CurrentMode: protocol.ModeNormal},
	})
	if err != nil {
		t.Fatalf("SendHeartbeat failed: %v", err)
	}
	if resp.SyncID != "s1" {
		t.Errorf("SyncID mismatch: got %s, want s1", resp.SyncID)
	}
	if gotBody.DeviceID != "d1" {
		t.Errorf("DeviceID mismatch: got %s, want d1", gotBody.DeviceID)
	}
}

func TestSendHeartbeatServerError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.SendHeartbeat(context.Background(), &protocol.HeartbeatRequest{})
	if err == nil {
		t.Fatal("Expected error for 502 response")
	}
	if !syncerr.Is(err, syncerr.NetworkFailure) {
		t.Errorf("Expected NetworkFailure, got %v", err)
	}
}

func TestSendHeartbeatMalformedBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	if _, err := client.SendHeartbeat(context.Background(), &protocol.HeartbeatRequest{}); err == nil {
		t.Fatal("Expected error for malformed body")
	}
}

func TestSendHeartbeatCancelled(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := client.SendHeartbeat(ctx, &protocol.HeartbeatRequest{}); err == nil {
		t.Fatal("Expected error after cancellation")
	}
}

func TestOpenStream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathHeartbeatStream {
			t.Errorf("Path mismatch: got %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept header mismatch: %s", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"heartbeat\"}\n\ndata: {\"type\":\"complete\"}\n\n"))
	})

	body, err := client.OpenStream(context.Background(), &protocol.HeartbeatRequest{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !strings.Contains(string(data), `"complete"`) {
		t.Errorf("Unexpected stream body: %q", data)
	}
}

func TestOpenStreamRejectsWrongContentType(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})

	_, err := client.OpenStream(context.Background(), &protocol.HeartbeatRequest{})
	if !syncerr.Is(err, syncerr.StreamProtocolError) {
		t.Errorf("Expected StreamProtocolError, got %v", err)
	}
}

func TestOpenStreamHTTPError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	_, err := client.OpenStream(context.Background(), &protocol.HeartbeatRequest{})
	if !syncerr.Is(err, syncerr.NetworkFailure) {
		t.Errorf("Expected NetworkFailure, got %v", err)
	}
}

func TestDebugInjectAlert(t *testing.T) {
	var got map[string]interface{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathDebugTestAlert {
			t.Errorf("Path mismatch: got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"disaster_status":{"mode":"emergency"}}`))
	})

	resp, err := client.DebugInjectAlert(context.Background(), "earthquake")
	if err != nil {
		t.Fatalf("DebugInjectAlert failed: %v", err)
	}
	if resp.DisasterStatus == nil || resp.DisasterStatus.Mode != "emergency" {
		t.Errorf("Expected emergency directive, got %+v", resp.DisasterStatus)
	}
	if got["alert_type"] != "earthquake" {
		t.Errorf("alert_type mismatch: got %v", got["alert_type"])
	}
}
