// Package cloud provides communication with the sync backend.
// Uses HTTPS REST for heartbeats and a server-sent event stream for
// real-time suggestions.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

var log = logrus.WithField("component", "cloud")

// Config holds cloud client configuration
type Config struct {
	BaseURL  string // API base URL (https://api.shelterlink.jp/api/v1)
	DeviceID string // Device identifier sent as X-Device-ID
	APIKey   string // API key for authentication

	HTTPTimeout    time.Duration // Timeout for request/response calls
	ConnectTimeout time.Duration // Timeout until stream response headers arrive
	UseHTTP2       bool          // Negotiate HTTP/2 over TLS
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:    30 * time.Second,
		ConnectTimeout: 15 * time.Second,
		UseHTTP2:       true,
	}
}

// Client handles communication with the sync backend
type Client struct {
	config     Config
	httpClient *http.Client // bounded by HTTPTimeout
	streamHTTP *http.Client // no overall timeout; streams are long-lived
}

// New creates a new cloud client
func New(config Config) (*Client, error) {
	transport, err := buildTransport(config.UseHTTP2)
	if err != nil {
		return nil, err
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.HTTPTimeout,
		},
		streamHTTP: &http.Client{
			Transport: transport,
		},
	}, nil
}

// NewWithHTTPClient creates a client on top of an existing http.Client,
// used for both request and stream calls.
func NewWithHTTPClient(config Config, hc *http.Client) *Client {
	return &Client{config: config, httpClient: hc, streamHTTP: hc}
}

func buildTransport(useHTTP2 bool) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	if useHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
	}
	return transport, nil
}

// SendHeartbeat posts a heartbeat and decodes the directive response.
func (c *Client) SendHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	body, err := c.postJSON(ctx, protocol.PathHeartbeat, req)
	if err != nil {
		return nil, syncerr.Network("send heartbeat", err)
	}

	resp, err := protocol.DecodeHeartbeatResponse(body)
	if err != nil {
		return nil, syncerr.Network("send heartbeat", err)
	}
	return resp, nil
}

// OpenStream posts a heartbeat to the streaming endpoint and returns the
// event-stream body once response headers arrive. The caller owns the body.
// Cancelling ctx tears the connection down.
func (c *Client) OpenStream(ctx context.Context, req *protocol.HeartbeatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, syncerr.Network("open stream", fmt.Errorf("marshal payload: %w", err))
	}

	connectCtx, cancel := context.WithCancel(ctx)
	connectTimer := time.AfterFunc(c.config.ConnectTimeout, cancel)

	httpReq, err := http.NewRequestWithContext(connectCtx, http.MethodPost, c.url(protocol.PathHeartbeatStream), bytes.NewReader(data))
	if err != nil {
		connectTimer.Stop()
		cancel()
		return nil, syncerr.Network("open stream", fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamHTTP.Do(httpReq)
	timedOut := !connectTimer.Stop()
	if err == nil && timedOut {
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if timedOut {
			return nil, syncerr.Network("open stream", fmt.Errorf("connect timeout after %s: %w", c.config.ConnectTimeout, err))
		}
		return nil, syncerr.Network("open stream", fmt.Errorf("send request: %w", err))
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, syncerr.Network("open stream", fmt.Errorf("API error %d: %s", resp.StatusCode, string(msg)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, syncerr.Protocol("open stream", fmt.Errorf("unexpected content type %q", ct))
	}

	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// streamBody releases the request context when the body is closed.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// DebugResetMode asks the backend to reset this device to normal mode.
// A heartbeat-shaped response, when returned, is handed back for processing.
func (c *Client) DebugResetMode(ctx context.Context) (*protocol.HeartbeatResponse, error) {
	return c.debugCall(ctx, protocol.PathDebugResetMode, map[string]interface{}{
		"device_id": c.config.DeviceID,
	})
}

// DebugInjectAlert asks the backend to inject a test alert for this device.
func (c *Client) DebugInjectAlert(ctx context.Context, alertType string) (*protocol.HeartbeatResponse, error) {
	return c.debugCall(ctx, protocol.PathDebugTestAlert, map[string]interface{}{
		"device_id":  c.config.DeviceID,
		"alert_type": alertType,
	})
}

func (c *Client) debugCall(ctx context.Context, endpoint string, payload interface{}) (*protocol.HeartbeatResponse, error) {
	body, err := c.postJSON(ctx, endpoint, payload)
	if err != nil {
		return nil, syncerr.Network("debug "+endpoint, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &protocol.HeartbeatResponse{}, nil
	}
	resp, err := protocol.DecodeHeartbeatResponse(body)
	if err != nil {
		log.WithError(err).WithField("endpoint", endpoint).Warn("Debug endpoint returned non-directive body")
		return &protocol.HeartbeatResponse{}, nil
	}
	return resp, nil
}

// postJSON sends a POST request with JSON body to the REST API and returns
// the response body.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	log.WithFields(logrus.Fields{
		"endpoint":   endpoint,
		"status":     resp.StatusCode,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("Backend call complete")

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + endpoint
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if c.config.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.config.DeviceID)
	}
}
