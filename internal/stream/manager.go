// Package stream supervises the server-push suggestion stream.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

var log = logrus.WithField("component", "stream")

// ErrStopped is returned by Open after Stop.
var ErrStopped = errors.New("stream manager stopped")

// Status of the stream connection
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds stream manager configuration
type Config struct {
	Retry       RetryPolicy
	RateLimit   time.Duration // Minimum spacing between explicit opens
	Grace       time.Duration // Wait for a previous reader to unwind
	IdleTimeout time.Duration // Tear down a stream silent for this long; 0 disables
}

// DefaultConfig returns default stream manager configuration
func DefaultConfig() Config {
	return Config{
		Retry:       DefaultRetryPolicy(),
		RateLimit:   time.Second,
		Grace:       500 * time.Millisecond,
		IdleTimeout: 90 * time.Second,
	}
}

// Dialer opens the event stream.
type Dialer interface {
	OpenStream(ctx context.Context, req *protocol.HeartbeatRequest) (io.ReadCloser, error)
}

// RequestSource builds a fresh request for reconnects.
type RequestSource interface {
	StreamRequest(ctx context.Context) (*protocol.HeartbeatRequest, error)
}

// Handler receives streamed suggestions that passed gating.
type Handler interface {
	HandleStreamSuggestions(ctx context.Context, payloads []protocol.SuggestionPayload)
}

// ChatGate reports whether a conversation is in progress.
type ChatGate interface {
	IsChatActive() bool
}

// State is a point-in-time view of the connection.
type State struct {
	Status            Status    `json:"status"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Terminal          bool      `json:"terminal"`
	Paused            bool      `json:"paused"`
	LastError         string    `json:"last_error,omitempty"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
}

type connection struct {
	cancel  context.CancelFunc
	body    io.ReadCloser
	done    chan struct{}
	closing bool
}

func (c *connection) teardown() {
	c.cancel()
	c.body.Close()
}

// Manager owns the single stream connection and its reconnection.
type Manager struct {
	config   Config
	dialer   Dialer
	requests RequestSource
	handler  Handler
	gate     ChatGate
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	status         Status
	attempts       int
	terminal       bool
	lastErr        error
	lastAttempt    time.Time
	connectedAt    time.Time
	paused         bool
	stopped        bool
	conn           *connection
	dialCancel     context.CancelFunc // set while a dial is in progress
	dialSeq        uint64
	reconnectTimer clock.Timer
	onExhausted    func(error)
}

// New creates a stream manager
func New(config Config, dialer Dialer, requests RequestSource, handler Handler, gate ChatGate, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   config,
		dialer:   dialer,
		requests: requests,
		handler:  handler,
		gate:     gate,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetExhaustedCallback sets the callback invoked when reconnects run out.
func (m *Manager) SetExhaustedCallback(cb func(error)) {
	m.mu.Lock()
	m.onExhausted = cb
	m.mu.Unlock()
}

// SetPaused suspends delivery and reconnection. Lifting the pause does not
// reopen the stream; the next heartbeat does.
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	log.WithField("paused", paused).Info("Stream gating changed")
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Status:            m.status,
		ReconnectAttempts: m.attempts,
		Terminal:          m.terminal,
		Paused:            m.paused,
		ConnectedAt:       m.connectedAt,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Open connects with the given request. It is a no-op returning
// syncerr.ErrInFlight while a connection is connecting or open, and returns
// syncerr.ErrRateLimited within RateLimit of the previous open. An explicit
// open starts a fresh reconnect budget.
func (m *Manager) Open(req *protocol.HeartbeatRequest) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.status == StatusConnecting || m.status == StatusOpen {
		m.mu.Unlock()
		return syncerr.ErrInFlight
	}
	now := m.clock.Now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.config.RateLimit {
		m.mu.Unlock()
		return syncerr.ErrRateLimited
	}
	m.lastAttempt = now
	m.stopReconnectLocked()
	m.attempts = 0
	m.terminal = false
	m.lastErr = nil
	prev := m.detachLocked()
	m.status = StatusConnecting
	m.mu.Unlock()

	m.awaitTeardown(prev)
	return m.connect(req)
}

// Close tears the connection down and cancels any pending reconnect. Safe
// to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	prev := m.detachLocked()
	if m.status != StatusIdle {
		m.status = StatusClosed
	}
	m.mu.Unlock()

	if prev != nil {
		log.Info("Stream closed")
	}
	m.awaitTeardown(prev)
}

// Stop closes the stream for good.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.Close()
	m.cancel()
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) detachLocked() *connection {
	c := m.conn
	if c == nil {
		return nil
	}
	m.conn = nil
	c.closing = true
	c.teardown()
	return c
}

// awaitTeardown waits, bounded by Grace, for a previous reader to exit.
func (m *Manager) awaitTeardown(prev *connection) {
	if prev == nil {
		return
	}
	select {
	case <-prev.done:
	case <-time.After(m.config.Grace):
		log.WithField("grace", m.config.Grace).Warn("Previous stream reader still unwinding")
	}
}

func (m *Manager) connect(req *protocol.HeartbeatRequest) error {
	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.dialSeq++
	seq := m.dialSeq
	m.dialCancel = cancel
	m.mu.Unlock()

	body, err := m.dialer.OpenStream(ctx, req)

	m.mu.Lock()
	if m.dialSeq == seq {
		m.dialCancel = nil
	}
	if m.status != StatusConnecting {
		// Closed while dialing.
		m.mu.Unlock()
		cancel()
		if body != nil {
			body.Close()
		}
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		cancel()
		m.fail(nil, err)
		return err
	}
	conn := &connection{cancel: cancel, body: body, done: make(chan struct{})}
	m.conn = conn
	m.status = StatusOpen
	m.connectedAt = m.clock.Now()
	attempt := m.attempts
	m.mu.Unlock()

	log.WithField("attempt", attempt).Info("Stream connected")
	go m.read(conn)
	return nil
}

// fail handles a transport or protocol failure. conn is nil for dial
// failures.
func (m *Manager) fail(conn *connection, err error) {
	m.mu.Lock()
	if conn != nil {
		if conn.closing || conn != m.conn {
			m.mu.Unlock()
			return
		}
		m.conn = nil
	}
	m.lastErr = err
	m.status = StatusError
	if m.stopped {
		m.mu.Unlock()
		return
	}

	entry := log.WithError(err).WithField("attempt", m.attempts)
	delay, ok := m.config.Retry.Next(m.attempts)
	var exhausted func(error)
	switch {
	case !ok:
		m.terminal = true
		exhausted = m.onExhausted
		entry.Error("Stream reconnects exhausted, relying on heartbeat")
	case m.gatedLocked():
		entry.Info("Stream failed while gated, waiting for next heartbeat")
	case m.reconnectTimer != nil:
		entry.Debug("Reconnect already pending")
	default:
		m.attempts++
		m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(conn) })
		entry.WithField("delay", delay).Warn("Stream failed, reconnecting")
	}
	m.mu.Unlock()

	if exhausted != nil {
		exhausted(err)
	}
}

func (m *Manager) reconnect(prev *connection) {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.stopped || m.status != StatusError || m.terminal {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	m.awaitTeardown(prev)

	req, err := m.requests.StreamRequest(m.ctx)
	if err != nil {
		m.fail(nil, err)
		return
	}
	m.connect(req)
}

func (m *Manager) gatedLocked() bool {
	return m.paused || (m.gate != nil && m.gate.IsChatActive())
}

// markHealthy resets the reconnect budget once a stream delivers a
// non-error event.
func (m *Manager) markHealthy(conn *connection) {
	m.mu.Lock()
	if conn == m.conn && m.attempts != 0 {
		m.attempts = 0
	}
	m.mu.Unlock()
}

func (m *Manager) finish(conn *connection) {
	m.mu.Lock()
	if conn != m.conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.status = StatusClosed
	m.attempts = 0
	m.mu.Unlock()
	log.Info("Stream completed")
}

func (m *Manager) read(conn *connection) {
	defer close(conn.done)
	defer conn.body.Close()

	var watchdog clock.Timer
	arm := func() {
		if m.config.IdleTimeout <= 0 {
			return
		}
		if watchdog != nil {
			watchdog.Stop()
		}
		watchdog = m.clock.AfterFunc(m.config.IdleTimeout, conn.teardown)
	}
	arm()
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	frames := protocol.NewFrameReader(conn.body)
	for {
		frame, err := frames.Next()
		if err != nil {
			if err == io.EOF {
				err = syncerr.Network("read stream", errors.New("stream ended without completion"))
			} else {
				err = syncerr.Network("read stream", err)
			}
			m.fail(conn, err)
			return
		}
		arm()

		ev, err := protocol.DecodeStreamEvent(frame)
		if err != nil {
			m.fail(conn, syncerr.Protocol("decode frame", err))
			return
		}

		class := ev.Class()
		if class != protocol.ClassError {
			m.markHealthy(conn)
		}

		switch class {
		case protocol.ClassComplete:
			m.finish(conn)
			return
		case protocol.ClassError:
			m.fail(conn, syncerr.Protocol("stream event", errors.New(ev.ErrorMessage())))
			return
		case protocol.ClassKeepAlive:
			log.WithField("type", ev.Type).Debug("Stream keep-alive")
		case protocol.ClassBatch:
			list, err := ev.Batch()
			if err != nil {
				log.WithError(err).Warn("Skipping malformed suggestions_push")
				continue
			}
			m.deliver(list)
		case protocol.ClassSuggestion:
			p, err := ev.Suggestion()
			if err != nil {
				log.WithError(err).Warn("Skipping malformed suggestion event")
				continue
			}
			m.deliver([]protocol.SuggestionPayload{*p})
		default:
			log.WithField("type", ev.Type).Debug("Ignoring unknown stream event")
		}
	}
}

func (m *Manager) deliver(list []protocol.SuggestionPayload) {
	if len(list) == 0 {
		return
	}
	m.mu.Lock()
	gated := m.gatedLocked()
	m.mu.Unlock()
	if gated {
		log.WithField("count", len(list)).Debug("Dropping streamed suggestions while gated")
		return
	}
	m.handler.HandleStreamSuggestions(m.ctx, list)
}
