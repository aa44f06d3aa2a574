// Package heartbeat schedules the periodic device state reports.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
	"github.com/shelterlink/device-agent/internal/telemetry"
)

var log = logrus.WithField("component", "heartbeat")

// ErrNotRunning is returned by SendNow before Start or after Stop.
var ErrNotRunning = errors.New("heartbeat scheduler not running")

// Config holds scheduler configuration
type Config struct {
	RateLimit    time.Duration // Minimum spacing between send attempts
	SettingsWait time.Duration // Bound on waiting for user settings before the first send
	SendTimeout  time.Duration // Bound on one heartbeat round trip
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		RateLimit:    time.Second,
		SettingsWait: 3 * time.Second,
		SendTimeout:  30 * time.Second,
	}
}

// Triggers recorded on each attempt
const (
	TriggerInitial = "initial"
	TriggerTimer   = "timer"
	TriggerManual  = "manual"
)

// SnapshotSource captures device state.
type SnapshotSource interface {
	Collect(ctx context.Context) telemetry.Snapshot
}

// IntervalSource provides the mode-derived heartbeat period.
type IntervalSource interface {
	Interval() time.Duration
}

// RequestBuilder turns a snapshot into a heartbeat request.
type RequestBuilder interface {
	BuildRequest(snap telemetry.Snapshot) *protocol.HeartbeatRequest
}

// Transport sends a heartbeat.
type Transport interface {
	SendHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
}

// ResponseHandler applies a heartbeat response.
type ResponseHandler interface {
	HandleHeartbeat(ctx context.Context, resp *protocol.HeartbeatResponse)
}

// Result describes one completed attempt.
type Result struct {
	Trigger   string
	Snapshot  telemetry.Snapshot
	Request   *protocol.HeartbeatRequest
	Response  *protocol.HeartbeatResponse
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Deps are the collaborators of a scheduler.
type Deps struct {
	Collector SnapshotSource
	Intervals IntervalSource
	Builder   RequestBuilder
	Transport Transport
	Handler   ResponseHandler
	Clock     clock.Clock
}

// Scheduler sends one heartbeat at a time on a single repeating timer.
type Scheduler struct {
	config Config
	deps   Deps
	clock  clock.Clock

	mu            sync.Mutex
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	timer         clock.Timer
	gen           uint64
	period        time.Duration
	override      bool
	nextFire      time.Time
	sending       bool
	lastAttempt   time.Time
	locationStale bool // last snapshot carried a last-known-good fallback fix
	cancelSend    context.CancelFunc
	settingsReady <-chan struct{}
	onResult      func(Result)

	wg sync.WaitGroup
}

// New creates a heartbeat scheduler
func New(config Config, deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Scheduler{
		config: config,
		deps:   deps,
		clock:  deps.Clock,
	}
}

// SetSettingsReady sets a channel closed once user settings are loaded. The
// first heartbeat waits for it at most SettingsWait.
func (s *Scheduler) SetSettingsReady(ch <-chan struct{}) {
	s.mu.Lock()
	s.settingsReady = ch
	s.mu.Unlock()
}

// SetResultCallback sets the callback invoked after every attempt that was
// not dropped by the send guard.
func (s *Scheduler) SetResultCallback(cb func(Result)) {
	s.mu.Lock()
	s.onResult = cb
	s.mu.Unlock()
}

// Start arms the repeating timer and sends the first heartbeat right away,
// after the bounded settings wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("heartbeat scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.period = s.deps.Intervals.Interval()
	s.override = false
	s.armLocked(s.period)
	period := s.period
	s.mu.Unlock()

	log.WithField("interval", period).Info("Heartbeat scheduler started")

	s.wg.Add(1)
	go s.bootstrap()
	return nil
}

// Stop cancels the timer and any in-flight send.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if s.cancelSend != nil {
		s.cancelSend()
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("Heartbeat scheduler stopped")
}

// SendNow sends an out-of-band heartbeat. Returns syncerr.ErrRateLimited or
// syncerr.ErrInFlight when the attempt is dropped by the guard.
func (s *Scheduler) SendNow(ctx context.Context) error {
	return s.send(ctx, TriggerManual)
}

// CancelInFlight aborts the heartbeat currently being sent, if any.
func (s *Scheduler) CancelInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelSend == nil {
		return false
	}
	s.cancelSend()
	return true
}

// Reschedule replaces the timer with one using the mode-derived period,
// dropping any server override.
func (s *Scheduler) Reschedule(period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || period <= 0 {
		return
	}
	s.period = period
	s.override = false
	s.armLocked(period)
	log.WithField("interval", period).Info("Heartbeat rescheduled")
}

// ApplyOverride replaces the timer with the server-provided period when it
// differs from the current one.
func (s *Scheduler) ApplyOverride(period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || period <= 0 || period == s.period {
		return
	}
	s.period = period
	s.override = true
	s.armLocked(period)
	log.WithField("interval", period).Info("Heartbeat interval overridden by server")
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running     bool          `json:"running"`
	Period      time.Duration `json:"period"`
	Override    bool          `json:"override"`
	NextFire    time.Time     `json:"next_fire"`
	Sending     bool          `json:"sending"`
	LastAttempt time.Time     `json:"last_attempt"`

	// LocationStale reports that the last heartbeat sent a fallback fix
	// older than the location TTL.
	LocationStale bool `json:"location_stale"`
}

// Status returns the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		Period:      s.period,
		Override:    s.override,
		NextFire:    s.nextFire,
		Sending:     s.sending,
		LastAttempt: s.lastAttempt,

		LocationStale: s.locationStale,
	}
}

// armLocked stops the current timer and starts a new one. The generation
// counter makes a callback of a replaced timer a no-op even if it already
// started running.
func (s *Scheduler) armLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.nextFire = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.armLocked(s.period)
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.send(ctx, TriggerTimer); err != nil && syncerr.Is(err, syncerr.StateConflict) {
		log.WithError(err).Debug("Timer heartbeat skipped")
	}
}

func (s *Scheduler) bootstrap() {
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.ctx
	ready := s.settingsReady
	s.mu.Unlock()

	if !s.waitSettings(ctx, ready) {
		return
	}
	if err := s.send(ctx, TriggerInitial); err != nil && syncerr.Is(err, syncerr.StateConflict) {
		log.WithError(err).Debug("Initial heartbeat skipped")
	}
}

// waitSettings returns false if the scheduler stopped while waiting.
func (s *Scheduler) waitSettings(ctx context.Context, ready <-chan struct{}) bool {
	if ready == nil {
		return true
	}
	select {
	case <-ready:
		return true
	default:
	}

	timeout := make(chan struct{})
	t := s.clock.AfterFunc(s.config.SettingsWait, func() { close(timeout) })
	defer t.Stop()

	select {
	case <-ready:
		return true
	case <-timeout:
		log.WithField("wait", s.config.SettingsWait).Warn("User settings not loaded, sending with defaults")
		return true
	case <-ctx.Done():
		return false
	}
}

// send runs one guarded attempt. Network failures are logged and returned
// to the caller; they never alter the schedule.
func (s *Scheduler) send(parent context.Context, trigger string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.sending {
		s.mu.Unlock()
		return syncerr.ErrInFlight
	}
	now := s.clock.Now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.config.RateLimit {
		s.mu.Unlock()
		return syncerr.ErrRateLimited
	}
	s.sending = true
	s.lastAttempt = now
	ctx, cancel := context.WithTimeout(parent, s.config.SendTimeout)
	s.cancelSend = cancel
	onResult := s.onResult
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.sending = false
		s.cancelSend = nil
		s.mu.Unlock()
	}()

	snap := s.deps.Collector.Collect(ctx)
	s.mu.Lock()
	s.locationStale = snap.LocationStale()
	s.mu.Unlock()
	req := s.deps.Builder.BuildRequest(snap)
	resp, err := s.deps.Transport.SendHeartbeat(ctx, req)

	res := Result{
		Trigger:   trigger,
		Snapshot:  snap,
		Request:   req,
		Response:  resp,
		StartedAt: now,
		Err:       err,
	}

	entry := log.WithFields(logrus.Fields{"trigger": trigger, "mode": req.ClientContext.CurrentMode})
	if snap.LocationStale() {
		entry = entry.WithField("location_stale", true)
		entry.Info("Heartbeat carries a stale last-known location")
	}
	if err != nil {
		entry.WithError(err).Warn("Heartbeat failed, retrying on next tick")
	} else {
		entry.WithField("sync_id", resp.SyncID).Debug("Heartbeat sent")
		s.deps.Handler.HandleHeartbeat(ctx, resp)
	}

	res.Duration = s.clock.Now().Sub(now)
	if onResult != nil {
		onResult(res)
	}
	return err
}
