// Package engine wires the sync components together: it owns the heartbeat
// schedule, the suggestion stream, the mode machine and the timeline, and
// routes server directives between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/cloud"
	"github.com/shelterlink/device-agent/internal/heartbeat"
	"github.com/shelterlink/device-agent/internal/location"
	"github.com/shelterlink/device-agent/internal/mode"
	"github.com/shelterlink/device-agent/internal/notify"
	"github.com/shelterlink/device-agent/internal/permission"
	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/storage"
	"github.com/shelterlink/device-agent/internal/stream"
	"github.com/shelterlink/device-agent/internal/suggestion"
	"github.com/shelterlink/device-agent/internal/syncerr"
	"github.com/shelterlink/device-agent/internal/telemetry"
	"github.com/shelterlink/device-agent/internal/timeline"
)

var log = logrus.WithField("component", "engine")

// SourceLocal marks mode changes made on the device.
const SourceLocal = "local"

// Config holds engine configuration
type Config struct {
	DeviceID     string
	LanguageCode string
	DatabasePath string

	// Onboarding intervals, used until the user saves their own
	NormalIntervalMinutes    int
	EmergencyIntervalMinutes int

	Cloud         cloud.Config
	Heartbeat     heartbeat.Config
	Stream        stream.Config
	StreamEnabled bool
	Location      location.Config
	DedupWindow   time.Duration
	Bridge        platform.BridgeConfig // bridge is used when EventURL is set
	MQTT          notify.Config         // publishing is enabled when Broker is set

	StoreTimeout     time.Duration // Bound on storage calls made off the request path
	SyncLogRetention time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		LanguageCode:             "ja",
		DatabasePath:             "/var/lib/shelterlink/agent.db",
		NormalIntervalMinutes:    mode.DefaultIntervalMinutes,
		EmergencyIntervalMinutes: mode.DefaultIntervalMinutes,
		Cloud:                    cloud.DefaultConfig(),
		Heartbeat:                heartbeat.DefaultConfig(),
		Stream:                   stream.DefaultConfig(),
		StreamEnabled:            true,
		Location:                 location.DefaultConfig(),
		DedupWindow:              suggestion.DefaultWindow,
		Bridge:                   platform.DefaultBridgeConfig(),
		MQTT:                     notify.DefaultConfig(),
		StoreTimeout:             5 * time.Second,
		SyncLogRetention:         7 * 24 * time.Hour,
	}
}

// Cloud is the sync backend.
type Cloud interface {
	heartbeat.Transport
	stream.Dialer
	DebugResetMode(ctx context.Context) (*protocol.HeartbeatResponse, error)
	DebugInjectAlert(ctx context.Context, alertType string) (*protocol.HeartbeatResponse, error)
}

// Deps are the external collaborators of an engine. Hub and Notifier are
// optional.
type Deps struct {
	Platform platform.Platform
	Cloud    Cloud
	DB       *storage.DB
	Hub      *timeline.Hub
	Notifier timeline.Notifier
	Clock    clock.Clock
}

// Engine is the device sync engine
type Engine struct {
	config   Config
	deviceID string
	cloud    Cloud
	db       *storage.DB
	clock    clock.Clock

	location    *location.Cache
	permissions *permission.Probe
	collector   *telemetry.Collector
	modes       *mode.Machine
	timeline    *timeline.Timeline
	processor   *Processor
	requests    *requestBuilder
	scheduler   *heartbeat.Scheduler
	stream      *stream.Manager

	settingsReady chan struct{}
	closers       []func() error

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open creates an engine with its own database, cloud client, platform
// bridge and notification publisher. Stop releases them.
func Open(config Config) (*Engine, error) {
	db, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	closers := []func() error{db.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deviceID, err := db.EnsureDeviceID(config.DeviceID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	config.DeviceID = deviceID

	cloudConfig := config.Cloud
	cloudConfig.DeviceID = deviceID
	client, err := cloud.New(cloudConfig)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create cloud client: %w", err)
	}

	var (
		bridge    *platform.Bridge
		publisher *notify.Publisher
	)
	var g errgroup.Group
	if config.Bridge.EventURL != "" {
		bridge = platform.NewBridge(config.Bridge)
		g.Go(bridge.Start)
	}
	if config.MQTT.Broker != "" {
		g.Go(func() error {
			p, err := notify.Connect(config.MQTT, deviceID)
			if err != nil {
				log.WithError(err).Warn("Notification bridge unavailable, continuing without it")
				return nil
			}
			publisher = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if bridge != nil {
			bridge.Stop()
		}
		if publisher != nil {
			publisher.Close()
		}
		cleanup()
		return nil, fmt.Errorf("failed to start device bridge: %w", err)
	}

	deps := Deps{
		Cloud: client,
		DB:    db,
		Hub:   timeline.NewHub(),
	}
	if bridge != nil {
		deps.Platform = bridge
		closers = append(closers, bridge.Stop)
	} else {
		log.Info("No device bridge configured, using static platform")
		deps.Platform = platform.NewStatic(config.Bridge.Runtime)
	}
	if publisher != nil {
		deps.Notifier = publisher
		closers = append(closers, func() error { publisher.Close(); return nil })
	}
	closers = append(closers, func() error { deps.Hub.Close(); return nil })

	e, err := New(config, deps)
	if err != nil {
		cleanup()
		return nil, err
	}
	e.closers = closers
	return e, nil
}

// New composes an engine over existing collaborators
func New(config Config, deps Deps) (*Engine, error) {
	if deps.DB == nil || deps.Cloud == nil || deps.Platform == nil {
		return nil, errors.New("engine requires a database, a cloud client and a platform")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultConfig().StoreTimeout
	}

	deviceID, err := deps.DB.EnsureDeviceID(config.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	e := &Engine{
		config:        config,
		deviceID:      deviceID,
		cloud:         deps.Cloud,
		db:            deps.DB,
		clock:         deps.Clock,
		settingsReady: make(chan struct{}),
	}

	e.location = location.New(config.Location, deps.Platform, deps.Platform.Runtime(), deps.Clock)
	e.permissions = permission.New(deps.Platform)
	e.collector = telemetry.NewCollector(e.location, e.permissions, deps.Platform, deps.Clock)

	initial := mode.DefaultState()
	if config.NormalIntervalMinutes > 0 {
		initial.NormalIntervalMinutes = config.NormalIntervalMinutes
	}
	if config.EmergencyIntervalMinutes > 0 {
		initial.EmergencyIntervalMinutes = config.EmergencyIntervalMinutes
	}
	e.modes = mode.New(initial, deps.DB)

	e.timeline = timeline.New(deps.DB, deps.Hub, deps.Notifier, deps.Clock)
	e.processor = NewProcessor(e.modes, e.timeline, nil, suggestion.NewFilter(config.DedupWindow), deps.Clock)
	e.requests = &requestBuilder{
		deviceID:     deviceID,
		languageCode: config.LanguageCode,
		store:        deps.DB,
		modes:        e.modes,
		collector:    e.collector,
		readTimeout:  config.StoreTimeout,
	}

	e.scheduler = heartbeat.New(config.Heartbeat, heartbeat.Deps{
		Collector: e.collector,
		Intervals: e.modes,
		Builder:   e.requests,
		Transport: deps.Cloud,
		Handler:   e.processor,
		Clock:     deps.Clock,
	})
	e.processor.SetOverrider(e.scheduler)

	e.stream = stream.New(config.Stream, deps.Cloud, e.requests, e.processor, e.timeline, deps.Clock)

	e.modes.OnTransition(e.handleTransition)
	e.modes.OnIntervalChange(e.scheduler.Reschedule)
	e.scheduler.SetSettingsReady(e.settingsReady)
	e.scheduler.SetResultCallback(e.handleResult)
	e.stream.SetExhaustedCallback(func(err error) {
		log.WithError(err).Warn("Real-time suggestions paused until the next heartbeat")
	})

	return e, nil
}

// Start loads user settings in the background and starts the heartbeat
// schedule. The first heartbeat goes out as soon as settings are loaded.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.scheduler.Start(e.ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel()
		e.mu.Unlock()
		return fmt.Errorf("failed to start heartbeat scheduler: %w", err)
	}

	e.wg.Add(1)
	go e.loadSettings()

	log.WithField("device_id", e.deviceID).Info("Engine started")
	return nil
}

// Stop stops the engine and releases resources it opened
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return e.close()
	}
	e.running = false
	e.mu.Unlock()

	e.scheduler.Stop()
	e.stream.Stop()
	e.cancel()
	e.wg.Wait()

	log.Info("Engine stopped")
	return e.close()
}

func (e *Engine) close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// loadSettings restores the persisted mode and intervals. Onboarding values
// from the config stand in for intervals the user never saved.
func (e *Engine) loadSettings() {
	defer e.wg.Done()
	defer close(e.settingsReady)

	state, err := e.db.LoadModeState()
	if err != nil {
		log.WithError(err).Warn("Failed to load user settings, using defaults")
		return
	}
	if _, ok, _ := e.db.GetSetting(storage.KeyNormalInterval); !ok {
		state.NormalIntervalMinutes = e.modes.State().NormalIntervalMinutes
	}
	if _, ok, _ := e.db.GetSetting(storage.KeyEmergencyInterval); !ok {
		state.EmergencyIntervalMinutes = e.modes.State().EmergencyIntervalMinutes
	}
	e.modes.Restore(state)
}

// handleTransition runs inside the mode change, before the next heartbeat
// can be scheduled.
func (e *Engine) handleTransition(tr mode.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.StoreTimeout)
	defer cancel()

	if _, err := e.timeline.ClearMode(ctx, tr.Clear); err != nil {
		log.WithError(err).WithField("mode", tr.Clear).Error("Failed to clear suggestions of previous mode")
	}
}

// handleResult records every attempt and finishes a successful one: pending
// acknowledgements and the reset flag were delivered, so they are cleared,
// and the stream is (re)opened with the same request.
func (e *Engine) handleResult(res heartbeat.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.StoreTimeout)
	defer cancel()

	rec := &storage.SyncRecord{
		Trigger:   res.Trigger,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		Success:   res.Err == nil,
		Mode:      string(res.Request.ClientContext.CurrentMode),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	} else {
		rec.SyncID = res.Response.SyncID
		rec.ServerTimestamp = res.Response.ServerTimestamp
		rec.Suggestions = len(res.Response.ProactiveSuggestions)
	}
	if _, err := e.db.InsertSyncRecord(ctx, rec); err != nil {
		log.WithError(err).Error("Failed to record sync attempt")
	}
	if res.Err != nil {
		return
	}

	cc := res.Request.ClientContext
	if len(cc.AcknowledgedSuggestionTypes) > 0 {
		if err := e.db.ClearAcknowledgements(ctx, cc.AcknowledgedSuggestionTypes, res.StartedAt); err != nil {
			log.WithError(err).Warn("Failed to clear delivered acknowledgements")
		}
	}
	if cc.ResetSuggestionHistory {
		if err := e.db.ClearResetPending(); err != nil {
			log.WithError(err).Warn("Failed to clear history reset flag")
		}
	}
	if _, err := e.timeline.PurgeExpired(ctx); err != nil {
		log.WithError(err).Warn("Failed to purge expired suggestions")
	}
	if e.config.SyncLogRetention > 0 {
		if _, err := e.db.PruneSyncLog(ctx, e.clock.Now().Add(-e.config.SyncLogRetention)); err != nil {
			log.WithError(err).Warn("Failed to prune sync log")
		}
	}

	if e.config.StreamEnabled {
		e.background(func(context.Context) { e.openStream(res.Request) })
	}
}

func (e *Engine) openStream(req *protocol.HeartbeatRequest) {
	err := e.stream.Open(req)
	switch {
	case err == nil:
	case syncerr.Is(err, syncerr.StateConflict), errors.Is(err, stream.ErrStopped):
		log.WithError(err).Debug("Stream open skipped")
	default:
		log.WithError(err).Warn("Stream open failed")
	}
}

// background runs fn on an engine-owned goroutine. It does nothing once the
// engine is stopped.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// syncSoon sends an out-of-band heartbeat without blocking the caller.
func (e *Engine) syncSoon(why string) {
	e.background(func(ctx context.Context) {
		if err := e.scheduler.SendNow(ctx); err != nil && syncerr.Is(err, syncerr.StateConflict) {
			log.WithError(err).WithField("after", why).Debug("Out-of-band heartbeat skipped")
		}
	})
}

// --- Operations ---

// DeviceID returns the resolved device id
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// SyncNow sends a heartbeat immediately
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.scheduler.SendNow(ctx)
}

// SetMode applies a local mode override and reports it to the server
func (e *Engine) SetMode(m protocol.Mode, reason string) (bool, error) {
	changed, err := e.modes.Apply(m, reason, SourceLocal)
	if changed {
		e.syncSoon("mode override")
	}
	return changed, err
}

// UpdateIntervals saves the per-mode heartbeat intervals in minutes
func (e *Engine) UpdateIntervals(normalMinutes, emergencyMinutes int) error {
	if err := e.modes.SetIntervals(normalMinutes, emergencyMinutes); err != nil {
		return err
	}
	e.syncSoon("settings edit")
	return nil
}

// SetEmergencyContacts records the number of registered emergency contacts
func (e *Engine) SetEmergencyContacts(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid contact count %d", n)
	}
	return e.db.SetSetting(storage.KeyEmergencyContactsCount, strconv.Itoa(n))
}

// SetLanguage records the user's language code
func (e *Engine) SetLanguage(code string) error {
	if code == "" {
		return errors.New("language code is required")
	}
	return e.db.SetSetting(storage.KeyLanguageCode, code)
}

// Acknowledge records that the user dismissed a suggestion type. It is
// reported with the next successful heartbeat.
func (e *Engine) Acknowledge(ctx context.Context, suggestionType string) error {
	if suggestionType == "" {
		return errors.New("suggestion type is required")
	}
	return e.db.AcknowledgeType(ctx, suggestionType, e.clock.Now())
}

// ResetHistory clears the local timeline and asks the server to forget what
// it sent. A heartbeat in flight is cancelled so its stale suggestions are
// not applied; the reset flag stays set until a heartbeat carrying it
// succeeds.
func (e *Engine) ResetHistory(ctx context.Context) error {
	if _, err := e.timeline.Reset(ctx); err != nil {
		return fmt.Errorf("failed to clear timeline: %w", err)
	}
	if err := e.db.MarkResetPending(); err != nil {
		return fmt.Errorf("failed to flag history reset: %w", err)
	}
	e.scheduler.CancelInFlight()
	e.syncSoon("history reset")
	return nil
}

// RefreshLocation retries location acquisition on user request
func (e *Engine) RefreshLocation(ctx context.Context) (*location.Fix, error) {
	return e.location.ForceRefresh(ctx)
}

// RequestPermission prompts for a capability
func (e *Engine) RequestPermission(ctx context.Context, capability string) (permission.Status, error) {
	return e.permissions.Request(ctx, capability)
}

// SetChatActive gates suggestion delivery while a conversation is shown
func (e *Engine) SetChatActive(active bool) {
	e.timeline.SetChatActive(active)
}

// SetPaused gates streamed suggestions during a user action
func (e *Engine) SetPaused(paused bool) {
	e.stream.SetPaused(paused)
}

// DebugResetMode asks the server to reset the device's mode and applies the
// answer like a heartbeat directive
func (e *Engine) DebugResetMode(ctx context.Context) (Outcome, error) {
	resp, err := e.cloud.DebugResetMode(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return e.processor.Process(ctx, resp, suggestion.SourceDebug), nil
}

// DebugInjectAlert asks the server to raise a test alert and applies the
// answer like a heartbeat directive
func (e *Engine) DebugInjectAlert(ctx context.Context, alertType string) (Outcome, error) {
	resp, err := e.cloud.DebugInjectAlert(ctx, alertType)
	if err != nil {
		return Outcome{}, err
	}
	return e.processor.Process(ctx, resp, suggestion.SourceDebug), nil
}

// Suggestions returns the live timeline, newest first
func (e *Engine) Suggestions(ctx context.Context, limit int) ([]*suggestion.Suggestion, error) {
	return e.timeline.List(ctx, limit)
}

// ServeTimeline attaches a websocket UI client to the timeline
func (e *Engine) ServeTimeline(w http.ResponseWriter, r *http.Request) error {
	return e.timeline.ServeWS(w, r)
}

// RecentSyncs returns the latest recorded heartbeat attempts
func (e *Engine) RecentSyncs(ctx context.Context, limit int) ([]*storage.SyncRecord, error) {
	return e.db.GetRecentSyncs(ctx, limit)
}

// LocationStatus is the user-facing state of location acquisition
type LocationStatus struct {
	Reason  syncerr.Reason `json:"reason"`
	Message string         `json:"message"`
}

// Status is a point-in-time view of the engine
type Status struct {
	DeviceID   string              `json:"device_id"`
	Mode       mode.State          `json:"mode"`
	Heartbeat  heartbeat.Status    `json:"heartbeat"`
	Stream     stream.State        `json:"stream"`
	ChatActive bool                `json:"chat_active"`
	Location   *LocationStatus     `json:"location_problem,omitempty"`
	LastSync   *storage.SyncRecord `json:"last_sync,omitempty"`
}

// Status returns the engine state
func (e *Engine) Status(ctx context.Context) Status {
	s := Status{
		DeviceID:   e.deviceID,
		Mode:       e.modes.State(),
		Heartbeat:  e.scheduler.Status(),
		Stream:     e.stream.State(),
		ChatActive: e.timeline.IsChatActive(),
	}
	if reason, err := e.location.LastFailure(); err != nil {
		s.Location = &LocationStatus{
			Reason:  reason,
			Message: syncerr.UserMessage(reason, e.LanguageCode()),
		}
	}
	if last, err := e.db.GetLastSuccessfulSync(ctx); err == nil {
		s.LastSync = last
	}
	return s
}

// LanguageCode returns the user's language, falling back to the configured one
func (e *Engine) LanguageCode() string {
	if code, ok, err := e.db.GetSetting(storage.KeyLanguageCode); err == nil && ok && code != "" {
		return code
	}
	return e.config.LanguageCode
}
