package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/location"
	"github.com/shelterlink/device-agent/internal/permission"
	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
	"github.com/shelterlink/device-agent/internal/telemetry"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fixedInterval time.Duration

func (f fixedInterval) Interval() time.Duration { return time.Duration(f) }

type nopCollector struct{}

func (nopCollector) Collect(ctx context.Context) telemetry.Snapshot { return telemetry.Snapshot{} }

type builder struct{}

func (builder) BuildRequest(snap telemetry.Snapshot) *protocol.HeartbeatRequest {
	return &protocol.HeartbeatRequest{
		DeviceID:      "d1",
		DeviceStatus:  snap.DeviceStatus(),
		ClientContext: protocol.ClientContext{CurrentMode: protocol.ModeNormal},
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []time.Time
	clk   clock.Clock
	resp  func(n int) (*protocol.HeartbeatResponse, error)
	block chan struct{}
}

func (f *fakeTransport) SendHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, f.clk.Now())
	n := len(f.calls)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.resp != nil {
		return f.resp(n)
	}
	return &protocol.HeartbeatResponse{SyncID: "s"}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// overrideHandler applies sync_config the way the response processor does.
type overrideHandler struct {
	s *Scheduler
}

func (h *overrideHandler) HandleHeartbeat(ctx context.Context, resp *protocol.HeartbeatResponse) {
	if d, ok := resp.SyncConfig.MinInterval(); ok {
		h.s.ApplyOverride(d)
	}
}

type harness struct {
	clk       *clock.Fake
	transport *fakeTransport
	sched     *Scheduler
	results   chan Result
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	transport := &fakeTransport{clk: clk}
	h := &harness{clk: clk, transport: transport, results: make(chan Result, 16)}
	handler := &overrideHandler{}
	h.sched = New(DefaultConfig(), Deps{
		Collector: nopCollector{},
		Intervals: fixedInterval(interval),
		Builder:   builder{},
		Transport: transport,
		Handler:   handler,
		Clock:     clk,
	})
	handler.s = h.sched
	h.sched.SetResultCallback(func(r Result) { h.results <- r })
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for heartbeat result")
		return Result{}
	}
}

func (h *harness) nextDeadline(t *testing.T) time.Duration {
	t.Helper()
	dl, ok := h.clk.NextDeadline()
	if !ok {
		t.Fatal("No timer armed")
	}
	return dl.Sub(t0)
}

func TestFirstHeartbeatIsImmediate(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := h.next(t)
	if r.Trigger != TriggerInitial {
		t.Errorf("Trigger mismatch: got %s, want %s", r.Trigger, TriggerInitial)
	}
	if calls := h.transport.callTimes(); len(calls) != 1 || !calls[0].Equal(t0) {
		t.Fatalf("Expected one send at t=0, got %v", calls)
	}
	if got := h.nextDeadline(t); got != 6*time.Minute {
		t.Errorf("Next fire mismatch: got %s, want 6m0s", got)
	}

	h.clk.Advance(6 * time.Minute)
	if r := h.next(t); r.Trigger != TriggerTimer {
		t.Errorf("Trigger mismatch: got %s, want %s", r.Trigger, TriggerTimer)
	}
	calls := h.transport.callTimes()
	if len(calls) != 2 || calls[1].Sub(t0) != 6*time.Minute {
		t.Errorf("Expected second send at t=360s, got %v", calls)
	}
}

func TestServerOverrideReschedules(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	h.transport.resp = func(n int) (*protocol.HeartbeatResponse, error) {
		if n == 1 {
			secs := 120
			return &protocol.HeartbeatResponse{SyncConfig: &protocol.SyncConfig{MinSyncInterval: &secs}}, nil
		}
		return &protocol.HeartbeatResponse{}, nil
	}

	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.next(t)

	if got := h.nextDeadline(t); got != 120*time.Second {
		t.Fatalf("Next fire mismatch: got %s, want 2m0s", got)
	}
	if pending := h.clk.Pending(); pending != 1 {
		t.Errorf("Expected exactly one live timer, got %d", pending)
	}
	if st := h.sched.Status(); !st.Override || st.Period != 120*time.Second {
		t.Errorf("Status mismatch: %+v", st)
	}

	h.clk.Advance(119 * time.Second)
	if n := h.transport.count(); n != 1 {
		t.Fatalf("Sent early: %d calls at t=119s", n)
	}
	h.clk.Advance(time.Second)
	h.next(t)
	if calls := h.transport.callTimes(); len(calls) != 2 || calls[1].Sub(t0) != 120*time.Second {
		t.Errorf("Expected second send at t=120s, got %v", calls)
	}
}

func TestSendNowRateLimited(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.next(t)

	if err := h.sched.SendNow(context.Background()); !errors.Is(err, syncerr.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	h.clk.Advance(999 * time.Millisecond)
	if err := h.sched.SendNow(context.Background()); !errors.Is(err, syncerr.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited at 999ms, got %v", err)
	}
	if n := h.transport.count(); n != 1 {
		t.Fatalf("Expected exactly one outbound request, got %d", n)
	}

	h.clk.Advance(time.Millisecond)
	if err := h.sched.SendNow(context.Background()); err != nil {
		t.Errorf("SendNow after 1s failed: %v", err)
	}
	if n := h.transport.count(); n != 2 {
		t.Errorf("Expected two outbound requests, got %d", n)
	}
}

func TestSendNowWhileInFlight(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	h.transport.block = make(chan struct{})
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.transport.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.clk.Advance(5 * time.Second)

	if err := h.sched.SendNow(context.Background()); !errors.Is(err, syncerr.ErrInFlight) {
		t.Errorf("Expected ErrInFlight, got %v", err)
	}
	if !h.sched.CancelInFlight() {
		t.Error("CancelInFlight should report an in-flight send")
	}
	r := h.next(t)
	if r.Err == nil {
		t.Error("Cancelled send should report an error")
	}
	if h.transport.count() != 1 {
		t.Errorf("Expected one request, got %d", h.transport.count())
	}
}

func TestFailureKeepsSchedule(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	h.transport.resp = func(n int) (*protocol.HeartbeatResponse, error) {
		if n == 1 {
			return nil, syncerr.Network("send heartbeat", errors.New("connection refused"))
		}
		return &protocol.HeartbeatResponse{}, nil
	}

	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	r := h.next(t)
	if !syncerr.Is(r.Err, syncerr.NetworkFailure) {
		t.Errorf("Expected NetworkFailure, got %v", r.Err)
	}
	if got := h.nextDeadline(t); got != 6*time.Minute {
		t.Errorf("Failure altered schedule: next fire %s", got)
	}

	h.clk.Advance(6 * time.Minute)
	if r := h.next(t); r.Err != nil {
		t.Errorf("Retry on next tick failed: %v", r.Err)
	}
}

func TestSettingsWaitIsBounded(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	h.sched.SetSettingsReady(make(chan struct{}))
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Repeating timer plus the settings wait timer.
	deadline := time.Now().Add(2 * time.Second)
	for h.clk.Pending() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := h.transport.count(); n != 0 {
		t.Fatalf("Sent before settings wait elapsed: %d", n)
	}

	h.clk.Advance(DefaultConfig().SettingsWait)
	r := h.next(t)
	if r.Trigger != TriggerInitial {
		t.Errorf("Trigger mismatch: got %s", r.Trigger)
	}
}

func TestSettingsReadyReleasesWait(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	ready := make(chan struct{})
	h.sched.SetSettingsReady(ready)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	close(ready)
	h.next(t)
	if calls := h.transport.callTimes(); !calls[0].Equal(t0) {
		t.Errorf("Expected send at t=0, got %v", calls[0])
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.next(t)

	h.clk.Advance(30 * time.Second)
	h.sched.Reschedule(time.Minute)
	if pending := h.clk.Pending(); pending != 1 {
		t.Errorf("Expected exactly one live timer, got %d", pending)
	}
	if got := h.nextDeadline(t); got != 90*time.Second {
		t.Errorf("Next fire mismatch: got %s, want 1m30s", got)
	}
}

func TestStopCancelsTimer(t *testing.T) {
	h := newHarness(t, 6*time.Minute)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.next(t)
	h.sched.Stop()

	h.clk.Advance(time.Hour)
	if n := h.transport.count(); n != 1 {
		t.Errorf("Sent after Stop: %d calls", n)
	}
	if err := h.sched.SendNow(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

type staleLocator struct{}

func (staleLocator) Get(ctx context.Context) (*location.Fix, error) {
	return &location.Fix{
		Location: protocol.Location{Latitude: 35.68, Longitude: 139.76, Accuracy: 30},
		Source:   location.SourceFallback,
		Stale:    true,
	}, nil
}

type grantedPermissions struct{}

func (grantedPermissions) Check(ctx context.Context) (permission.Status, error) {
	return permission.Status{Location: platform.PermissionGranted, GPS: true}, nil
}

func TestStaleLocationReported(t *testing.T) {
	clk := clock.NewFake(t0)
	transport := &fakeTransport{clk: clk}
	results := make(chan Result, 4)
	dev := platform.NewStatic(platform.Runtime{Kind: platform.RuntimeMobile})
	sched := New(DefaultConfig(), Deps{
		Collector: telemetry.NewCollector(staleLocator{}, grantedPermissions{}, dev, clk),
		Intervals: fixedInterval(6 * time.Minute),
		Builder:   builder{},
		Transport: transport,
		Handler:   &overrideHandler{},
		Clock:     clk,
	})
	sched.SetResultCallback(func(r Result) { results <- r })
	t.Cleanup(sched.Stop)

	if sched.Status().LocationStale {
		t.Error("LocationStale should be false before any heartbeat")
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case r := <-results:
		if !r.Snapshot.LocationStale() {
			t.Error("Result snapshot should carry the stale flag")
		}
		if r.Request.DeviceStatus.Location == nil {
			t.Error("Stale fix should still be sent")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for heartbeat result")
	}
	if !sched.Status().LocationStale {
		t.Error("Status should report the stale location")
	}
}
