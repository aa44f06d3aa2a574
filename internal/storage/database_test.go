package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shelterlink/device-agent/internal/mode"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := db.GetSetting("missing"); err != nil || ok {
		t.Errorf("GetSetting(missing) = %v, %v; want not found", ok, err)
	}
	if err := db.SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	value, ok, err := db.GetSetting("k")
	if err != nil || !ok || value != "v2" {
		t.Errorf("GetSetting mismatch: got %q, %v, %v", value, ok, err)
	}

	all, err := db.GetAllSettings()
	if err != nil || len(all) != 1 {
		t.Errorf("GetAllSettings mismatch: got %d, %v", len(all), err)
	}
}

func TestModeStateRoundTrip(t *testing.T) {
	db := openTestDB(t)

	state, err := db.LoadModeState()
	if err != nil {
		t.Fatalf("LoadModeState failed: %v", err)
	}
	if state != mode.DefaultState() {
		t.Errorf("Fresh state mismatch: got %+v", state)
	}

	if err := db.SaveMode(protocol.ModeEmergency, "earthquake"); err != nil {
		t.Fatalf("SaveMode failed: %v", err)
	}
	if err := db.SaveIntervals(10, 2); err != nil {
		t.Fatalf("SaveIntervals failed: %v", err)
	}

	state, err = db.LoadModeState()
	if err != nil {
		t.Fatalf("LoadModeState failed: %v", err)
	}
	want := mode.State{Mode: protocol.ModeEmergency, NormalIntervalMinutes: 10, EmergencyIntervalMinutes: 2}
	if state != want {
		t.Errorf("State mismatch: got %+v, want %+v", state, want)
	}
	if reason, _, _ := db.GetSetting(KeyModeReason); reason != "earthquake" {
		t.Errorf("Mode reason mismatch: got %q", reason)
	}
}

func TestLoadModeStateIgnoresGarbage(t *testing.T) {
	db := openTestDB(t)
	db.SetSetting(KeyMode, "panic")
	db.SetSetting(KeyNormalInterval, "abc")
	db.SetSetting(KeyEmergencyInterval, "0")

	state, err := db.LoadModeState()
	if err != nil {
		t.Fatalf("LoadModeState failed: %v", err)
	}
	if state != mode.DefaultState() {
		t.Errorf("State mismatch: got %+v, want defaults", state)
	}
}

func TestEnsureDeviceID(t *testing.T) {
	db := openTestDB(t)

	id, err := db.EnsureDeviceID("")
	if err != nil || id == "" {
		t.Fatalf("EnsureDeviceID failed: %q, %v", id, err)
	}
	again, _ := db.EnsureDeviceID("")
	if again != id {
		t.Errorf("Device id not stable: got %s, want %s", again, id)
	}
	configured, _ := db.EnsureDeviceID("dev-42")
	if configured != "dev-42" {
		t.Errorf("Configured id mismatch: got %s", configured)
	}
}

func TestResetPending(t *testing.T) {
	db := openTestDB(t)
	if pending, _ := db.ResetPending(); pending {
		t.Error("Reset should not be pending initially")
	}
	db.MarkResetPending()
	if pending, _ := db.ResetPending(); !pending {
		t.Error("Reset should be pending after MarkResetPending")
	}
	db.ClearResetPending()
	if pending, _ := db.ResetPending(); pending {
		t.Error("Reset should be cleared")
	}
}

func newSuggestion(id, typ string, m protocol.Mode, received time.Time) *suggestion.Suggestion {
	return &suggestion.Suggestion{
		ID:         id,
		Type:       typ,
		Kind:       "info",
		Content:    "content " + id,
		Priority:   protocol.PriorityHigh,
		ActionData: map[string]any{"source": "stream", "n": 1.0},
		CreatedAt:  received,
		ReceivedAt: received,
		Mode:       m,
		Source:     suggestion.SourceStream,
	}
}

func TestSuggestions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	expires := t0.Add(time.Hour)
	a := newSuggestion("a", "shelter_info", protocol.ModeNormal, t0)
	a.ExpiresAt = &expires
	b := newSuggestion("b", "shelter_info", protocol.ModeNormal, t0.Add(10*time.Minute))
	c := newSuggestion("c", "disaster_alert", protocol.ModeEmergency, t0.Add(20*time.Minute))

	if err := db.InsertSuggestions(ctx, []*suggestion.Suggestion{a, b, c}); err != nil {
		t.Fatalf("InsertSuggestions failed: %v", err)
	}

	list, err := db.GetSuggestions(ctx, 0)
	if err != nil {
		t.Fatalf("GetSuggestions failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" {
		t.Fatalf("GetSuggestions order mismatch: %d entries", len(list))
	}
	last := list[2]
	if last.ExpiresAt == nil || !last.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt mismatch: got %v", last.ExpiresAt)
	}
	if last.ActionData["n"] != 1.0 || last.Priority != protocol.PriorityHigh {
		t.Errorf("Round trip mismatch: %+v", last)
	}

	recent, err := db.RecentTypes(ctx, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("RecentTypes failed: %v", err)
	}
	if !recent["shelter_info"].Equal(t0.Add(10*time.Minute)) || len(recent) != 2 {
		t.Errorf("RecentTypes mismatch: got %v", recent)
	}

	n, err := db.DeleteExpiredSuggestions(ctx, t0.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("DeleteExpiredSuggestions mismatch: got %d, %v", n, err)
	}
	n, err = db.DeleteSuggestionsByMode(ctx, protocol.ModeEmergency)
	if err != nil || n != 1 {
		t.Errorf("DeleteSuggestionsByMode mismatch: got %d, %v", n, err)
	}
	n, _ = db.ClearSuggestions(ctx)
	if n != 1 {
		t.Errorf("ClearSuggestions mismatch: got %d, want 1", n)
	}
}

func TestAcknowledgements(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.AcknowledgeType(ctx, "welcome_message", t0)
	db.AcknowledgeType(ctx, "quiz_reminder", t0.Add(time.Second))

	types, err := db.PendingAcknowledgements(ctx)
	if err != nil || len(types) != 2 || types[0] != "welcome_message" {
		t.Fatalf("PendingAcknowledgements mismatch: got %v, %v", types, err)
	}

	// Re-acknowledged after the heartbeat read them.
	db.AcknowledgeType(ctx, "quiz_reminder", t0.Add(time.Minute))
	if err := db.ClearAcknowledgements(ctx, types, t0.Add(30*time.Second)); err != nil {
		t.Fatalf("ClearAcknowledgements failed: %v", err)
	}
	types, _ = db.PendingAcknowledgements(ctx)
	if len(types) != 1 || types[0] != "quiz_reminder" {
		t.Errorf("Remaining acknowledgements mismatch: got %v", types)
	}
}

func TestSyncLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if last, err := db.GetLastSuccessfulSync(ctx); err != nil || last != nil {
		t.Errorf("Empty log should have no success, got %v, %v", last, err)
	}

	db.InsertSyncRecord(ctx, &SyncRecord{Trigger: "initial", StartedAt: t0, Duration: 1500 * time.Millisecond,
		Success: true, SyncID: "s1", ServerTimestamp: "2026-10-15T09:00:01Z", Mode: "normal", Suggestions: 2})
	db.InsertSyncRecord(ctx, &SyncRecord{Trigger: "timer", StartedAt: t0.Add(6 * time.Minute),
		Success: false, Mode: "normal", Error: "network_failure"})

	last, err := db.GetLastSuccessfulSync(ctx)
	if err != nil || last == nil {
		t.Fatalf("GetLastSuccessfulSync failed: %v", err)
	}
	if last.SyncID != "s1" || last.Duration != 1500*time.Millisecond || !last.Success {
		t.Errorf("Last success mismatch: %+v", last)
	}

	recent, _ := db.GetRecentSyncs(ctx, 10)
	if len(recent) != 2 || recent[0].Error != "network_failure" {
		t.Errorf("GetRecentSyncs mismatch: %+v", recent)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Syncs != 2 || stats.FailedSyncs != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}

	pruned, _ := db.PruneSyncLog(ctx, t0.Add(time.Minute))
	if pruned != 1 {
		t.Errorf("PruneSyncLog mismatch: got %d, want 1", pruned)
	}
}
