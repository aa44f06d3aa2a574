package suggestion

import (
	"testing"
	"time"

	"github.com/shelterlink/device-agent/internal/protocol"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func TestFromPayload(t *testing.T) {
	p := &protocol.SuggestionPayload{
		Type:       "shelter_info",
		Content:    "Shelter open",
		Priority:   protocol.PriorityHigh,
		ExpiresAt:  "2026-10-15T12:00:00Z",
		ActionData: map[string]any{"shelter_id": "s1", "latitude": 35.0, "longitude": 139.0, "mode": "server-set"},
	}

	s, err := FromPayload(p, protocol.ModeEmergency, SourceHeartbeat, t0)
	if err != nil {
		t.Fatalf("FromPayload failed: %v", err)
	}
	if s.ID != NewID("shelter_info", t0) {
		t.Errorf("ID mismatch: got %s", s.ID)
	}
	if s.Kind != "shelter" {
		t.Errorf("Kind mismatch: got %s, want shelter", s.Kind)
	}
	if s.ExpiresAt == nil || !s.ExpiresAt.Equal(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("ExpiresAt mismatch: got %v", s.ExpiresAt)
	}
	if s.ActionData["priority"] != "high" {
		t.Errorf("priority not merged: %v", s.ActionData)
	}
	if s.ActionData["expires_at"] != "2026-10-15T12:00:00Z" {
		t.Errorf("expires_at not merged: %v", s.ActionData)
	}
	if s.ActionData["mode"] != "server-set" {
		t.Errorf("server action_data must win, got %v", s.ActionData["mode"])
	}
	if s.ActionData["shelter_id"] != "s1" {
		t.Errorf("server action_data lost: %v", s.ActionData)
	}
	if p.ActionData["priority"] != nil {
		t.Error("FromPayload must not modify the payload")
	}
	if _, ok := s.Action().(protocol.ShelterAction); !ok {
		t.Errorf("Action mismatch: got %T", s.Action())
	}
	if s.Expired(t0) {
		t.Error("Suggestion should not be expired yet")
	}
	if !s.Expired(t0.Add(3 * time.Hour)) {
		t.Error("Suggestion should be expired after expires_at")
	}
}

func TestFromPayloadRejectsIncomplete(t *testing.T) {
	for _, p := range []protocol.SuggestionPayload{
		{Type: "", Content: "x"},
		{Type: "shelter_info", Content: "  "},
	} {
		if _, err := FromPayload(&p, protocol.ModeNormal, SourceHeartbeat, t0); err != ErrIncomplete {
			t.Errorf("FromPayload(%+v) error = %v, want ErrIncomplete", p, err)
		}
	}
}

func TestBatchDistinctIDs(t *testing.T) {
	list := Batch([]protocol.SuggestionPayload{
		{Type: "disaster_news", Content: "a"},
		{Type: "disaster_news", Content: "b"},
		{Type: "", Content: "dropped"},
		{Type: "weather_warning", Content: "c"},
	}, protocol.ModeNormal, SourceHeartbeat, t0)

	if len(list) != 3 {
		t.Fatalf("Expected 3 suggestions, got %d", len(list))
	}
	if list[0].ID == list[1].ID {
		t.Errorf("Duplicate ids in batch: %s", list[0].ID)
	}
}

func TestFilterWindow(t *testing.T) {
	f := NewFilter(0)
	if f.Window != 30*time.Minute {
		t.Fatalf("Default window mismatch: got %s", f.Window)
	}

	tests := []struct {
		name  string
		after time.Duration
		want  bool
	}{
		{"10 minutes later", 10 * time.Minute, false},
		{"29 minutes later", 29*time.Minute + 59*time.Second, false},
		{"31 minutes later", 31 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recent := map[string]time.Time{"shelter_info": t0}
			s := &Suggestion{Type: "shelter_info"}
			if got := f.ShouldAccept(s, recent, t0.Add(tt.after)); got != tt.want {
				t.Errorf("ShouldAccept = %v, want %v", got, tt.want)
			}
		})
	}

	other := &Suggestion{Type: "disaster_news"}
	if !f.ShouldAccept(other, map[string]time.Time{"shelter_info": t0}, t0) {
		t.Error("Different type must be accepted")
	}
}

func TestFilterApplyWithinBatch(t *testing.T) {
	f := NewFilter(DefaultWindow)
	recent := map[string]time.Time{}
	list := []*Suggestion{
		{Type: "shelter_info"},
		{Type: "shelter_info"},
		{Type: "disaster_news"},
	}

	accepted, rejected := f.Apply(list, recent, t0)
	if len(accepted) != 2 || len(rejected) != 1 {
		t.Errorf("Apply mismatch: accepted %d, rejected %d", len(accepted), len(rejected))
	}
	if !recent["shelter_info"].Equal(t0) {
		t.Error("Accepted types should be recorded as recent")
	}
}
