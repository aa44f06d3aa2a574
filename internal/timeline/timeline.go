// Package timeline holds the suggestions shown to the user. It persists
// them, pushes changes to local UI clients and forwards new entries to the
// notification bridge.
package timeline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

var log = logrus.WithField("component", "timeline")

// Event types pushed to UI clients
const (
	EventSnapshot = "snapshot"
	EventAdded    = "suggestions_added"
	EventCleared  = "suggestions_cleared"
	EventReset    = "timeline_reset"
	EventChat     = "chat_state"
)

// Event is a timeline change pushed to UI clients
type Event struct {
	Type        string                   `json:"type"`
	Suggestions []*suggestion.Suggestion `json:"suggestions,omitempty"`
	Mode        protocol.Mode            `json:"mode,omitempty"`
	Removed     int                      `json:"removed,omitempty"`
	ChatActive  bool                     `json:"chat_active"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Store persists suggestions.
type Store interface {
	InsertSuggestions(ctx context.Context, list []*suggestion.Suggestion) error
	GetSuggestions(ctx context.Context, limit int) ([]*suggestion.Suggestion, error)
	RecentTypes(ctx context.Context, since time.Time) (map[string]time.Time, error)
	DeleteSuggestionsByMode(ctx context.Context, m protocol.Mode) (int, error)
	DeleteExpiredSuggestions(ctx context.Context, now time.Time) (int, error)
	ClearSuggestions(ctx context.Context) (int, error)
}

// Notifier forwards new suggestions outside the agent.
type Notifier interface {
	Publish(ctx context.Context, list []*suggestion.Suggestion) error
}

// Timeline implements suggestion.Sink.
type Timeline struct {
	store    Store
	hub      *Hub
	notifier Notifier
	clock    clock.Clock

	mu         sync.Mutex // serializes writes
	chatActive atomic.Bool
}

// New creates a timeline. hub and notifier are optional.
func New(store Store, hub *Hub, notifier Notifier, clk clock.Clock) *Timeline {
	if clk == nil {
		clk = clock.Real()
	}
	return &Timeline{
		store:    store,
		hub:      hub,
		notifier: notifier,
		clock:    clk,
	}
}

var _ suggestion.Sink = (*Timeline)(nil)

// Add stores suggestions and announces them
func (t *Timeline) Add(ctx context.Context, list []*suggestion.Suggestion) error {
	if len(list) == 0 {
		return nil
	}
	t.mu.Lock()
	err := t.store.InsertSuggestions(ctx, list)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	log.WithField("count", len(list)).Info("Suggestions added to timeline")
	t.broadcast(Event{Type: EventAdded, Suggestions: list})

	if t.notifier != nil {
		if err := t.notifier.Publish(ctx, list); err != nil {
			log.WithError(err).Warn("Failed to forward suggestions")
		}
	}
	return nil
}

// RecentTypes returns the latest receipt time per type since the given time
func (t *Timeline) RecentTypes(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	return t.store.RecentTypes(ctx, since)
}

// ClearMode removes suggestions tagged with the given mode
func (t *Timeline) ClearMode(ctx context.Context, m protocol.Mode) (int, error) {
	t.mu.Lock()
	n, err := t.store.DeleteSuggestionsByMode(ctx, m)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	log.WithFields(logrus.Fields{"mode": m, "removed": n}).Info("Cleared suggestions of previous mode")
	t.broadcast(Event{Type: EventCleared, Mode: m, Removed: n})
	return n, nil
}

// IsChatActive reports whether a conversation is in progress
func (t *Timeline) IsChatActive() bool {
	return t.chatActive.Load()
}

// SetChatActive records whether a conversation is in progress
func (t *Timeline) SetChatActive(active bool) {
	if t.chatActive.Swap(active) == active {
		return
	}
	log.WithField("chat_active", active).Info("Chat state changed")
	t.broadcast(Event{Type: EventChat})
}

// Reload pushes the full timeline to clients
func (t *Timeline) Reload(ctx context.Context) error {
	list, err := t.List(ctx, 0)
	if err != nil {
		return err
	}
	t.broadcast(Event{Type: EventSnapshot, Suggestions: list})
	return nil
}

// List returns held suggestions that have not expired, newest first
func (t *Timeline) List(ctx context.Context, limit int) ([]*suggestion.Suggestion, error) {
	all, err := t.store.GetSuggestions(ctx, 0)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	list := make([]*suggestion.Suggestion, 0, len(all))
	for _, s := range all {
		if s.Expired(now) {
			continue
		}
		list = append(list, s)
		if limit > 0 && len(list) == limit {
			break
		}
	}
	return list, nil
}

// PurgeExpired removes expired suggestions
func (t *Timeline) PurgeExpired(ctx context.Context) (int, error) {
	t.mu.Lock()
	n, err := t.store.DeleteExpiredSuggestions(ctx, t.clock.Now())
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("removed", n).Debug("Purged expired suggestions")
		t.broadcast(Event{Type: EventCleared, Removed: n})
	}
	return n, nil
}

// Reset removes every suggestion
func (t *Timeline) Reset(ctx context.Context) (int, error) {
	t.mu.Lock()
	n, err := t.store.ClearSuggestions(ctx)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	log.WithField("removed", n).Info("Timeline reset")
	t.broadcast(Event{Type: EventReset, Removed: n})
	return n, nil
}

// ServeWS attaches a UI client and sends it the current timeline
func (t *Timeline) ServeWS(w http.ResponseWriter, r *http.Request) error {
	if t.hub == nil {
		http.Error(w, "timeline push disabled", http.StatusNotFound)
		return nil
	}
	list, err := t.List(r.Context(), 0)
	if err != nil {
		return err
	}
	return t.hub.ServeWS(w, r, &Event{
		Type:        EventSnapshot,
		Suggestions: list,
		ChatActive:  t.IsChatActive(),
		Timestamp:   t.clock.Now(),
	})
}

func (t *Timeline) broadcast(ev Event) {
	if t.hub == nil {
		return
	}
	ev.ChatActive = t.IsChatActive()
	ev.Timestamp = t.clock.Now()
	t.hub.Broadcast(ev)
}
