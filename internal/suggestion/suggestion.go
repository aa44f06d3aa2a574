// Package suggestion is the client-side model of proactive suggestions: how
// a wire payload becomes a timeline entry, and how streamed entries are
// deduplicated.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shelterlink/device-agent/internal/protocol"
)

// Source is the channel a suggestion arrived on.
type Source string

const (
	SourceHeartbeat Source = "heartbeat"
	SourceStream    Source = "stream"
	SourceDebug     Source = "debug"
)

// Suggestion is an accepted suggestion. Mode is the mode the device was in
// when it arrived and decides which transition clears it.
type Suggestion struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Kind              string            `json:"kind"`
	Content           string            `json:"content"`
	Priority          protocol.Priority `json:"priority"`
	ActionQuery       string            `json:"action_query,omitempty"`
	ActionDisplayText string            `json:"action_display_text,omitempty"`
	ActionData        map[string]any    `json:"action_data,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ReceivedAt        time.Time         `json:"received_at"`
	Mode              protocol.Mode     `json:"mode"`
	Source            Source            `json:"source"`
}

// ErrIncomplete is returned for payloads without type or content.
var ErrIncomplete = errors.New("suggestion without type or content")

// NewID synthesizes an id from the type and the receipt time. Ids are not
// stable across deliveries and are not used for deduplication.
func NewID(suggestionType string, receivedAt time.Time) string {
	return fmt.Sprintf("%s_%d", suggestionType, receivedAt.UnixMilli())
}

// FromPayload builds a suggestion from its wire form. Server action_data is
// kept as sent; priority, expiry, mode and source are added under keys the
// server did not set.
func FromPayload(p *protocol.SuggestionPayload, mode protocol.Mode, source Source, receivedAt time.Time) (*Suggestion, error) {
	if strings.TrimSpace(p.Type) == "" || strings.TrimSpace(p.Content) == "" {
		return nil, ErrIncomplete
	}

	priority := p.Priority
	if priority == "" {
		priority = protocol.PriorityMedium
	}
	kind, _ := protocol.LookupKind(p.Type)

	s := &Suggestion{
		ID:                NewID(p.Type, receivedAt),
		Type:              p.Type,
		Kind:              kind.String(),
		Content:           p.Content,
		Priority:          priority,
		ActionQuery:       p.ActionQuery,
		ActionDisplayText: p.ActionDisplayText,
		CreatedAt:         receivedAt,
		ReceivedAt:        receivedAt,
		Mode:              mode,
		Source:            source,
	}
	if created, ok := p.Created(); ok {
		s.CreatedAt = created
	}
	if exp, ok := p.Expiry(); ok {
		s.ExpiresAt = &exp
	}

	data := make(map[string]any, len(p.ActionData)+4)
	for k, v := range p.ActionData {
		data[k] = v
	}
	setDefault(data, "priority", string(priority))
	if s.ExpiresAt != nil {
		setDefault(data, "expires_at", protocol.FormatTimestamp(*s.ExpiresAt))
	}
	setDefault(data, "mode", string(mode))
	setDefault(data, "source", string(source))
	s.ActionData = data

	return s, nil
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

// Expired reports whether the suggestion has an expiry at or before now.
func (s *Suggestion) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Action returns the typed action of the suggestion.
func (s *Suggestion) Action() protocol.Action {
	kind, _ := protocol.LookupKind(s.Type)
	return protocol.DecodeAction(kind, &protocol.SuggestionPayload{
		Type:              s.Type,
		ActionQuery:       s.ActionQuery,
		ActionDisplayText: s.ActionDisplayText,
		ActionData:        s.ActionData,
	})
}

// Batch builds suggestions from payloads received together, skipping
// incomplete entries. Entries of the same type get distinct ids.
func Batch(payloads []protocol.SuggestionPayload, mode protocol.Mode, source Source, receivedAt time.Time) []*Suggestion {
	out := make([]*Suggestion, 0, len(payloads))
	seen := make(map[string]int)
	for i := range payloads {
		s, err := FromPayload(&payloads[i], mode, source, receivedAt)
		if err != nil {
			continue
		}
		if n := seen[s.ID]; n > 0 {
			seen[s.ID] = n + 1
			s.ID = fmt.Sprintf("%s_%d", s.ID, n)
		} else {
			seen[s.ID] = 1
		}
		out = append(out, s)
	}
	return out
}

// Sink is where accepted suggestions go.
type Sink interface {
	// Add stores suggestions for display.
	Add(ctx context.Context, list []*Suggestion) error
	// RecentTypes returns, per type, the latest acceptance time of held
	// suggestions accepted at or after since.
	RecentTypes(ctx context.Context, since time.Time) (map[string]time.Time, error)
	// ClearMode removes suggestions tagged with mode.
	ClearMode(ctx context.Context, mode protocol.Mode) (int, error)
	// IsChatActive reports whether a conversation is in progress.
	IsChatActive() bool
	// Reload asks the timeline to refresh from its store.
	Reload(ctx context.Context) error
}
