package suggestion

import "time"

// DefaultWindow is the trailing span during which a repeat of a streamed
// suggestion type is suppressed.
const DefaultWindow = 30 * time.Minute

// Filter suppresses streamed suggestions whose type was accepted recently.
// Heartbeat suggestions do not pass through it.
type Filter struct {
	Window time.Duration
}

// NewFilter creates a filter with the given window
func NewFilter(window time.Duration) Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return Filter{Window: window}
}

// Since returns the start of the window ending at now.
func (f Filter) Since(now time.Time) time.Time {
	return now.Add(-f.Window)
}

// ShouldAccept reports whether s may be accepted at now, given the latest
// acceptance time per type.
func (f Filter) ShouldAccept(s *Suggestion, recentByType map[string]time.Time, now time.Time) bool {
	last, ok := recentByType[s.Type]
	if !ok {
		return true
	}
	return now.Sub(last) >= f.Window
}

// Apply filters a batch. Entries accepted earlier in the same batch count
// as recent for later ones. recentByType is updated in place.
func (f Filter) Apply(list []*Suggestion, recentByType map[string]time.Time, now time.Time) (accepted, rejected []*Suggestion) {
	for _, s := range list {
		if !f.ShouldAccept(s, recentByType, now) {
			rejected = append(rejected, s)
			continue
		}
		recentByType[s.Type] = now
		accepted = append(accepted, s)
	}
	return accepted, rejected
}
