package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

// ModeController is the part of the mode machine the processor drives.
type ModeController interface {
	Apply(to protocol.Mode, reason, source string) (bool, error)
	Mode() protocol.Mode
}

// IntervalOverrider accepts server interval overrides.
type IntervalOverrider interface {
	ApplyOverride(period time.Duration)
}

// Outcome summarizes one processed response.
type Outcome struct {
	ModeChanged bool          `json:"mode_changed"`
	Mode        protocol.Mode `json:"mode"`
	Accepted    int           `json:"accepted"`
	Dropped     int           `json:"dropped"`
	Override    time.Duration `json:"override,omitempty"`
	Reloaded    bool          `json:"reloaded"`
}

// Processor applies heartbeat responses and streamed suggestions. Calls are
// serialized so one response is fully applied before the next starts.
type Processor struct {
	modes     ModeController
	sink      suggestion.Sink
	overrider IntervalOverrider
	filter    suggestion.Filter
	clock     clock.Clock

	mu sync.Mutex
}

// NewProcessor creates a response processor. overrider may be nil until the
// scheduler exists; see SetOverrider.
func NewProcessor(modes ModeController, sink suggestion.Sink, overrider IntervalOverrider, filter suggestion.Filter, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{
		modes:     modes,
		sink:      sink,
		overrider: overrider,
		filter:    filter,
		clock:     clk,
	}
}

// SetOverrider sets the receiver of interval overrides.
func (p *Processor) SetOverrider(o IntervalOverrider) {
	p.mu.Lock()
	p.overrider = o
	p.mu.Unlock()
}

// HandleHeartbeat applies a heartbeat response.
func (p *Processor) HandleHeartbeat(ctx context.Context, resp *protocol.HeartbeatResponse) {
	p.Process(ctx, resp, suggestion.SourceHeartbeat)
}

// Process applies the mode directive, then the suggestions, then the sync
// config of resp.
func (p *Processor) Process(ctx context.Context, resp *protocol.HeartbeatResponse, source suggestion.Source) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out Outcome
	if resp == nil {
		return out
	}

	if ds := resp.DisasterStatus; ds != nil && ds.Mode != "" {
		target, err := protocol.ParseMode(ds.Mode)
		if err != nil {
			log.WithError(err).Warn("Ignoring mode directive")
		} else {
			changed, err := p.modes.Apply(target, ds.ModeReason, string(source))
			if err != nil {
				log.WithError(err).Error("Mode directive applied but not persisted")
			}
			out.ModeChanged = changed
		}
	}
	out.Mode = p.modes.Mode()

	out.Accepted, out.Dropped = p.ingest(ctx, resp.ProactiveSuggestions, source, out.Mode)

	if d, ok := resp.SyncConfig.MinInterval(); ok && p.overrider != nil {
		p.overrider.ApplyOverride(d)
		out.Override = d
	}
	if resp.SyncConfig != nil && resp.SyncConfig.ForceRefresh {
		if err := p.sink.Reload(ctx); err != nil {
			log.WithError(err).Warn("Timeline reload failed")
		} else {
			out.Reloaded = true
		}
	}
	return out
}

// ingest forwards directly delivered suggestions. They are trusted to be
// deduplicated by the server.
func (p *Processor) ingest(ctx context.Context, payloads []protocol.SuggestionPayload, source suggestion.Source, m protocol.Mode) (accepted, dropped int) {
	if len(payloads) == 0 {
		return 0, 0
	}
	if p.sink.IsChatActive() {
		log.WithField("count", len(payloads)).Info("Chat in progress, dropping suggestions")
		return 0, len(payloads)
	}

	now := p.clock.Now()
	list := p.live(suggestion.Batch(payloads, m, source, now), now)
	dropped = len(payloads) - len(list)
	if len(list) == 0 {
		return 0, dropped
	}
	if err := p.sink.Add(ctx, list); err != nil {
		log.WithError(err).Error("Failed to store suggestions")
		return 0, len(payloads)
	}
	return len(list), dropped
}

// HandleStreamSuggestions applies suggestions delivered by the stream. Only
// allow-listed types are kept, and a type accepted within the dedup window
// is suppressed.
func (p *Processor) HandleStreamSuggestions(ctx context.Context, payloads []protocol.SuggestionPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sink.IsChatActive() {
		log.WithField("count", len(payloads)).Debug("Chat in progress, dropping streamed suggestions")
		return
	}

	known := payloads[:0:0]
	for _, pl := range payloads {
		if _, ok := protocol.LookupKind(pl.Type); !ok {
			log.WithField("type", pl.Type).Debug("Ignoring unrecognized suggestion type")
			continue
		}
		known = append(known, pl)
	}

	now := p.clock.Now()
	list := p.live(suggestion.Batch(known, p.modes.Mode(), suggestion.SourceStream, now), now)
	if len(list) == 0 {
		return
	}

	recent, err := p.sink.RecentTypes(ctx, p.filter.Since(now))
	if err != nil {
		log.WithError(err).Error("Failed to read recent suggestion types")
		return
	}
	accepted, rejected := p.filter.Apply(list, recent, now)
	for _, s := range rejected {
		log.WithField("type", s.Type).Debug("Suppressing duplicate streamed suggestion")
	}
	if len(accepted) == 0 {
		return
	}
	if err := p.sink.Add(ctx, accepted); err != nil {
		log.WithError(err).Error("Failed to store streamed suggestions")
		return
	}
	log.WithFields(logrus.Fields{"accepted": len(accepted), "suppressed": len(rejected)}).Info("Streamed suggestions accepted")
}

func (p *Processor) live(list []*suggestion.Suggestion, now time.Time) []*suggestion.Suggestion {
	out := list[:0]
	for _, s := range list {
		if s.Expired(now) {
			log.WithField("type", s.Type).Debug("Skipping expired suggestion")
			continue
		}
		out = append(out, s)
	}
	return out
}
