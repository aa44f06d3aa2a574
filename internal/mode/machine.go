// Package mode holds the device's operational mode and the heartbeat
// interval derived from it.
package mode

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/protocol"
)

var log = logrus.WithField("component", "mode")

// DefaultIntervalMinutes is the onboarding default for both modes.
const DefaultIntervalMinutes = 6

// State is the mode plus the user-configured interval for each mode.
type State struct {
	Mode                     protocol.Mode `json:"mode"`
	NormalIntervalMinutes    int           `json:"normal_interval_minutes"`
	EmergencyIntervalMinutes int           `json:"emergency_interval_minutes"`
}

// DefaultState returns normal mode with default intervals.
func DefaultState() State {
	return State{
		Mode:                     protocol.ModeNormal,
		NormalIntervalMinutes:    DefaultIntervalMinutes,
		EmergencyIntervalMinutes: DefaultIntervalMinutes,
	}
}

// Interval returns the heartbeat period for the current mode.
func (s State) Interval() time.Duration {
	minutes := s.NormalIntervalMinutes
	if s.Mode == protocol.ModeEmergency {
		minutes = s.EmergencyIntervalMinutes
	}
	if minutes <= 0 {
		minutes = DefaultIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Transition describes a mode change. Suggestions tagged with Clear must be
// removed.
type Transition struct {
	From     protocol.Mode
	To       protocol.Mode
	Reason   string
	Source   string
	Clear    protocol.Mode
	Interval time.Duration
}

// Store persists mode and interval settings.
type Store interface {
	SaveMode(mode protocol.Mode, reason string) error
	SaveIntervals(normalMinutes, emergencyMinutes int) error
}

// Machine is the mode state machine. Listeners run synchronously inside
// Apply and SetIntervals, so the new interval is in effect before either
// returns. Changes are serialized: the persistence and listeners of one
// change finish before the next change starts.
type Machine struct {
	store Store

	changeMu sync.Mutex // held across a whole Apply, SetIntervals or Restore

	mu               sync.Mutex
	state            State
	onTransition     []func(Transition)
	onIntervalChange []func(time.Duration)
}

// New creates a machine initialized from persisted state
func New(initial State, store Store) *Machine {
	if initial.Mode == "" {
		initial.Mode = protocol.ModeNormal
	}
	return &Machine{state: initial, store: store}
}

// OnTransition registers a listener for mode changes.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.onTransition = append(m.onTransition, fn)
	m.mu.Unlock()
}

// OnIntervalChange registers a listener for interval changes, whether caused
// by a transition or a settings edit.
func (m *Machine) OnIntervalChange(fn func(time.Duration)) {
	m.mu.Lock()
	m.onIntervalChange = append(m.onIntervalChange, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the current mode.
func (m *Machine) Mode() protocol.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// Interval returns the heartbeat period for the current mode.
func (m *Machine) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Interval()
}

// Apply moves to the target mode. A self-transition does nothing and returns
// false. The in-memory transition happens even if persisting fails; the
// persistence error is returned.
func (m *Machine) Apply(to protocol.Mode, reason, source string) (bool, error) {
	if to != protocol.ModeNormal && to != protocol.ModeEmergency {
		return false, fmt.Errorf("invalid mode %q", to)
	}

	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	from := m.state.Mode
	if from == to {
		m.mu.Unlock()
		return false, nil
	}
	m.state.Mode = to
	tr := Transition{
		From:     from,
		To:       to,
		Reason:   reason,
		Source:   source,
		Clear:    to.Opposite(),
		Interval: m.state.Interval(),
	}
	listeners := append([]func(Transition){}, m.onTransition...)
	intervalListeners := append([]func(time.Duration){}, m.onIntervalChange...)
	m.mu.Unlock()

	var persistErr error
	if m.store != nil {
		if err := m.store.SaveMode(to, reason); err != nil {
			persistErr = fmt.Errorf("persist mode: %w", err)
			log.WithError(err).Error("Failed to persist mode")
		}
	}

	log.WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"reason":   reason,
		"source":   source,
		"interval": tr.Interval,
	}).Info("Mode transition")

	for _, fn := range listeners {
		fn(tr)
	}
	for _, fn := range intervalListeners {
		fn(tr.Interval)
	}
	return true, persistErr
}

// SetIntervals updates the user-configured intervals.
func (m *Machine) SetIntervals(normalMinutes, emergencyMinutes int) error {
	if normalMinutes < 1 || emergencyMinutes < 1 {
		return fmt.Errorf("intervals must be at least 1 minute (got %d, %d)", normalMinutes, emergencyMinutes)
	}

	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	before := m.state.Interval()
	m.state.NormalIntervalMinutes = normalMinutes
	m.state.EmergencyIntervalMinutes = emergencyMinutes
	after := m.state.Interval()
	intervalListeners := append([]func(time.Duration){}, m.onIntervalChange...)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveIntervals(normalMinutes, emergencyMinutes); err != nil {
			return fmt.Errorf("persist intervals: %w", err)
		}
	}

	if before != after {
		log.WithField("interval", after).Info("Heartbeat interval changed")
		for _, fn := range intervalListeners {
			fn(after)
		}
	}
	return nil
}

// Restore replaces the state with one loaded from storage. Nothing is
// persisted and no transition is reported, since the device was already in
// that mode; interval listeners still run if the period changed.
func (m *Machine) Restore(state State) {
	if state.Mode != protocol.ModeEmergency {
		state.Mode = protocol.ModeNormal
	}
	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	before := m.state.Interval()
	m.state = state
	after := m.state.Interval()
	intervalListeners := append([]func(time.Duration){}, m.onIntervalChange...)
	m.mu.Unlock()

	log.WithFields(logrus.Fields{"mode": state.Mode, "interval": after}).Info("Mode state restored")
	if before != after {
		for _, fn := range intervalListeners {
			fn(after)
		}
	}
}
