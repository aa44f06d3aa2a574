// Package permission reads OS permission state for the heartbeat and runs
// explicit permission requests.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

var log = logrus.WithField("component", "permission")

// Status is the permission state reported with a heartbeat.
type Status struct {
	Location      platform.PermissionState `json:"location"`
	GPS           bool                     `json:"gps"`
	Notifications platform.PermissionState `json:"notifications"`
}

// Wire converts the status to its heartbeat form.
func (s Status) Wire() protocol.Permissions {
	return protocol.Permissions{
		LocationPermissionGranted:     s.Location.Granted(),
		GPSEnabled:                    s.GPS,
		NotificationPermissionGranted: s.Notifications.Granted(),
	}
}

// Capability names accepted by Request
const (
	Location      = "location"
	Notifications = "notifications"
)

// Probe queries permission state. It never prompts on its own; prompting is
// done through Request. Only one check or request runs at a time.
type Probe struct {
	source platform.Permissions

	mu       sync.Mutex
	checking bool
}

// New creates a probe over the platform permission primitives
func New(source platform.Permissions) *Probe {
	return &Probe{source: source}
}

// Check reads the current state. Returns syncerr.ErrInFlight when another
// check or request is running.
func (p *Probe) Check(ctx context.Context) (Status, error) {
	if err := p.begin(); err != nil {
		return Status{}, err
	}
	defer p.end()
	return p.read(ctx)
}

// Request prompts for one capability and returns the updated state.
func (p *Probe) Request(ctx context.Context, capability string) (Status, error) {
	if err := p.begin(); err != nil {
		return Status{}, err
	}
	defer p.end()

	var err error
	switch capability {
	case Location:
		_, err = p.source.RequestLocationPermission(ctx)
	case Notifications:
		_, err = p.source.RequestNotificationPermission(ctx)
	default:
		return Status{}, fmt.Errorf("unknown capability %q", capability)
	}
	if err != nil {
		return Status{}, fmt.Errorf("request %s permission: %w", capability, err)
	}

	status, err := p.read(ctx)
	if err == nil {
		log.WithFields(logrus.Fields{
			"capability":    capability,
			"location":      status.Location,
			"notifications": status.Notifications,
		}).Info("Permission request completed")
	}
	return status, err
}

func (p *Probe) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checking {
		return syncerr.ErrInFlight
	}
	p.checking = true
	return nil
}

func (p *Probe) end() {
	p.mu.Lock()
	p.checking = false
	p.mu.Unlock()
}

func (p *Probe) read(ctx context.Context) (Status, error) {
	var s Status
	var err error

	if s.Location, err = p.source.LocationPermission(ctx); err != nil {
		return Status{}, fmt.Errorf("location permission: %w", err)
	}
	if s.GPS, err = p.source.LocationServiceEnabled(ctx); err != nil {
		return Status{}, fmt.Errorf("location service: %w", err)
	}
	if s.Notifications, err = p.source.NotificationPermission(ctx); err != nil {
		return Status{}, fmt.Errorf("notification permission: %w", err)
	}
	return s, nil
}
