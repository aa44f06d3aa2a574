package telemetry

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/location"
	"github.com/shelterlink/device-agent/internal/permission"
	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

var log = logrus.WithField("component", "telemetry")

// Locator returns the current position fix.
type Locator interface {
	Get(ctx context.Context) (*location.Fix, error)
}

// PermissionChecker reads permission state.
type PermissionChecker interface {
	Check(ctx context.Context) (permission.Status, error)
}

// Collector builds snapshots. No reading failure aborts a snapshot: a
// missing location is reported as null and unreadable values fall back to
// conservative defaults.
type Collector struct {
	locator     Locator
	permissions PermissionChecker
	device      platform.Device
	clock       clock.Clock
}

// NewCollector creates a snapshot collector
func NewCollector(locator Locator, permissions PermissionChecker, device platform.Device, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Collector{
		locator:     locator,
		permissions: permissions,
		device:      device,
		clock:       clk,
	}
}

// Collect captures a snapshot.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		connectivity: protocol.NetworkUnknown,
		takenAt:      c.clock.Now(),
	}

	if conn, err := c.device.Connectivity(ctx); err != nil {
		log.WithError(err).Warn("Failed to read connectivity")
	} else {
		s.connectivity = normalizeNetwork(conn.Type)
		s.signalStrength = conn.SignalStrength
	}

	if b, err := c.device.Battery(ctx); err != nil {
		log.WithError(err).Warn("Failed to read battery")
	} else {
		s.batteryLevel = clampPercent(b.Level)
		s.isCharging = b.Charging
	}

	if status, err := c.permissions.Check(ctx); err != nil {
		log.WithError(err).Warn("Failed to read permissions")
	} else {
		s.locationPerm = status.Location.Granted()
		s.gpsEnabled = status.GPS
		s.notifyPerm = status.Notifications.Granted()
	}

	fix, err := c.locator.Get(ctx)
	switch {
	case err != nil:
		s.locationReason = string(syncerr.ReasonOf(err))
		log.WithField("reason", s.locationReason).Debug("Snapshot without location")
	case fix != nil:
		loc := fix.Location
		s.location = copyLocation(&loc)
		s.locationStale = fix.Stale
	}

	return s
}

func normalizeNetwork(t string) string {
	switch strings.ToLower(t) {
	case "wifi", "wi-fi":
		return protocol.NetworkWiFi
	case "cellular", "mobile", "4g", "5g", "lte":
		return protocol.NetworkCellular
	case "ethernet":
		return protocol.NetworkEthernet
	case "none", "offline":
		return protocol.NetworkNone
	default:
		return protocol.NetworkUnknown
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
