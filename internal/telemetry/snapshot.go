// Package telemetry composes location, permission, battery and connectivity
// readings into one snapshot per sync attempt.
package telemetry

import (
	"time"

	"github.com/shelterlink/device-agent/internal/protocol"
)

// Snapshot is the device state captured for one heartbeat or stream
// attempt. Fields are unexported so a snapshot cannot change after it is
// built; accessors return copies.
type Snapshot struct {
	connectivity   string
	signalStrength int
	gpsEnabled     bool
	batteryLevel   int
	isCharging     bool
	location       *protocol.Location
	locationStale  bool
	locationReason string
	locationPerm   bool
	notifyPerm     bool
	takenAt        time.Time
}

func (s Snapshot) Connectivity() string                { return s.connectivity }
func (s Snapshot) SignalStrength() int                 { return s.signalStrength }
func (s Snapshot) GPSEnabled() bool                    { return s.gpsEnabled }
func (s Snapshot) BatteryLevel() int                   { return s.batteryLevel }
func (s Snapshot) IsCharging() bool                    { return s.isCharging }
func (s Snapshot) LocationStale() bool                 { return s.locationStale }
func (s Snapshot) LocationReason() string              { return s.locationReason }
func (s Snapshot) LocationPermissionGranted() bool     { return s.locationPerm }
func (s Snapshot) NotificationPermissionGranted() bool { return s.notifyPerm }
func (s Snapshot) TakenAt() time.Time                  { return s.takenAt }

// Location returns a copy of the captured fix, or nil.
func (s Snapshot) Location() *protocol.Location {
	return copyLocation(s.location)
}

// DeviceStatus renders the device_status block of a heartbeat.
func (s Snapshot) DeviceStatus() protocol.DeviceStatus {
	return protocol.DeviceStatus{
		Location:       copyLocation(s.location),
		BatteryLevel:   s.batteryLevel,
		IsCharging:     s.isCharging,
		NetworkType:    s.connectivity,
		SignalStrength: s.signalStrength,
	}
}

// Permissions renders the permissions block of a heartbeat.
func (s Snapshot) Permissions() protocol.Permissions {
	return protocol.Permissions{
		LocationPermissionGranted:     s.locationPerm,
		GPSEnabled:                    s.gpsEnabled,
		NotificationPermissionGranted: s.notifyPerm,
	}
}

func copyLocation(l *protocol.Location) *protocol.Location {
	if l == nil {
		return nil
	}
	c := *l
	if l.Altitude != nil {
		alt := *l.Altitude
		c.Altitude = &alt
	}
	return &c
}
