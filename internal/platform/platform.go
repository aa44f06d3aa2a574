// Package platform exposes the device primitives the sync engine reads:
// connectivity, battery, permission state and position fixes.
package platform

import (
	"context"
	"errors"
	"time"
)

// PermissionState is the OS permission state of a capability.
type PermissionState string

const (
	PermissionGranted    PermissionState = "granted"
	PermissionDenied     PermissionState = "denied"
	PermissionRestricted PermissionState = "restricted"
)

// ParsePermission normalizes a permission string. Anything unrecognized is
// treated as denied.
func ParsePermission(s string) PermissionState {
	switch PermissionState(s) {
	case PermissionGranted, "always", "while_in_use", "whileInUse":
		return PermissionGranted
	case PermissionRestricted, "limited", "provisional":
		return PermissionRestricted
	default:
		return PermissionDenied
	}
}

// Granted reports whether the permission allows use.
func (p PermissionState) Granted() bool {
	return p == PermissionGranted
}

// Errors returned by position calls
var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrServiceDisabled  = errors.New("location service disabled")
	ErrNoPosition       = errors.New("no position available")
	ErrNotRunning       = errors.New("platform bridge not running")
)

// Position is a position fix with the time it was taken.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Battery is a battery reading.
type Battery struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// Connectivity is the active network link.
type Connectivity struct {
	Type           string `json:"type"`
	SignalStrength int    `json:"signal_strength"`
}

// Positioner provides position fixes.
type Positioner interface {
	LocationServiceEnabled(ctx context.Context) (bool, error)
	LocationPermission(ctx context.Context) (PermissionState, error)
	// LastKnownPosition returns the OS cached fix, or ErrNoPosition.
	LastKnownPosition(ctx context.Context) (*Position, error)
	// CurrentPosition performs a fresh acquisition bounded by ctx.
	CurrentPosition(ctx context.Context) (*Position, error)
}

// Permissions queries and requests OS permissions.
type Permissions interface {
	LocationPermission(ctx context.Context) (PermissionState, error)
	LocationServiceEnabled(ctx context.Context) (bool, error)
	NotificationPermission(ctx context.Context) (PermissionState, error)
	RequestLocationPermission(ctx context.Context) (PermissionState, error)
	RequestNotificationPermission(ctx context.Context) (PermissionState, error)
}

// Device reads connectivity and battery.
type Device interface {
	Connectivity(ctx context.Context) (Connectivity, error)
	Battery(ctx context.Context) (Battery, error)
}

// Platform is everything the engine needs from the host device.
type Platform interface {
	Positioner
	Permissions
	Device
	Runtime() Runtime
}
