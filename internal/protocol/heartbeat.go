// Package protocol defines the wire formats exchanged with the sync backend:
// the heartbeat request/response bodies, the server-sent event frames of the
// streaming endpoint, and the suggestion type registry.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Endpoints
const (
	PathHeartbeat       = "/sync/heartbeat"
	PathHeartbeatStream = "/sync/heartbeat-sse"
	PathDebugResetMode  = "/debug/reset-mode"
	PathDebugTestAlert  = "/debug/test-alert"
)

// Mode is the operational posture of the device.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeEmergency Mode = "emergency"
)

// ParseMode parses a server or persisted mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeNormal:
		return ModeNormal, nil
	case ModeEmergency:
		return ModeEmergency, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Opposite returns the other mode.
func (m Mode) Opposite() Mode {
	if m == ModeEmergency {
		return ModeNormal
	}
	return ModeEmergency
}

// Network types reported in device_status.network_type
const (
	NetworkWiFi     = "wifi"
	NetworkCellular = "cellular"
	NetworkEthernet = "ethernet"
	NetworkNone     = "none"
	NetworkUnknown  = "unknown"
)

// Location is a position fix as sent to the backend.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// DeviceStatus is the telemetry half of a heartbeat.
type DeviceStatus struct {
	Location       *Location `json:"location,omitempty"`
	BatteryLevel   int       `json:"battery_level"`
	IsCharging     bool      `json:"is_charging"`
	NetworkType    string    `json:"network_type"`
	SignalStrength int       `json:"signal_strength"`
}

// Permissions reports OS permission state.
type Permissions struct {
	LocationPermissionGranted     bool `json:"location_permission_granted"`
	GPSEnabled                    bool `json:"gps_enabled"`
	NotificationPermissionGranted bool `json:"notification_permission_granted"`
}

// ClientContext is the app-state half of a heartbeat.
type ClientContext struct {
	CurrentMode                 Mode        `json:"current_mode"`
	LanguageCode                string      `json:"language_code"`
	LastSyncTimestamp           string      `json:"last_sync_timestamp,omitempty"`
	AcknowledgedSuggestionTypes []string    `json:"acknowledged_suggestion_types,omitempty"`
	ResetSuggestionHistory      bool        `json:"reset_suggestion_history"`
	EmergencyContactsCount      int         `json:"emergency_contacts_count"`
	Permissions                 Permissions `json:"permissions"`
}

// HeartbeatRequest is the body of both heartbeat endpoints.
type HeartbeatRequest struct {
	DeviceID      string        `json:"device_id"`
	DeviceStatus  DeviceStatus  `json:"device_status"`
	ClientContext ClientContext `json:"client_context"`
}

// DisasterStatus carries the server's mode directive.
type DisasterStatus struct {
	Mode       string `json:"mode"`
	ModeReason string `json:"mode_reason,omitempty"`
}

// SyncConfig is a one-shot scheduling directive.
type SyncConfig struct {
	MinSyncInterval *int `json:"min_sync_interval,omitempty"` // seconds
	ForceRefresh    bool `json:"force_refresh"`
}

// MinInterval returns the override as a duration, or false when absent or
// not positive.
func (c *SyncConfig) MinInterval() (time.Duration, bool) {
	if c == nil || c.MinSyncInterval == nil || *c.MinSyncInterval <= 0 {
		return 0, false
	}
	return time.Duration(*c.MinSyncInterval) * time.Second, true
}

// HeartbeatResponse is the body returned by /sync/heartbeat.
type HeartbeatResponse struct {
	DisasterStatus       *DisasterStatus     `json:"disaster_status,omitempty"`
	ProactiveSuggestions []SuggestionPayload `json:"proactive_suggestions"`
	SyncConfig           *SyncConfig         `json:"sync_config,omitempty"`
	SyncID               string              `json:"sync_id"`
	ServerTimestamp      string              `json:"server_timestamp"`
}

// DecodeHeartbeatResponse parses a heartbeat response body.
func DecodeHeartbeatResponse(data []byte) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return &resp, nil
}

// Priority is a suggestion priority. The backend sends either a label or a
// number; both are normalized to a label.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// UnmarshalJSON accepts "high" or 1..4 style priorities.
func (p *Priority) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = normalizePriority(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid priority %s", string(data))
	}
	*p = normalizePriority(n.String())
	return nil
}

func normalizePriority(s string) Priority {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "critical", "urgent":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium", "normal", "":
		return PriorityMedium
	case "low":
		return PriorityLow
	}
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n >= 4:
			return PriorityCritical
		case n == 3:
			return PriorityHigh
		case n == 2:
			return PriorityMedium
		default:
			return PriorityLow
		}
	}
	return PriorityMedium
}

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// SuggestionPayload is a suggestion as it appears on the wire, both in
// proactive_suggestions and as a single stream event.
type SuggestionPayload struct {
	Type              string         `json:"type"`
	Content           string         `json:"content"`
	Priority          Priority       `json:"priority,omitempty"`
	ActionQuery       string         `json:"action_query,omitempty"`
	ActionDisplayText string         `json:"action_display_text,omitempty"`
	ActionData        map[string]any `json:"action_data,omitempty"`
	ExpiresAt         string         `json:"expires_at,omitempty"`
	CreatedAt         string         `json:"created_at,omitempty"`
}

// Expiry parses ExpiresAt. Returns false when absent or unparseable.
func (p *SuggestionPayload) Expiry() (time.Time, bool) {
	return parseTimestamp(p.ExpiresAt)
}

// Created parses CreatedAt. Returns false when absent or unparseable.
func (p *SuggestionPayload) Created() (time.Time, bool) {
	return parseTimestamp(p.CreatedAt)
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders a time the way the backend expects it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
