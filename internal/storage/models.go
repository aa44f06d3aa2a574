// Package storage provides SQLite persistence for the device agent.
package storage

import "time"

// Setting keys
const (
	KeyDeviceID               = "device_id"
	KeyMode                   = "mode"
	KeyModeReason             = "mode_reason"
	KeyModeChangedAt          = "mode_changed_at"
	KeyNormalInterval         = "normal_interval_minutes"
	KeyEmergencyInterval      = "emergency_interval_minutes"
	KeyResetHistoryPending    = "reset_suggestion_history"
	KeyEmergencyContactsCount = "emergency_contacts_count"
	KeyLanguageCode           = "language_code"
)

// Setting is a persisted key/value pair
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncRecord is one heartbeat attempt
type SyncRecord struct {
	ID              int64         `json:"id"`
	Trigger         string        `json:"trigger"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	SyncID          string        `json:"sync_id,omitempty"`
	ServerTimestamp string        `json:"server_timestamp,omitempty"`
	Mode            string        `json:"mode"`
	Suggestions     int           `json:"suggestions"`
	Error           string        `json:"error,omitempty"`
}

// Stats summarizes table sizes
type Stats struct {
	Suggestions          int `json:"suggestions"`
	NormalSuggestions    int `json:"normal_suggestions"`
	EmergencySuggestions int `json:"emergency_suggestions"`
	AcknowledgedTypes    int `json:"acknowledged_types"`
	Syncs                int `json:"syncs"`
	FailedSyncs          int `json:"failed_syncs"`
}
