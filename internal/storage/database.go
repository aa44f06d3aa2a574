package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shelterlink/device-agent/internal/mode"
	"github.com/shelterlink/device-agent/internal/protocol"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// SetNowFunc replaces the time source used for updated_at columns.
func (db *DB) SetNowFunc(now func() time.Time) {
	db.now = now
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Agent settings (mode, intervals, device id, pending flags)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Accepted suggestions shown on the timeline
	CREATE TABLE IF NOT EXISTS suggestions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		priority TEXT NOT NULL,
		action_query TEXT,
		action_display_text TEXT,
		action_data TEXT,
		mode TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_type_received ON suggestions(type, received_at);
	CREATE INDEX IF NOT EXISTS idx_suggestions_mode ON suggestions(mode);
	CREATE INDEX IF NOT EXISTS idx_suggestions_expires ON suggestions(expires_at);

	-- Suggestion types acknowledged by the user, sent with the next heartbeat
	CREATE TABLE IF NOT EXISTS acknowledged_types (
		type TEXT PRIMARY KEY,
		acknowledged_at DATETIME NOT NULL
	);

	-- Heartbeat attempts
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_type TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		sync_id TEXT,
		server_timestamp TEXT,
		mode TEXT NOT NULL,
		suggestions INTEGER DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_success ON sync_log(success, started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Settings Operations ---

// GetSetting returns a setting value and whether it exists
func (db *DB) GetSetting(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting inserts or updates a setting
func (db *DB) SetSetting(key, value string) error {
	return db.setSettings(map[string]string{key: value})
}

func (db *DB) setSettings(values map[string]string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := db.now().UTC()
	for key, value := range values {
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	_, err := db.conn.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// GetAllSettings retrieves all settings ordered by key
func (db *DB) GetAllSettings() ([]*Setting, error) {
	rows, err := db.conn.Query("SELECT key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		s := &Setting{}
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

func (db *DB) intSetting(key string, fallback int) (int, error) {
	value, ok, err := db.GetSetting(key)
	if err != nil || !ok {
		return fallback, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

// --- Mode Operations ---

// SaveMode persists the current mode
func (db *DB) SaveMode(m protocol.Mode, reason string) error {
	return db.setSettings(map[string]string{
		KeyMode:          string(m),
		KeyModeReason:    reason,
		KeyModeChangedAt: db.now().UTC().Format(time.RFC3339),
	})
}

// SaveIntervals persists the per-mode heartbeat intervals
func (db *DB) SaveIntervals(normalMinutes, emergencyMinutes int) error {
	return db.setSettings(map[string]string{
		KeyNormalInterval:    strconv.Itoa(normalMinutes),
		KeyEmergencyInterval: strconv.Itoa(emergencyMinutes),
	})
}

// LoadModeState restores the persisted mode state, falling back to
// defaults for anything missing or unreadable.
func (db *DB) LoadModeState() (mode.State, error) {
	state := mode.DefaultState()

	value, ok, err := db.GetSetting(KeyMode)
	if err != nil {
		return state, err
	}
	if ok {
		if m, err := protocol.ParseMode(value); err == nil {
			state.Mode = m
		}
	}

	if state.NormalIntervalMinutes, err = db.intSetting(KeyNormalInterval, mode.DefaultIntervalMinutes); err != nil {
		return state, err
	}
	if state.EmergencyIntervalMinutes, err = db.intSetting(KeyEmergencyInterval, mode.DefaultIntervalMinutes); err != nil {
		return state, err
	}
	if state.NormalIntervalMinutes < 1 {
		state.NormalIntervalMinutes = mode.DefaultIntervalMinutes
	}
	if state.EmergencyIntervalMinutes < 1 {
		state.EmergencyIntervalMinutes = mode.DefaultIntervalMinutes
	}
	return state, nil
}

// --- Device Operations ---

// EnsureDeviceID returns the device id, preferring configured, then the
// persisted one, then a newly generated UUID which is persisted.
func (db *DB) EnsureDeviceID(configured string) (string, error) {
	if configured != "" {
		return configured, db.SetSetting(KeyDeviceID, configured)
	}
	id, ok, err := db.GetSetting(KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := db.SetSetting(KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// EmergencyContactsCount returns the number of registered emergency contacts
func (db *DB) EmergencyContactsCount() (int, error) {
	return db.intSetting(KeyEmergencyContactsCount, 0)
}

// --- Reset Operations ---

// MarkResetPending flags the next heartbeat to reset server-side history
func (db *DB) MarkResetPending() error {
	return db.SetSetting(KeyResetHistoryPending, "1")
}

// ResetPending reports whether a history reset awaits sending
func (db *DB) ResetPending() (bool, error) {
	value, _, err := db.GetSetting(KeyResetHistoryPending)
	return value == "1", err
}

// ClearResetPending clears the history reset flag
func (db *DB) ClearResetPending() error {
	return db.DeleteSetting(KeyResetHistoryPending)
}

// --- Statistics ---

// GetStats returns table counts
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		dest  *int
		query string
	}{
		{&s.Suggestions, "SELECT COUNT(*) FROM suggestions"},
		{&s.NormalSuggestions, "SELECT COUNT(*) FROM suggestions WHERE mode = 'normal'"},
		{&s.EmergencySuggestions, "SELECT COUNT(*) FROM suggestions WHERE mode = 'emergency'"},
		{&s.AcknowledgedTypes, "SELECT COUNT(*) FROM acknowledged_types"},
		{&s.Syncs, "SELECT COUNT(*) FROM sync_log"},
		{&s.FailedSyncs, "SELECT COUNT(*) FROM sync_log WHERE success = 0"},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
