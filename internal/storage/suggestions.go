package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

const suggestionColumns = `id, type, kind, content, priority, action_query, action_display_text,
	action_data, mode, source, created_at, received_at, expires_at`

// --- Suggestion Operations ---

// InsertSuggestions stores suggestions in one transaction. An id already
// present is replaced.
func (db *DB) InsertSuggestions(ctx context.Context, list []*suggestion.Suggestion) error {
	if len(list) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			priority = excluded.priority,
			action_query = excluded.action_query,
			action_display_text = excluded.action_display_text,
			action_data = excluded.action_data,
			mode = excluded.mode,
			received_at = excluded.received_at,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range list {
		data, err := json.Marshal(s.ActionData)
		if err != nil {
			return fmt.Errorf("failed to encode action data of %s: %w", s.ID, err)
		}
		var expires sql.NullTime
		if s.ExpiresAt != nil {
			expires = sql.NullTime{Time: s.ExpiresAt.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, s.ID, s.Type, s.Kind, s.Content, string(s.Priority),
			s.ActionQuery, s.ActionDisplayText, string(data), string(s.Mode), string(s.Source),
			s.CreatedAt.UTC(), s.ReceivedAt.UTC(), expires); err != nil {
			return fmt.Errorf("failed to insert suggestion %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// GetSuggestions returns held suggestions, newest first. limit <= 0 returns
// all of them.
func (db *DB) GetSuggestions(ctx context.Context, limit int) ([]*suggestion.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions ORDER BY received_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*suggestion.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanSuggestion(rows *sql.Rows) (*suggestion.Suggestion, error) {
	s := &suggestion.Suggestion{}
	var priority, m, source string
	var actionQuery, displayText, actionData sql.NullString
	var expires sql.NullTime
	if err := rows.Scan(&s.ID, &s.Type, &s.Kind, &s.Content, &priority, &actionQuery, &displayText,
		&actionData, &m, &source, &s.CreatedAt, &s.ReceivedAt, &expires); err != nil {
		return nil, err
	}
	s.Priority = protocol.Priority(priority)
	s.Mode = protocol.Mode(m)
	s.Source = suggestion.Source(source)
	s.ActionQuery = actionQuery.String
	s.ActionDisplayText = displayText.String
	if actionData.Valid && actionData.String != "" && actionData.String != "null" {
		if err := json.Unmarshal([]byte(actionData.String), &s.ActionData); err != nil {
			return nil, fmt.Errorf("failed to decode action data of %s: %w", s.ID, err)
		}
	}
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	return s, nil
}

// RecentTypes returns the latest receipt time per type for suggestions
// received at or after since.
func (db *DB) RecentTypes(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT type, received_at FROM suggestions WHERE received_at >= ?", since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recent := make(map[string]time.Time)
	for rows.Next() {
		var t string
		var at time.Time
		if err := rows.Scan(&t, &at); err != nil {
			return nil, err
		}
		if last, ok := recent[t]; !ok || at.After(last) {
			recent[t] = at
		}
	}
	return recent, rows.Err()
}

// DeleteSuggestionsByMode removes suggestions tagged with the given mode
func (db *DB) DeleteSuggestionsByMode(ctx context.Context, m protocol.Mode) (int, error) {
	return db.deleteSuggestions(ctx, "DELETE FROM suggestions WHERE mode = ?", string(m))
}

// DeleteExpiredSuggestions removes suggestions whose expiry is at or before now
func (db *DB) DeleteExpiredSuggestions(ctx context.Context, now time.Time) (int, error) {
	return db.deleteSuggestions(ctx,
		"DELETE FROM suggestions WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UTC())
}

// ClearSuggestions removes every suggestion
func (db *DB) ClearSuggestions(ctx context.Context) (int, error) {
	return db.deleteSuggestions(ctx, "DELETE FROM suggestions")
}

func (db *DB) deleteSuggestions(ctx context.Context, query string, args ...any) (int, error) {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// --- Acknowledgement Operations ---

// AcknowledgeType records that the user acknowledged a suggestion type
func (db *DB) AcknowledgeType(ctx context.Context, suggestionType string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO acknowledged_types (type, acknowledged_at) VALUES (?, ?)
		ON CONFLICT(type) DO UPDATE SET acknowledged_at = excluded.acknowledged_at
	`, suggestionType, at.UTC())
	return err
}

// PendingAcknowledgements returns acknowledged types not yet reported
func (db *DB) PendingAcknowledgements(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT type FROM acknowledged_types ORDER BY acknowledged_at, type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// ClearAcknowledgements removes the given types unless they were
// acknowledged again after before.
func (db *DB) ClearAcknowledgements(ctx context.Context, types []string, before time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range types {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM acknowledged_types WHERE type = ? AND acknowledged_at <= ?", t, before.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}
