package storage

import (
	"context"
	"database/sql"
	"time"
)

// --- Sync Log Operations ---

// InsertSyncRecord records a heartbeat attempt
func (db *DB) InsertSyncRecord(ctx context.Context, r *SyncRecord) (int64, error) {
	query := `INSERT INTO sync_log
		(trigger_type, started_at, duration_ms, success, sync_id, server_timestamp, mode, suggestions, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query, r.Trigger, r.StartedAt.UTC(), r.Duration.Milliseconds(),
		r.Success, nullString(r.SyncID), nullString(r.ServerTimestamp), r.Mode, r.Suggestions, nullString(r.Error))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRecentSyncs returns the latest heartbeat attempts, newest first
func (db *DB) GetRecentSyncs(ctx context.Context, limit int) ([]*SyncRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, trigger_type, started_at, duration_ms, success, sync_id,
		server_timestamp, mode, suggestions, error
		FROM sync_log ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetLastSuccessfulSync returns the latest successful heartbeat, or nil
func (db *DB) GetLastSuccessfulSync(ctx context.Context) (*SyncRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, trigger_type, started_at, duration_ms, success, sync_id,
		server_timestamp, mode, suggestions, error
		FROM sync_log WHERE success = 1 ORDER BY started_at DESC, id DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSyncRecord(rows)
}

// PruneSyncLog removes attempts started before cutoff
func (db *DB) PruneSyncLog(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM sync_log WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSyncRecord(rows *sql.Rows) (*SyncRecord, error) {
	r := &SyncRecord{}
	var durationMS int64
	var syncID, serverTS, errMsg sql.NullString
	if err := rows.Scan(&r.ID, &r.Trigger, &r.StartedAt, &durationMS, &r.Success, &syncID,
		&serverTS, &r.Mode, &r.Suggestions, &errMsg); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.SyncID = syncID.String
	r.ServerTimestamp = serverTS.String
	r.Error = errMsg.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
