package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// State keys persisted in node_state.
const (
	StateKeyDeviceID     = "device_id"
	StateKeyLastDownSync = "last_down_sync"
)

// Append inserts a captured entry with pending status and zero
// attempts. Uses ON CONFLICT(log_id) DO NOTHING for idempotency -
// a re-delivered capture of the same entry is silently ignored.
func (s *Store) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log
		(log_id, timestamp, record_type, record_id, operation, snapshot, origin_device_id, sync_status, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0)
		ON CONFLICT(log_id) DO NOTHING
	`,
		e.LogID,
		e.Timestamp,
		e.RecordType,
		e.RecordID,
		string(e.Operation),
		e.Snapshot,
		e.OriginDeviceID,
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// MarkSynced transitions an entry to synced, records the authoritative
// remote id, and clears any stale error message.
//
// The WHERE clause excludes terminal states so at most one terminal
// transition can ever win when two sync runs overlap on the same node.
// Returns true if this call performed the transition.
func (s *Store) MarkSynced(ctx context.Context, logID, remoteRecordID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET sync_status = 'synced', remote_record_id = ?, error_message = ''
		WHERE log_id = ? AND sync_status IN ('pending', 'failed')
	`, remoteRecordID, logID)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced: rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkFailed increments the attempt counter, stores the error message
// and sets failed status. Returns the new attempt count.
//
// The increment and the read run in one transaction so two overlapping
// push runs each see the attempt count their own increment produced.
func (s *Store) MarkFailed(ctx context.Context, logID, errMsg string) (int, error) {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark failed: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_log
		SET sync_status = 'failed', attempt_count = attempt_count + 1, error_message = ?
		WHERE log_id = ? AND sync_status IN ('pending', 'failed')
	`, errMsg, logID)
	if err != nil {
		return 0, fmt.Errorf("mark failed: %w", err)
	}

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count FROM sync_log WHERE log_id = ?`, logID,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("mark failed: read attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark failed: commit: %w", err)
	}
	return attempts, nil
}

// MarkSkipped transitions an entry to skipped - the terminal state for
// permanent remote errors. Skipped entries are never retried.
// Returns true if this call performed the transition.
func (s *Store) MarkSkipped(ctx context.Context, logID, errMsg string) (bool, error) {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET sync_status = 'skipped', attempt_count = attempt_count + 1, error_message = ?
		WHERE log_id = ? AND sync_status IN ('pending', 'failed')
	`, errMsg, logID)
	if err != nil {
		return false, fmt.Errorf("mark skipped: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark skipped: rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetFailed moves failed entries below the attempt ceiling back to
// pending so the next push run picks them up. Skipped entries and
// failed entries at or above the ceiling are left untouched.
// Returns the number of entries reset.
func (s *Store) ResetFailed(ctx context.Context, maxAttempts, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET sync_status = 'pending'
		WHERE log_id IN (
			SELECT log_id FROM sync_log
			WHERE sync_status = 'failed' AND attempt_count < ?
			ORDER BY timestamp ASC, log_id ASC
			LIMIT ?
		)
	`, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed: rows affected: %w", err)
	}
	return int(n), nil
}

// SetState stores a node state value under the given key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// GetState returns a node state value, or "" if the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM node_state WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// Watermark returns the last-down-sync watermark in unix nanoseconds,
// or 0 if no pull has completed yet.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	raw, err := s.GetState(ctx, StateKeyLastDownSync)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	var ts int64
	if _, err := fmt.Sscanf(raw, "%d", &ts); err != nil {
		return 0, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return ts, nil
}

// AdvanceWatermark raises the watermark to ts. A value at or below the
// current watermark is a no-op, keeping the cursor monotonic even when
// two overlapping pull runs finish out of order.
func (s *Store) AdvanceWatermark(ctx context.Context, ts int64) error {
	current, err := s.Watermark(ctx)
	if err != nil {
		return err
	}
	if ts <= current {
		return nil
	}
	return s.SetState(ctx, StateKeyLastDownSync, fmt.Sprintf("%d", ts))
}
