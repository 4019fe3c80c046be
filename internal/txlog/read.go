package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const entryColumns = `log_id, timestamp, record_type, record_id, operation, snapshot,
	origin_device_id, sync_status, attempt_count, error_message, remote_record_id`

// ListPendingFor returns the push queue for a device: own-origin
// entries that are pending, or failed with attempts still below the
// ceiling. Ordered by timestamp ascending (log_id breaks ties) so
// replay preserves capture order, capped at limit.
func (s *Store) ListPendingFor(ctx context.Context, deviceID string, maxAttempts, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_log
		WHERE origin_device_id = ?
		  AND (sync_status = 'pending' OR (sync_status = 'failed' AND attempt_count < ?))
		ORDER BY timestamp ASC, log_id ASC
		LIMIT ?
	`, deviceID, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListForeignSince is the master-side pull query: entries that did not
// originate on deviceID with a timestamp past the watermark, ascending,
// capped at limit.
func (s *Store) ListForeignSince(ctx context.Context, deviceID string, watermark int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_log
		WHERE origin_device_id != ? AND timestamp > ?
		ORDER BY timestamp ASC, log_id ASC
		LIMIT ?
	`, deviceID, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("query foreign entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListUnsynced returns entries that have not reached the synced state,
// for operator inspection. Ordered by timestamp ascending.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_log
		WHERE sync_status != 'synced'
		ORDER BY timestamp ASC, log_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// Get retrieves a single entry by log id.
// Returns sql.ErrNoRows if not found.
func (s *Store) Get(ctx context.Context, logID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_log
		WHERE log_id = ?
	`, logID)

	var e Entry
	var op, status string
	err := row.Scan(
		&e.LogID, &e.Timestamp, &e.RecordType, &e.RecordID, &op, &e.Snapshot,
		&e.OriginDeviceID, &status, &e.AttemptCount, &e.ErrorMessage, &e.RemoteRecordID,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Operation = Operation(op)
	e.SyncStatus = Status(status)
	return e, nil
}

// RenamedTo returns the remote id a record last synced under when a
// collision rename moved it away from its captured id, or "" when no
// rename is on record. Later entries captured under the old id follow
// the record to its renamed identity through this lookup.
func (s *Store) RenamedTo(ctx context.Context, recordType, recordID string) (string, error) {
	var remoteID string
	err := s.db.QueryRowContext(ctx, `
		SELECT remote_record_id FROM sync_log
		WHERE record_type = ? AND record_id = ? AND sync_status = 'synced'
		  AND remote_record_id != '' AND remote_record_id != record_id
		ORDER BY timestamp DESC, log_id DESC
		LIMIT 1
	`, recordType, recordID).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query renamed id: %w", err)
	}
	return remoteID, nil
}

// Counts aggregates entry statuses for health reporting.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

// StatusCounts returns the true per-status totals so an operator can
// detect a stuck pipeline.
func (s *Store) StatusCounts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM sync_log GROUP BY sync_status
	`)
	if err != nil {
		return Counts{}, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan status count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusFailed:
			c.Failed = n
		case StatusSynced:
			c.Synced = n
		case StatusSkipped:
			c.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iterate status counts: %w", err)
	}
	return c, nil
}

// IsNotFound reports whether err means a missing log entry.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// collectEntries scans all rows into a slice, returning an empty slice
// (not nil) when no rows match.
func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var op, status string
		if err := rows.Scan(
			&e.LogID, &e.Timestamp, &e.RecordType, &e.RecordID, &op, &e.Snapshot,
			&e.OriginDeviceID, &status, &e.AttemptCount, &e.ErrorMessage, &e.RemoteRecordID,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Operation = Operation(op)
		e.SyncStatus = Status(status)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
