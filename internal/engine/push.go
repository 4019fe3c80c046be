package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apstic/recsync/internal/collision"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/remote"
	"github.com/apstic/recsync/internal/txlog"
)

// SyncUp pushes up to batchSize own-origin pending/failed entries to
// the master, in capture order. Child-only.
//
// Success marks an entry synced with its authoritative remote id.
// Failure increments the attempt counter and classifies: permanent
// errors become skipped (never retried), transient errors become
// failed (retried until the attempt ceiling).
func (e *Engine) SyncUp(ctx context.Context, batchSize int) *Result {
	if err := e.childOnly("sync-up"); err != nil {
		return errorResult("up", err.Error())
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	deviceID, err := e.identity.DeviceID(ctx)
	if err != nil {
		return errorResult("up", fmt.Sprintf("resolve device id: %v", err))
	}

	entries, err := e.log.ListPendingFor(ctx, deviceID, e.maxAttempts, batchSize)
	if err != nil {
		return errorResult("up", fmt.Sprintf("list pending entries: %v", err))
	}

	res := &Result{Status: StatusSuccess, Direction: "up", Total: len(entries)}
	if len(entries) == 0 {
		res.Message = "no changes to sync up"
		return res
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			res.Message = "sync interrupted: " + ctx.Err().Error()
			break
		}

		remoteID, err := e.pushEntry(ctx, entry, res)
		if err != nil {
			e.recordPushFailure(ctx, entry, err, res)
			continue
		}

		won, err := e.log.MarkSynced(ctx, entry.LogID, remoteID)
		if err != nil {
			e.logger.Error("mark synced", "log", entry.LogID, "error", err)
			continue
		}
		if won {
			res.Synced++
		}
	}
	return res
}

// lastRemoteID returns the id a record moved to when a collision
// earlier in this batch renamed it, else the captured id.
func (r *Result) lastRemoteID(entry txlog.Entry) string {
	for _, ren := range r.CollisionsRenamed {
		if ren.RecordType == entry.RecordType && ren.OriginalID == entry.RecordID {
			return ren.RenamedTo
		}
	}
	return entry.RecordID
}

// renamedTarget redirects an entry that still carries a pre-rename id
// to the id the record actually lives under: renames earlier in this
// batch are tracked on the Result, renames from earlier runs are read
// back from the log. Creates are never redirected - a fresh record
// reusing a renamed-away id is a new identity, not a follow-up.
func (e *Engine) renamedTarget(ctx context.Context, entry txlog.Entry, res *Result) (string, error) {
	if id := res.lastRemoteID(entry); id != entry.RecordID {
		return id, nil
	}
	if entry.Operation == txlog.OpCreate {
		return entry.RecordID, nil
	}
	renamed, err := e.log.RenamedTo(ctx, entry.RecordType, entry.RecordID)
	if err != nil {
		return "", fmt.Errorf("look up renamed id for %s/%s: %w", entry.RecordType, entry.RecordID, err)
	}
	if renamed != "" {
		return renamed, nil
	}
	return entry.RecordID, nil
}

// recordPushFailure applies the error taxonomy to a failed entry.
func (e *Engine) recordPushFailure(ctx context.Context, entry txlog.Entry, pushErr error, res *Result) {
	attempt := entry.AttemptCount + 1

	if remote.Permanent(pushErr) {
		if _, err := e.log.MarkSkipped(ctx, entry.LogID, pushErr.Error()); err != nil {
			e.logger.Error("mark skipped", "log", entry.LogID, "error", err)
		}
		res.Skipped++
		e.logger.Warn("entry permanently unsyncable, skipping",
			"log", entry.LogID, "record", entry.RecordType+"/"+entry.RecordID, "error", pushErr)
	} else {
		n, err := e.log.MarkFailed(ctx, entry.LogID, pushErr.Error())
		if err != nil {
			e.logger.Error("mark failed", "log", entry.LogID, "error", err)
		} else {
			attempt = n
		}
		res.Failed++
	}

	res.Errors = append(res.Errors, EntryError{
		Log:     entry.LogID,
		Error:   pushErr.Error(),
		Attempt: attempt,
	})
}

// pushEntry replays one entry onto the master and returns the
// authoritative remote id it landed under.
func (e *Engine) pushEntry(ctx context.Context, entry txlog.Entry, res *Result) (string, error) {
	snap := e.decodeSnapshot(entry)

	// Follow a collision rename: entries captured before the rename
	// still carry the old id and must target the record's new identity.
	target, err := e.renamedTarget(ctx, entry, res)
	if err != nil {
		return "", err
	}
	if target != entry.RecordID {
		entry.RecordID = target
		if snap != nil {
			snap.ID = target
		}
	}

	decision, err := e.resolveTarget(ctx, entry, snap)
	if err != nil {
		return "", err
	}

	finalID := decision.FinalID
	if decision.Renamed {
		res.CollisionsRenamed = append(res.CollisionsRenamed, Rename{
			RecordType: entry.RecordType,
			OriginalID: entry.RecordID,
			RenamedTo:  finalID,
		})
		if snap != nil {
			snap.ID = finalID
		}
	}

	switch entry.Operation {
	case txlog.OpCreate:
		if snap == nil {
			return "", fmt.Errorf("create %s/%s: entry has no snapshot", entry.RecordType, entry.RecordID)
		}
		// A re-delivered create against an already-synced record is
		// replayed as an update rather than failing.
		if decision.RemoteExists {
			if err := e.remote.Update(ctx, entry.RecordType, finalID, snap.Fields); err != nil {
				return "", err
			}
			res.Stats.Updated++
		} else {
			if err := e.remote.Create(ctx, snap); err != nil {
				return "", err
			}
			res.Stats.Created++
		}

	case txlog.OpUpdate, txlog.OpAmend:
		if decision.RemoteExists {
			if snap == nil {
				return "", fmt.Errorf("update %s/%s: entry has no snapshot", entry.RecordType, entry.RecordID)
			}
			if err := e.remote.Update(ctx, entry.RecordType, finalID, snap.Fields); err != nil {
				return "", err
			}
			res.Stats.Updated++
		} else {
			// The log snapshot may describe a diff-style mutation that
			// cannot reconstruct a whole record; fetch the full current
			// local record before creating remotely.
			full, err := e.fullLocalRecord(ctx, entry.RecordType, finalID, snap)
			if err != nil {
				return "", err
			}
			if err := e.remote.Create(ctx, full); err != nil {
				return "", err
			}
			res.Stats.Created++
		}

	case txlog.OpSubmit:
		if !decision.RemoteExists {
			if snap == nil {
				return "", fmt.Errorf("submit %s/%s: entry has no snapshot", entry.RecordType, entry.RecordID)
			}
			if err := e.remote.Create(ctx, snap); err != nil {
				return "", err
			}
			res.Stats.Created++
		}
		if err := e.remote.Action(ctx, entry.RecordType, finalID, remote.ActionSubmit); err != nil {
			return "", err
		}
		res.Stats.Submitted++

	case txlog.OpCancel:
		// Cancelling a record that never reached the master is a no-op.
		if decision.RemoteExists {
			if err := e.remote.Action(ctx, entry.RecordType, finalID, remote.ActionCancel); err != nil {
				return "", err
			}
		}

	case txlog.OpDelete:
		if decision.RemoteExists {
			if err := e.remote.Delete(ctx, entry.RecordType, finalID); err != nil {
				return "", err
			}
		}

	default:
		return "", fmt.Errorf("unknown operation %q on entry %s", entry.Operation, entry.LogID)
	}

	return finalID, nil
}

// decodeSnapshot parses the entry snapshot, returning nil when the
// entry carries none or it cannot be parsed - callers that require a
// snapshot fall back to the full local record or fail explicitly.
func (e *Engine) decodeSnapshot(entry txlog.Entry) *record.Record {
	if entry.Snapshot == "" {
		return nil
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(entry.Snapshot), &rec); err != nil {
		e.logger.Warn("unparseable entry snapshot",
			"log", entry.LogID, "record", entry.RecordType+"/"+entry.RecordID, "error", err)
		return nil
	}
	if rec.Type == "" {
		rec.Type = entry.RecordType
	}
	if rec.ID == "" {
		rec.ID = entry.RecordID
	}
	return &rec
}

// resolveTarget runs collision resolution when a snapshot (and hence a
// comparable creation time) exists, and falls back to a bare existence
// probe otherwise.
func (e *Engine) resolveTarget(ctx context.Context, entry txlog.Entry, snap *record.Record) (collision.Decision, error) {
	if snap != nil {
		return e.resolver.Resolve(ctx, entry.RecordType, entry.RecordID, snap.CreatedAt)
	}
	exists, err := e.remote.Exists(ctx, entry.RecordType, entry.RecordID)
	if err != nil {
		return collision.Decision{}, err
	}
	return collision.Decision{FinalID: entry.RecordID, RemoteExists: exists}, nil
}

// fullLocalRecord fetches the current local record for a push-create,
// falling back to the log snapshot if the record has since been
// deleted locally.
func (e *Engine) fullLocalRecord(ctx context.Context, recordType, id string, snap *record.Record) (*record.Record, error) {
	rec, err := e.local.Get(ctx, recordType, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("load local %s/%s: %w", recordType, id, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("update %s/%s: record missing locally and entry has no snapshot", recordType, id)
	}
	return snap, nil
}
