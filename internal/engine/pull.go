package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apstic/recsync/internal/capture"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/txlog"
)

// SyncDown fetches up to batchSize foreign-origin entries past the
// local watermark from the master and applies them to the local record
// store. Child-only.
//
// The watermark only advances past entries that applied cleanly or are
// permanently unapplicable. A transient apply failure stops the batch
// so the same entry is re-fetched on the next run; entries are never
// silently lost to a crash mid-batch because the watermark trails the
// last durable apply.
func (e *Engine) SyncDown(ctx context.Context, batchSize int) *Result {
	if err := e.childOnly("sync-down"); err != nil {
		return errorResult("down", err.Error())
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	deviceID, err := e.identity.DeviceID(ctx)
	if err != nil {
		return errorResult("down", fmt.Sprintf("resolve device id: %v", err))
	}

	watermark, err := e.log.Watermark(ctx)
	if err != nil {
		return errorResult("down", fmt.Sprintf("read watermark: %v", err))
	}

	entries, err := e.remote.ListLogSince(ctx, deviceID, watermark, batchSize)
	if err != nil {
		return errorResult("down", fmt.Sprintf("fetch master log: %v", err))
	}

	res := &Result{Status: StatusSuccess, Direction: "down", Total: len(entries)}
	if len(entries) == 0 {
		res.Message = "no changes to sync down"
		return res
	}

	// Applying a remote mutation must not be re-captured into the local
	// log, or every pull would echo straight back up.
	applyCtx := capture.Suppress(ctx)

	advance := watermark
	for _, entry := range entries {
		if ctx.Err() != nil {
			res.Message = "sync interrupted: " + ctx.Err().Error()
			break
		}

		err := e.applyRemote(applyCtx, entry)
		switch {
		case err == nil:
			res.Synced++
			advance = entry.Timestamp

		case IsPermanentApply(err):
			res.Skipped++
			res.Errors = append(res.Errors, EntryError{Log: entry.LogID, Error: err.Error()})
			e.logger.Warn("remote entry permanently unapplicable, skipping",
				"log", entry.LogID, "record", entry.RecordType+"/"+entry.RecordID, "error", err)
			advance = entry.Timestamp

		default:
			// Transient: hold the watermark here so this entry is the
			// first one re-fetched next run.
			res.Failed++
			res.Errors = append(res.Errors, EntryError{Log: entry.LogID, Error: err.Error()})
			e.logger.Warn("apply failed, will retry",
				"log", entry.LogID, "record", entry.RecordType+"/"+entry.RecordID, "error", err)
		}
		if res.Failed > 0 {
			break
		}
	}

	if advance > watermark {
		if err := e.log.AdvanceWatermark(ctx, advance); err != nil {
			res.Status = StatusError
			res.Message = fmt.Sprintf("advance watermark: %v", err)
		}
	}
	return res
}

// applyRemote applies one master log entry to the local store. Errors
// are classified: permanent ones (unknown type, unparseable snapshot)
// let the watermark advance, transient ones block it.
func (e *Engine) applyRemote(ctx context.Context, entry txlog.Entry) error {
	allowed, err := e.local.AllowedFields(entry.RecordType)
	if err != nil {
		if errors.Is(err, record.ErrUnknownType) {
			return newApplyError(entry.LogID, true, err)
		}
		return newApplyError(entry.LogID, false, err)
	}

	snap, err := e.pullSnapshot(entry, allowed)
	if err != nil {
		return err
	}

	exists, err := e.local.Exists(ctx, entry.RecordType, entry.RecordID)
	if err != nil {
		return newApplyError(entry.LogID, false, err)
	}

	switch entry.Operation {
	case txlog.OpCreate, txlog.OpUpdate, txlog.OpAmend:
		return e.upsertLocal(ctx, entry, snap, exists)

	case txlog.OpSubmit:
		if !exists {
			if err := e.local.Insert(ctx, snap); err != nil {
				return newApplyError(entry.LogID, false, err)
			}
		}
		if err := e.local.SetLifecycle(ctx, entry.RecordType, entry.RecordID, record.LifecycleSubmitted); err != nil {
			return newApplyError(entry.LogID, false, err)
		}

	case txlog.OpCancel:
		// Cancelling a record this node never had is a no-op.
		if exists {
			if err := e.local.SetLifecycle(ctx, entry.RecordType, entry.RecordID, record.LifecycleCancelled); err != nil {
				return newApplyError(entry.LogID, false, err)
			}
		}

	case txlog.OpDelete:
		// Deleting an absent record is a no-op, not an error.
		if exists {
			if err := e.local.Delete(ctx, entry.RecordType, entry.RecordID); err != nil && !errors.Is(err, record.ErrNotFound) {
				return newApplyError(entry.LogID, false, err)
			}
		}

	default:
		return newApplyError(entry.LogID, true, fmt.Errorf("unknown operation %q", entry.Operation))
	}

	return nil
}

// upsertLocal merges a remote mutation into the local store, inserting
// when the record is absent. Re-applying the same entry is idempotent.
func (e *Engine) upsertLocal(ctx context.Context, entry txlog.Entry, snap *record.Record, exists bool) error {
	if exists {
		if err := e.local.Update(ctx, snap); err != nil {
			return newApplyError(entry.LogID, false, err)
		}
		return nil
	}
	if err := e.local.Insert(ctx, snap); err != nil {
		// A concurrent writer may have inserted between the existence
		// probe and here; merge instead.
		if errors.Is(err, record.ErrExists) {
			if uerr := e.local.Update(ctx, snap); uerr != nil {
				return newApplyError(entry.LogID, false, uerr)
			}
			return nil
		}
		return newApplyError(entry.LogID, false, err)
	}
	return nil
}

// pullSnapshot decodes and filters the entry snapshot for operations
// that carry one. Cancel and delete need no snapshot; for the rest a
// missing or unparseable snapshot is permanent.
func (e *Engine) pullSnapshot(entry txlog.Entry, allowed []string) (*record.Record, error) {
	switch entry.Operation {
	case txlog.OpCancel, txlog.OpDelete:
		return nil, nil
	}

	if entry.Snapshot == "" {
		return nil, newApplyError(entry.LogID, true,
			fmt.Errorf("%s entry has no snapshot", entry.Operation))
	}
	var snap record.Record
	if err := json.Unmarshal([]byte(entry.Snapshot), &snap); err != nil {
		return nil, newApplyError(entry.LogID, true, fmt.Errorf("decode snapshot: %w", err))
	}

	snap.Type = entry.RecordType
	snap.ID = entry.RecordID
	snap.Fields = record.FilterAllowed(snap.Fields, allowed)
	if snap.Lifecycle == "" {
		snap.Lifecycle = record.LifecycleDraft
	}
	return &snap, nil
}
