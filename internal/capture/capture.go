// Package capture turns record lifecycle events into transaction log
// entries.
//
// Capture is best-effort relative to the primary write: a failure to
// log a change is reported to the operational log and dropped, never
// propagated to the business operation that triggered it.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apstic/recsync/internal/device"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/txlog"
)

// alwaysExcluded are the engine's own bookkeeping types. Capturing
// them would make the log describe itself.
var alwaysExcluded = []string{
	"SyncTransactionLog",
	"SyncConfiguration",
}

// Capturer subscribes to record store change hooks and appends one
// log entry per lifecycle event.
type Capturer struct {
	log      *txlog.Store
	identity *device.Identity
	excluded map[string]struct{}
	logger   *slog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// New creates a Capturer. excludedTypes extends the built-in exclusion
// set with host-specific noise types (sessions, audit logs, queues).
func New(log *txlog.Store, identity *device.Identity, excludedTypes []string, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	excluded := make(map[string]struct{}, len(excludedTypes)+len(alwaysExcluded))
	for _, t := range alwaysExcluded {
		excluded[t] = struct{}{}
	}
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &Capturer{
		log:      log,
		identity: identity,
		excluded: excluded,
		logger:   logger,
		now:      time.Now,
	}
}

// Capture is a record.ChangeHook. It writes exactly one entry per
// event, unless the type is excluded or the context is suppressed
// (the mutation was made by the sync engine itself).
func (c *Capturer) Capture(ctx context.Context, event string, rec *record.Record) {
	if _, ok := c.excluded[rec.Type]; ok {
		return
	}
	if Suppressed(ctx) {
		return
	}

	op := MapEvent(event)

	snapshot, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("failed to capture change: serialize snapshot",
			"record_type", rec.Type, "record_id", rec.ID, "error", err)
		return
	}

	origin := Origin(ctx)
	if origin == "" {
		origin, err = c.identity.DeviceID(ctx)
		if err != nil {
			c.logger.Error("failed to capture change: resolve device id",
				"record_type", rec.Type, "record_id", rec.ID, "error", err)
			return
		}
	}

	entry := txlog.Entry{
		LogID:          uuid.NewString(),
		Timestamp:      c.now().UnixNano(),
		RecordType:     rec.Type,
		RecordID:       rec.ID,
		Operation:      op,
		Snapshot:       string(snapshot),
		OriginDeviceID: origin,
	}
	if err := c.log.Append(ctx, entry); err != nil {
		c.logger.Error("failed to capture change: append entry",
			"record_type", rec.Type, "record_id", rec.ID, "operation", op, "error", err)
	}
}

// MapEvent converts a lifecycle event name to a log operation. The
// before_/after_ prefix is dropped; unrecognized events are treated
// as updates.
func MapEvent(event string) txlog.Operation {
	event = strings.TrimPrefix(event, "after_")
	event = strings.TrimPrefix(event, "before_")

	switch event {
	case "insert":
		return txlog.OpCreate
	case "save":
		return txlog.OpUpdate
	case "submit":
		return txlog.OpSubmit
	case "amend":
		return txlog.OpAmend
	case "cancel":
		return txlog.OpCancel
	case "delete":
		return txlog.OpDelete
	default:
		return txlog.OpUpdate
	}
}
