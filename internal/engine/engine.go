// Package engine implements the push and pull replicators.
//
// A sync run processes log entries strictly in timestamp order, one at
// a time - ordering determines whether a later update sees the record
// created by an earlier create in the same batch. Runs tolerate being
// invoked concurrently by two schedulers: the log's per-entry status
// transition is the sole serialization point, and pull apply is
// idempotent, so overlapping runs are safe rather than forbidden.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apstic/recsync/internal/collision"
	"github.com/apstic/recsync/internal/device"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/txlog"
)

// DefaultBatchSize caps entries per sync call when the caller passes 0.
const DefaultBatchSize = 50

// DefaultMaxAttempts is the transient-failure retry ceiling.
const DefaultMaxAttempts = 3

// RemoteClient is the master API surface the engine consumes.
// *remote.Client satisfies it; tests may substitute a fake.
type RemoteClient interface {
	collision.RemoteAPI
	Create(ctx context.Context, rec *record.Record) error
	Update(ctx context.Context, recordType, id string, fields map[string]any) error
	Action(ctx context.Context, recordType, id, action string) error
	Delete(ctx context.Context, recordType, id string) error
	ListLogSince(ctx context.Context, excludeOrigin string, since int64, limit int) ([]txlog.Entry, error)
}

// Options wires an Engine.
type Options struct {
	Log      *txlog.Store
	Local    record.Store
	Remote   RemoteClient
	Identity *device.Identity
	Logger   *slog.Logger

	// IsMaster disables the child-only entry points.
	IsMaster bool

	// MaxAttempts is the retry ceiling; 0 means DefaultMaxAttempts.
	MaxAttempts int

	// CollisionPolicy defaults to collision.PolicyRename.
	CollisionPolicy collision.Policy
}

// Engine exposes the sync entry points. All methods return structured
// results; no internal failure propagates as a Go error to callers.
type Engine struct {
	log         *txlog.Store
	local       record.Store
	remote      RemoteClient
	identity    *device.Identity
	resolver    *collision.Resolver
	logger      *slog.Logger
	isMaster    bool
	maxAttempts int
}

// New creates an engine. Returns an error only for invalid wiring
// (nil stores, unknown collision policy) - runtime failures are
// reported through Results.
func New(opts Options) (*Engine, error) {
	if opts.Log == nil || opts.Local == nil || opts.Identity == nil {
		return nil, fmt.Errorf("engine: log, local store and identity are required")
	}
	if !opts.IsMaster && opts.Remote == nil {
		return nil, fmt.Errorf("engine: remote client is required on a child node")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var resolver *collision.Resolver
	if opts.Remote != nil {
		var err error
		resolver, err = collision.New(opts.CollisionPolicy, opts.Remote, opts.Local)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	return &Engine{
		log:         opts.Log,
		local:       opts.Local,
		remote:      opts.Remote,
		identity:    opts.Identity,
		resolver:    resolver,
		logger:      logger,
		isMaster:    opts.IsMaster,
		maxAttempts: maxAttempts,
	}, nil
}

// childOnly guards the entry points that must not run on the master.
func (e *Engine) childOnly(op string) error {
	if e.isMaster {
		return newConfigError(op + " runs only on a child node")
	}
	return nil
}

// SyncBidirectional runs a push followed by a pull.
func (e *Engine) SyncBidirectional(ctx context.Context) *BidirectionalResult {
	up := e.SyncUp(ctx, 0)
	down := e.SyncDown(ctx, 0)

	status := StatusSuccess
	if up.Status == StatusError || down.Status == StatusError {
		status = StatusError
	}
	return &BidirectionalResult{Status: status, SyncUp: up, SyncDown: down}
}

// Status reports true per-status log counts.
func (e *Engine) Status(ctx context.Context) *StatusReport {
	counts, err := e.log.StatusCounts(ctx)
	if err != nil {
		return &StatusReport{Status: StatusError, Message: err.Error()}
	}
	return &StatusReport{
		Status:  StatusSuccess,
		Pending: counts.Pending,
		Failed:  counts.Failed,
		Synced:  counts.Synced,
		Skipped: counts.Skipped,
	}
}

// PendingLogs returns a detailed view of entries that have not synced,
// capped at limit (DefaultBatchSize*2 when 0).
func (e *Engine) PendingLogs(ctx context.Context, limit int) ([]txlog.Entry, error) {
	if limit <= 0 {
		limit = DefaultBatchSize * 2
	}
	return e.log.ListUnsynced(ctx, limit)
}

// RetryFailed resets failed entries below the attempt ceiling back to
// pending and immediately re-runs the push. Skipped entries are never
// reset.
func (e *Engine) RetryFailed(ctx context.Context, limit int) *Result {
	if err := e.childOnly("retry"); err != nil {
		return errorResult("up", err.Error())
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	reset, err := e.log.ResetFailed(ctx, e.maxAttempts, limit)
	if err != nil {
		return errorResult("up", fmt.Sprintf("reset failed entries: %v", err))
	}
	e.logger.Info("reset failed entries for retry", "count", reset)

	return e.SyncUp(ctx, limit)
}
