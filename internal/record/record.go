package record

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lifecycle is the workflow state of a record.
type Lifecycle string

const (
	LifecycleDraft     Lifecycle = "draft"
	LifecycleSubmitted Lifecycle = "submitted"
	LifecycleCancelled Lifecycle = "cancelled"
)

// Record is a typed business record as seen by the sync engine.
//
// The engine never owns records - it reads and writes them through the
// Store interface provided by the host data-management layer. ID is
// unique per Type within a node at any instant, but two nodes may
// independently assign the same ID before they sync.
type Record struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Lifecycle  Lifecycle      `json:"lifecycle"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Clone returns a deep copy of the record. Field values are copied
// shallowly - the engine treats them as immutable.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound    = errors.New("record does not exist")
	ErrExists      = errors.New("record already exists")
	ErrUnknownType = errors.New("unknown record type")
)

// Store is the contract the host record store must satisfy.
//
// All mutating calls carry a context so the capture layer can detect
// sync-induced mutations (see internal/capture) and so callers can
// cancel blocking implementations.
type Store interface {
	Exists(ctx context.Context, recordType, id string) (bool, error)
	Get(ctx context.Context, recordType, id string) (*Record, error)

	// Insert creates a new record under rec.ID. Returns ErrExists if the
	// (type, id) slot is taken. CreatedAt/ModifiedAt are assigned by the
	// store when zero.
	Insert(ctx context.Context, rec *Record) error

	// Update merges rec.Fields into the stored record and bumps
	// ModifiedAt. Returns ErrNotFound if absent.
	Update(ctx context.Context, rec *Record) error

	Delete(ctx context.Context, recordType, id string) error

	// Rename moves a record to a new ID, updating all local references.
	// The new ID must be free.
	Rename(ctx context.Context, recordType, oldID, newID string) error

	// SetLifecycle transitions the workflow state of an existing record.
	SetLifecycle(ctx context.Context, recordType, id string, state Lifecycle) error

	// AllowedFields returns the explicit field allowlist for a type.
	// Returns ErrUnknownType for types the store has no schema for.
	AllowedFields(recordType string) ([]string, error)
}

// auditFields are identity and audit metadata that must never be
// replicated verbatim - they are controlled by each local store.
var auditFields = map[string]struct{}{
	"id":          {},
	"created_at":  {},
	"modified_at": {},
	"modified_by": {},
	"owner":       {},
}

// FilterAllowed returns the subset of fields present in the allowlist,
// always dropping identity/audit metadata regardless of the allowlist.
func FilterAllowed(fields map[string]any, allowed []string) map[string]any {
	set := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		set[f] = struct{}{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, audit := auditFields[k]; audit {
			continue
		}
		if _, ok := set[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ValidLifecycle reports whether s is a recognized lifecycle state.
func ValidLifecycle(s Lifecycle) bool {
	switch s {
	case LifecycleDraft, LifecycleSubmitted, LifecycleCancelled:
		return true
	}
	return false
}

// ParseLifecycle converts a wire value to a Lifecycle, defaulting to
// draft for empty input.
func ParseLifecycle(s string) (Lifecycle, error) {
	if s == "" {
		return LifecycleDraft, nil
	}
	lc := Lifecycle(s)
	if !ValidLifecycle(lc) {
		return "", fmt.Errorf("invalid lifecycle state %q", s)
	}
	return lc, nil
}
