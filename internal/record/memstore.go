package record

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lifecycle event names delivered to change hooks. The names mirror
// the host platform's document hooks; the capture layer strips the
// before_/after_ prefix when mapping them to log operations.
const (
	EventAfterInsert  = "after_insert"
	EventAfterSave    = "after_save"
	EventAfterSubmit  = "after_submit"
	EventAfterAmend   = "after_amend"
	EventAfterCancel  = "after_cancel"
	EventBeforeDelete = "before_delete"
)

// ChangeHook receives a record lifecycle event. For EventBeforeDelete
// the hook fires before the record is removed so the full state is
// still readable; all other events fire after the mutation.
type ChangeHook func(ctx context.Context, event string, rec *Record)

// MemStore is an in-memory Store used by the master API server and by
// tests. Types must be registered with a field allowlist before any
// record of that type can be written.
type MemStore struct {
	mu      sync.RWMutex
	schemas map[string][]string
	records map[string]map[string]*Record
	hooks   []ChangeHook

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewMemStore creates an empty store with no registered types.
func NewMemStore() *MemStore {
	return &MemStore{
		schemas: make(map[string][]string),
		records: make(map[string]map[string]*Record),
		now:     time.Now,
	}
}

// RegisterSchema declares a record type and its field allowlist.
// Re-registering a type replaces its allowlist.
func (s *MemStore) RegisterSchema(recordType string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[recordType] = append([]string(nil), fields...)
	if _, ok := s.records[recordType]; !ok {
		s.records[recordType] = make(map[string]*Record)
	}
}

// OnChange subscribes a hook to record lifecycle events.
func (s *MemStore) OnChange(hook ChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// SetClock overrides the store's time source. Test helper.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) fire(ctx context.Context, event string, rec *Record) {
	// Hooks get a clone so a capture snapshot cannot alias live state.
	for _, h := range s.hooks {
		h(ctx, event, rec.Clone())
	}
}

// AllowedFields implements Store.
func (s *MemStore) AllowedFields(recordType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.schemas[recordType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, recordType)
	}
	return append([]string(nil), fields...), nil
}

// Exists implements Store.
func (s *MemStore) Exists(ctx context.Context, recordType, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.records[recordType]
	if !ok {
		return false, nil
	}
	_, ok = byID[id]
	return ok, nil
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, recordType, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordType][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Insert implements Store.
func (s *MemStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	if _, ok := s.schemas[rec.Type]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}
	if _, ok := s.records[rec.Type][rec.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", rec.Type, rec.ID, ErrExists)
	}

	stored := rec.Clone()
	if stored.Lifecycle == "" {
		stored.Lifecycle = LifecycleDraft
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.ModifiedAt = s.now()
	s.records[rec.Type][rec.ID] = stored
	snapshot := stored.Clone()
	s.mu.Unlock()

	s.fire(ctx, EventAfterInsert, snapshot)
	return nil
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	stored, ok := s.records[rec.Type][rec.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", rec.Type, rec.ID, ErrNotFound)
	}
	for k, v := range rec.Fields {
		stored.Fields[k] = v
	}
	stored.ModifiedAt = s.now()
	snapshot := stored.Clone()
	s.mu.Unlock()

	s.fire(ctx, EventAfterSave, snapshot)
	return nil
}

// Delete implements Store. Fires before_delete while the record is
// still present so hooks can snapshot it.
func (s *MemStore) Delete(ctx context.Context, recordType, id string) error {
	s.mu.Lock()
	stored, ok := s.records[recordType][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", recordType, id, ErrNotFound)
	}
	snapshot := stored.Clone()
	s.mu.Unlock()

	s.fire(ctx, EventBeforeDelete, snapshot)

	s.mu.Lock()
	delete(s.records[recordType], id)
	s.mu.Unlock()
	return nil
}

// Rename implements Store. Fires no lifecycle event: renames are only
// performed by the collision resolver under capture suppression.
func (s *MemStore) Rename(ctx context.Context, recordType, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[recordType][oldID]
	if !ok {
		return fmt.Errorf("%s/%s: %w", recordType, oldID, ErrNotFound)
	}
	if _, taken := s.records[recordType][newID]; taken {
		return fmt.Errorf("%s/%s: %w", recordType, newID, ErrExists)
	}
	stored.ID = newID
	stored.ModifiedAt = s.now()
	s.records[recordType][newID] = stored
	delete(s.records[recordType], oldID)
	return nil
}

// SetLifecycle implements Store.
func (s *MemStore) SetLifecycle(ctx context.Context, recordType, id string, state Lifecycle) error {
	if !ValidLifecycle(state) {
		return fmt.Errorf("invalid lifecycle state %q", state)
	}
	s.mu.Lock()
	stored, ok := s.records[recordType][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", recordType, id, ErrNotFound)
	}
	stored.Lifecycle = state
	stored.ModifiedAt = s.now()
	snapshot := stored.Clone()
	s.mu.Unlock()

	event := EventAfterSave
	switch state {
	case LifecycleSubmitted:
		event = EventAfterSubmit
	case LifecycleCancelled:
		event = EventAfterCancel
	}
	s.fire(ctx, event, snapshot)
	return nil
}

var _ Store = (*MemStore)(nil)
