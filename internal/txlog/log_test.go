package txlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(logID string, ts int64, origin string) Entry {
	return Entry{
		LogID:          logID,
		Timestamp:      ts,
		RecordType:     "Customer",
		RecordID:       "CUST-" + logID,
		Operation:      OpCreate,
		Snapshot:       `{"type":"Customer"}`,
		OriginDeviceID: origin,
	}
}

func mustAppend(t *testing.T, s *Store, e Entry) {
	t.Helper()
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatalf("Append(%s) failed: %v", e.LogID, err)
	}
}

func TestAppend_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := entry("log-1", 100, "AB12CD34")
	mustAppend(t, s, e)
	// Re-delivery of the same log id must be a silent no-op.
	mustAppend(t, s, e)

	got, err := s.Get(ctx, "log-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != StatusPending {
		t.Errorf("status = %q, want pending", got.SyncStatus)
	}

	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending count = %d, want 1", counts.Pending)
	}
}

func TestAppend_ReDeliveryDoesNotResetStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))
	if _, err := s.MarkSynced(ctx, "log-1", "CUST-log-1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))

	got, err := s.Get(ctx, "log-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != StatusSynced {
		t.Errorf("status after re-delivery = %q, want synced", got.SyncStatus)
	}
}

func TestListPendingFor_OrderAndFiltering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Out-of-insert-order timestamps; a foreign entry; a synced entry.
	mustAppend(t, s, entry("log-b", 200, "AB12CD34"))
	mustAppend(t, s, entry("log-a", 100, "AB12CD34"))
	mustAppend(t, s, entry("log-c", 300, "MASTER"))
	mustAppend(t, s, entry("log-d", 400, "AB12CD34"))
	if _, err := s.MarkSynced(ctx, "log-d", "CUST-log-d"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	got, err := s.ListPendingFor(ctx, "AB12CD34", 3, 50)
	if err != nil {
		t.Fatalf("ListPendingFor() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].LogID != "log-a" || got[1].LogID != "log-b" {
		t.Errorf("order = [%s %s], want [log-a log-b]", got[0].LogID, got[1].LogID)
	}
}

func TestListPendingFor_AttemptCeiling(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))

	// Fail the entry up to the ceiling.
	for i := 0; i < 3; i++ {
		n, err := s.MarkFailed(ctx, "log-1", "connection refused")
		if err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
		if n != i+1 {
			t.Errorf("attempt count = %d, want %d", n, i+1)
		}

		got, err := s.ListPendingFor(ctx, "AB12CD34", 3, 50)
		if err != nil {
			t.Fatalf("ListPendingFor() failed: %v", err)
		}
		if i < 2 && len(got) != 1 {
			t.Errorf("after attempt %d: got %d entries, want 1 (below ceiling)", i+1, len(got))
		}
		if i == 2 && len(got) != 0 {
			t.Errorf("after attempt %d: got %d entries, want 0 (at ceiling)", i+1, len(got))
		}
	}

	// The entry stays visible as failed, never silently dropped.
	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() failed: %v", err)
	}
	if counts.Failed != 1 {
		t.Errorf("failed count = %d, want 1", counts.Failed)
	}
}

func TestMarkSynced_TerminalGuard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))

	won, err := s.MarkSynced(ctx, "log-1", "CUST-9")
	if err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if !won {
		t.Error("first MarkSynced should win the transition")
	}

	// A concurrent run loses the race cleanly.
	won, err = s.MarkSynced(ctx, "log-1", "CUST-other")
	if err != nil {
		t.Fatalf("second MarkSynced() failed: %v", err)
	}
	if won {
		t.Error("second MarkSynced must not re-transition")
	}

	got, err := s.Get(ctx, "log-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RemoteRecordID != "CUST-9" {
		t.Errorf("remote id = %q, want CUST-9", got.RemoteRecordID)
	}
}

func TestMarkSynced_ClearsErrorMessage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))
	if _, err := s.MarkFailed(ctx, "log-1", "timeout"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if _, err := s.MarkSynced(ctx, "log-1", "CUST-1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	got, err := s.Get(ctx, "log-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty after sync", got.ErrorMessage)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 (history preserved)", got.AttemptCount)
	}
}

func TestMarkFailed_ConcurrentIncrements(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))

	// Overlapping push runs failing the same entry must each observe
	// the count their own increment produced, with nothing lost.
	const runs = 8
	results := make(chan int, runs)
	errs := make(chan error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.MarkFailed(ctx, "log-1", "connection refused")
			if err != nil {
				errs <- err
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	seen := make(map[int]bool)
	for n := range results {
		if seen[n] {
			t.Errorf("attempt count %d reported twice", n)
		}
		seen[n] = true
	}

	got, err := s.Get(ctx, "log-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.AttemptCount != runs {
		t.Errorf("attempt count = %d, want %d", got.AttemptCount, runs)
	}
}

func TestMarkSkipped_Terminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "AB12CD34"))

	won, err := s.MarkSkipped(ctx, "log-1", "Customer CUST-1 does not exist")
	if err != nil {
		t.Fatalf("MarkSkipped() failed: %v", err)
	}
	if !won {
		t.Error("MarkSkipped should win on a pending entry")
	}

	// Skipped entries never return to the push queue.
	got, err := s.ListPendingFor(ctx, "AB12CD34", 3, 50)
	if err != nil {
		t.Fatalf("ListPendingFor() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d pending entries, want 0", len(got))
	}

	// And ResetFailed never resurrects them.
	n, err := s.ResetFailed(ctx, 3, 50)
	if err != nil {
		t.Fatalf("ResetFailed() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ResetFailed reset %d entries, want 0", n)
	}
}

func TestResetFailed_BelowCeilingOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-low", 100, "AB12CD34"))
	mustAppend(t, s, entry("log-high", 200, "AB12CD34"))

	if _, err := s.MarkFailed(ctx, "log-low", "timeout"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.MarkFailed(ctx, "log-high", "timeout"); err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
	}

	n, err := s.ResetFailed(ctx, 3, 50)
	if err != nil {
		t.Fatalf("ResetFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d entries, want 1", n)
	}

	low, err := s.Get(ctx, "log-low")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if low.SyncStatus != StatusPending {
		t.Errorf("log-low status = %q, want pending", low.SyncStatus)
	}
	high, err := s.Get(ctx, "log-high")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if high.SyncStatus != StatusFailed {
		t.Errorf("log-high status = %q, want failed (at ceiling)", high.SyncStatus)
	}
}

func TestListForeignSince(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustAppend(t, s, entry("log-1", 100, "MASTER"))
	mustAppend(t, s, entry("log-2", 200, "AB12CD34"))
	mustAppend(t, s, entry("log-3", 300, "EF56GH78"))
	mustAppend(t, s, entry("log-4", 400, "AB12CD34"))

	got, err := s.ListForeignSince(ctx, "AB12CD34", 100, 50)
	if err != nil {
		t.Fatalf("ListForeignSince() failed: %v", err)
	}
	// Strictly past the watermark, excluding the caller's own entries.
	if len(got) != 1 || got[0].LogID != "log-3" {
		t.Fatalf("got %v, want just log-3", ids(got))
	}

	got, err = s.ListForeignSince(ctx, "AB12CD34", 0, 50)
	if err != nil {
		t.Fatalf("ListForeignSince() failed: %v", err)
	}
	if len(got) != 2 || got[0].LogID != "log-1" || got[1].LogID != "log-3" {
		t.Fatalf("got %v, want [log-1 log-3]", ids(got))
	}
}

func TestListForeignSince_EmptyIsNotNil(t *testing.T) {
	s := newStore(t)

	got, err := s.ListForeignSince(context.Background(), "AB12CD34", 0, 50)
	if err != nil {
		t.Fatalf("ListForeignSince() failed: %v", err)
	}
	if got == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestRenamedTo(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := entry("log-1", 100, "AB12CD34")
	e.RecordID = "CUST-0001"
	mustAppend(t, s, e)

	got, err := s.RenamedTo(ctx, "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("RenamedTo() failed: %v", err)
	}
	if got != "" {
		t.Errorf("RenamedTo() = %q before any sync, want empty", got)
	}

	// Syncing under the captured id records no rename.
	if _, err := s.MarkSynced(ctx, "log-1", "CUST-0001"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	got, err = s.RenamedTo(ctx, "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("RenamedTo() failed: %v", err)
	}
	if got != "" {
		t.Errorf("RenamedTo() = %q after same-id sync, want empty", got)
	}

	// Syncing under an allocated id is a rename later entries follow.
	e2 := entry("log-2", 200, "AB12CD34")
	e2.RecordID = "CUST-0002"
	mustAppend(t, s, e2)
	if _, err := s.MarkSynced(ctx, "log-2", "CUST-0002-1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	got, err = s.RenamedTo(ctx, "Customer", "CUST-0002")
	if err != nil {
		t.Fatalf("RenamedTo() failed: %v", err)
	}
	if got != "CUST-0002-1" {
		t.Errorf("RenamedTo() = %q, want CUST-0002-1", got)
	}
}

func TestRenamedTo_IgnoresUnsyncedEntries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := entry("log-1", 100, "AB12CD34")
	e.RecordID = "CUST-0001"
	mustAppend(t, s, e)
	if _, err := s.MarkFailed(ctx, "log-1", "timeout"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	got, err := s.RenamedTo(ctx, "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("RenamedTo() failed: %v", err)
	}
	if got != "" {
		t.Errorf("RenamedTo() = %q for a failed entry, want empty", got)
	}
}

func TestWatermark_Monotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if w != 0 {
		t.Errorf("initial watermark = %d, want 0", w)
	}

	if err := s.AdvanceWatermark(ctx, 500); err != nil {
		t.Fatalf("AdvanceWatermark() failed: %v", err)
	}
	// A late, lower advance must not move the cursor backwards.
	if err := s.AdvanceWatermark(ctx, 300); err != nil {
		t.Fatalf("AdvanceWatermark() failed: %v", err)
	}

	w, err = s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if w != 500 {
		t.Errorf("watermark = %d, want 500", w)
	}
}

func TestState_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, StateKeyDeviceID)
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if v != "" {
		t.Errorf("unset state = %q, want empty", v)
	}

	if err := s.SetState(ctx, StateKeyDeviceID, "AB12CD34"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	if err := s.SetState(ctx, StateKeyDeviceID, "AB12CD34"); err != nil {
		t.Fatalf("SetState() upsert failed: %v", err)
	}

	v, err = s.GetState(ctx, StateKeyDeviceID)
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if v != "AB12CD34" {
		t.Errorf("state = %q, want AB12CD34", v)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound() = false for %v", err)
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.LogID
	}
	return out
}
