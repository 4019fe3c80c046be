package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apstic/recsync/internal/capture"
	"github.com/apstic/recsync/internal/collision"
	"github.com/apstic/recsync/internal/device"
	"github.com/apstic/recsync/internal/master"
	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/remote"
	"github.com/apstic/recsync/internal/txlog"
)

// testMaster is a real master node behind an httptest server: record
// store, transaction log, change capture and the HTTP API.
type testMaster struct {
	srv     *httptest.Server
	records *record.MemStore
	log     *txlog.Store

	// failing, while > 0, makes every API request return 503 and
	// decrements. Simulates a flaky link for transient-error tests.
	failing atomic.Int32
}

func registerSchemas(s *record.MemStore) {
	s.RegisterSchema("Customer", "customer_name", "territory", "credit_limit")
	s.RegisterSchema("Invoice", "customer", "amount")
}

func newTestMaster(t *testing.T) *testMaster {
	t.Helper()

	log, err := txlog.Open(filepath.Join(t.TempDir(), "master.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	records := record.NewMemStore()
	registerSchemas(records)

	identity := device.NewIdentity(log, true)
	capturer := capture.New(log, identity, nil, nil)
	records.OnChange(capturer.Capture)

	m := &testMaster{records: records, log: log}
	router := master.New(records, log, "key", "secret", nil).Router()
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.failing.Load() > 0 {
			m.failing.Add(-1)
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(m.srv.Close)

	return m
}

// insert writes a record directly on the master, as a local master-side
// mutation. It is captured with MASTER origin.
func (m *testMaster) insert(t *testing.T, rec *record.Record) {
	t.Helper()
	require.NoError(t, m.records.Insert(context.Background(), rec))
}

type childOptions struct {
	policy      collision.Policy
	maxAttempts int
	// widgetType registers a record type the master does not know,
	// for permanent-error scenarios.
	widgetType bool
}

// testChild is a child node wired against a testMaster.
type testChild struct {
	log      *txlog.Store
	records  *record.MemStore
	deviceID string
	eng      *Engine
}

func newTestChild(t *testing.T, m *testMaster, opts childOptions) *testChild {
	t.Helper()

	log, err := txlog.Open(filepath.Join(t.TempDir(), "child.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	records := record.NewMemStore()
	registerSchemas(records)
	if opts.widgetType {
		records.RegisterSchema("Widget", "name")
	}

	identity := device.NewIdentity(log, false)
	deviceID, err := identity.DeviceID(context.Background())
	require.NoError(t, err)

	capturer := capture.New(log, identity, nil, nil)
	records.OnChange(capturer.Capture)

	client := remote.NewClient(m.srv.URL, "key", "secret", deviceID, &http.Client{Timeout: 5 * time.Second})

	eng, err := New(Options{
		Log:             log,
		Local:           records,
		Remote:          client,
		Identity:        identity,
		MaxAttempts:     opts.maxAttempts,
		CollisionPolicy: opts.policy,
	})
	require.NoError(t, err)

	return &testChild{log: log, records: records, deviceID: deviceID, eng: eng}
}

// insert writes a record locally on the child while "offline"; change
// capture logs it as a pending create.
func (c *testChild) insert(t *testing.T, rec *record.Record) {
	t.Helper()
	require.NoError(t, c.records.Insert(context.Background(), rec))
}

func (c *testChild) update(t *testing.T, rec *record.Record) {
	t.Helper()
	require.NoError(t, c.records.Update(context.Background(), rec))
}

func (c *testChild) pendingCount(t *testing.T) int {
	t.Helper()
	counts, err := c.log.StatusCounts(context.Background())
	require.NoError(t, err)
	return counts.Pending
}

var createdAt = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func customer(id string, fields map[string]any) *record.Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return &record.Record{
		Type:      "Customer",
		ID:        id,
		Lifecycle: record.LifecycleDraft,
		Fields:    fields,
		CreatedAt: createdAt,
	}
}
