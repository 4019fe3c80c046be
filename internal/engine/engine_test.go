package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apstic/recsync/internal/device"
	"github.com/apstic/recsync/internal/record"
)

func TestNew_WiringValidation(t *testing.T) {
	m := newTestMaster(t)

	_, err := New(Options{})
	require.Error(t, err)

	// A child without a remote client cannot sync.
	_, err = New(Options{
		Log:      m.log,
		Local:    m.records,
		Identity: device.NewIdentity(m.log, false),
	})
	require.Error(t, err)

	// A master needs no remote client.
	_, err = New(Options{
		Log:      m.log,
		Local:    m.records,
		Identity: device.NewIdentity(m.log, true),
		IsMaster: true,
	})
	require.NoError(t, err)

	// Unknown collision policies are rejected at wiring time.
	c := newTestChild(t, m, childOptions{})
	_, err = New(Options{
		Log:             c.log,
		Local:           c.records,
		Remote:          c.eng.remote,
		Identity:        c.eng.identity,
		CollisionPolicy: "merge",
	})
	require.Error(t, err)
}

func TestStatus_ReportsTrueCounts(t *testing.T) {
	m := newTestMaster(t)
	c := newTestChild(t, m, childOptions{widgetType: true})
	ctx := context.Background()

	c.insert(t, customer("CUST-0001", nil))
	c.insert(t, customer("CUST-0002", nil))
	c.insert(t, &record.Record{Type: "Widget", ID: "W-1", Fields: map[string]any{}})

	report := c.eng.Status(ctx)
	require.Equal(t, StatusSuccess, report.Status)
	require.Equal(t, 3, report.Pending)

	res := c.eng.SyncUp(ctx, 0)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 1, res.Skipped)

	report = c.eng.Status(ctx)
	require.Equal(t, 0, report.Pending)
	require.Equal(t, 2, report.Synced)
	require.Equal(t, 1, report.Skipped)
}

func TestPendingLogs_ListsUnsynced(t *testing.T) {
	m := newTestMaster(t)
	c := newTestChild(t, m, childOptions{})
	ctx := context.Background()

	c.insert(t, customer("CUST-0001", nil))
	c.insert(t, customer("CUST-0002", nil))

	entries, err := c.eng.PendingLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = c.eng.PendingLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRetryFailed_ResetsAndPushes(t *testing.T) {
	m := newTestMaster(t)
	c := newTestChild(t, m, childOptions{maxAttempts: 3})
	ctx := context.Background()

	c.insert(t, customer("CUST-0001", nil))

	// One failed attempt while the master is unreachable.
	m.failing.Store(1000)
	res := c.eng.SyncUp(ctx, 0)
	require.Equal(t, 1, res.Failed)
	m.failing.Store(0)

	res = c.eng.RetryFailed(ctx, 0)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 1, res.Synced)

	exists, err := m.records.Exists(ctx, "Customer", "CUST-0001")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRetryFailed_MasterRoleRejected(t *testing.T) {
	m := newTestMaster(t)

	eng, err := New(Options{
		Log:      m.log,
		Local:    m.records,
		Identity: device.NewIdentity(m.log, true),
		IsMaster: true,
	})
	require.NoError(t, err)

	res := eng.RetryFailed(context.Background(), 0)
	require.Equal(t, StatusError, res.Status)
}

func TestSyncBidirectional_TwoChildrenConverge(t *testing.T) {
	m := newTestMaster(t)
	a := newTestChild(t, m, childOptions{})
	b := newTestChild(t, m, childOptions{})
	ctx := context.Background()

	require.NotEqual(t, a.deviceID, b.deviceID)

	a.insert(t, customer("CUST-A", map[string]any{"customer_name": "From A"}))
	b.insert(t, customer("CUST-B", map[string]any{"customer_name": "From B"}))

	resA := a.eng.SyncBidirectional(ctx)
	require.Equal(t, StatusSuccess, resA.Status)
	require.Equal(t, 1, resA.SyncUp.Synced)

	resB := b.eng.SyncBidirectional(ctx)
	require.Equal(t, StatusSuccess, resB.Status)
	require.Equal(t, 1, resB.SyncUp.Synced)
	require.Equal(t, 1, resB.SyncDown.Synced, "B pulls A's record")

	// A's second cycle picks up B's record.
	resA = a.eng.SyncBidirectional(ctx)
	require.Equal(t, 1, resA.SyncDown.Synced, "A pulls B's record")

	for _, c := range []*testChild{a, b} {
		for _, id := range []string{"CUST-A", "CUST-B"} {
			exists, err := c.records.Exists(ctx, "Customer", id)
			require.NoError(t, err)
			require.True(t, exists, "child missing %s", id)
		}
	}
}
