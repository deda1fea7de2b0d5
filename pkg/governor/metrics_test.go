package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/governor"
)

func TestCollectMetricsEmptyWindowIsAllZero(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	m, err := governor.CollectMetrics(ctx, conn, start, end)
	require.NoError(t, err)
	require.Equal(t, 0, m.TotalProposed)
	require.Equal(t, 0.0, m.SuccessRate)
	require.Equal(t, 0.0, m.ErrorRate)
	require.Equal(t, 0.0, m.RollbackRate)
	require.Equal(t, 0.0, m.ApprovalRate)
}

func TestCollectMetricsComputesRates(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	insertProposal(t, conn, "p1", "roast.setTemperature", "COMPLETED", "", "", base)
	insertProposal(t, conn, "p2", "roast.setTemperature", "COMPLETED", "", "", base)
	insertProposal(t, conn, "p3", "roast.setTemperature", "FAILED", "", "", base)
	insertProposal(t, conn, "p4", "ABORT", "ABORTED", "", "", base)
	insertProposal(t, conn, "p5", "roast.setFan", "REJECTED", "", "violates safety constraint", base)

	m, err := governor.CollectMetrics(ctx, conn, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	require.Equal(t, 5, m.TotalProposed)
	require.Equal(t, 2, m.Succeeded)
	require.Equal(t, 1, m.Failed)
	require.Equal(t, 1, m.RolledBack)
	require.Equal(t, 1, m.Rejected)
	require.InDelta(t, 2.0/3.0, m.SuccessRate, 0.0001)
	require.InDelta(t, 0.2, m.ErrorRate, 0.0001)
	require.InDelta(t, 0.5, m.RollbackRate, 0.0001)
	require.Equal(t, 1, m.ConstraintViolations)
	require.Equal(t, 1, m.SafetyRejections)
	require.Equal(t, 1, m.EmergencyAborts)
	require.Equal(t, 1, m.CommandTypeFailures["roast.setTemperature"])
}

func TestCollectMetricsOnlyCountsWindowedRows(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	insertProposal(t, conn, "old", "roast.setTemperature", "COMPLETED", "", "", base.Add(-48*time.Hour))
	insertProposal(t, conn, "recent", "roast.setTemperature", "COMPLETED", "", "", base)

	m, err := governor.CollectMetrics(ctx, conn, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, m.TotalProposed)
}
