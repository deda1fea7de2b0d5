package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/alertsink"
	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/governor"
)

// fakeAlertSink records every alert it receives.
type fakeAlertSink struct {
	alerts []string
}

func (f *fakeAlertSink) Alert(ctx context.Context, severity alertsink.Severity, title, details string) error {
	f.alerts = append(f.alerts, title)
	return nil
}

func TestCircuitBreakerTripsAndRevertsToL3(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	clk := testClock()
	ids := clock.NewSequentialIDs("cbevent")
	governance := governor.NewGovernanceStore(conn)
	alerts := &fakeAlertSink{}

	specs := []config.CircuitBreakerRuleSpec{
		{Name: "high-error-rate", Enabled: true, Condition: "errorRate > 0.05", Window: "1h", Action: governor.ActionRevertToL3, AlertSeverity: "critical"},
	}
	cb, loaded := governor.NewCircuitBreaker(conn, clk, ids, governance, alerts, specs)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Recognized)

	// Promote the phase first so the revert is observable.
	require.NoError(t, governance.ApplyScopeExpansion(ctx, governor.PhaseL3P, []string{"SET_POWER"}, clk.Now()))

	base := clk.Now()
	insertProposal(t, conn, "p1", "roast.setTemperature", "FAILED", "", "", base)
	insertProposal(t, conn, "p2", "roast.setTemperature", "COMPLETED", "", "", base)

	events, err := cb.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*governor.AutonomyMetrics, error) {
		return governor.CollectMetrics(ctx, conn, start, end)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "high-error-rate", events[0].RuleName)
	require.Len(t, alerts.alerts, 1)

	gs, err := governance.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, governor.PhaseL3, gs.CurrentPhase)
	require.Empty(t, gs.CommandWhitelist)
}

func TestCircuitBreakerDoesNotFireWhenConditionFalse(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	clk := testClock()
	ids := clock.NewSequentialIDs("cbevent")
	governance := governor.NewGovernanceStore(conn)

	specs := []config.CircuitBreakerRuleSpec{
		{Name: "high-error-rate", Enabled: true, Condition: "errorRate > 0.05", Window: "1h", Action: governor.ActionAlertOnly, AlertSeverity: "warning"},
	}
	cb, _ := governor.NewCircuitBreaker(conn, clk, ids, governance, nil, specs)

	base := clk.Now()
	insertProposal(t, conn, "p1", "roast.setTemperature", "COMPLETED", "", "", base)

	events, err := cb.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*governor.AutonomyMetrics, error) {
		return governor.CollectMetrics(ctx, conn, start, end)
	})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCircuitBreakerCriticalIncidentSpecialCase(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	clk := testClock()
	ids := clock.NewSequentialIDs("cbevent")
	governance := governor.NewGovernanceStore(conn)

	specs := []config.CircuitBreakerRuleSpec{
		{Name: "critical-incident", Enabled: true, Condition: `incident.severity === "critical"`, Window: "1h", Action: governor.ActionAlertOnly, AlertSeverity: "critical"},
	}
	cb, loaded := governor.NewCircuitBreaker(conn, clk, ids, governance, nil, specs)
	require.True(t, loaded[0].Recognized)

	base := clk.Now()
	insertProposal(t, conn, "p1", "EMERGENCY_SHUTDOWN", "FAILED", "", "critical safety failure", base)

	events, err := cb.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*governor.AutonomyMetrics, error) {
		return governor.CollectMetrics(ctx, conn, start, end)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCircuitBreakerUnrecognizedConditionIsLoadedButNeverEvaluated(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	clk := testClock()
	ids := clock.NewSequentialIDs("cbevent")
	governance := governor.NewGovernanceStore(conn)

	specs := []config.CircuitBreakerRuleSpec{
		{Name: "malformed", Enabled: true, Condition: "not a valid condition !!", Window: "1h", Action: governor.ActionAlertOnly},
	}
	cb, loaded := governor.NewCircuitBreaker(conn, clk, ids, governance, nil, specs)
	require.False(t, loaded[0].Recognized)

	events, err := cb.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*governor.AutonomyMetrics, error) {
		return governor.CollectMetrics(ctx, conn, start, end)
	})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCircuitBreakerPauseCommandTypeTargetsWorstOffender(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	clk := testClock()
	ids := clock.NewSequentialIDs("cbevent")
	governance := governor.NewGovernanceStore(conn)

	specs := []config.CircuitBreakerRuleSpec{
		{Name: "rollback-spike", Enabled: true, Condition: "rollbackRate > 0.10", Window: "1h", Action: governor.ActionPauseCommandType, AlertSeverity: "warning"},
	}
	cb, _ := governor.NewCircuitBreaker(conn, clk, ids, governance, nil, specs)

	base := clk.Now()
	insertProposal(t, conn, "p1", "roast.setTemperature", "COMPLETED", "", "", base)
	insertProposal(t, conn, "p2", "roast.setTemperature", "FAILED", "", "", base)
	insertProposal(t, conn, "p3", "roast.setFan", "ABORTED", "", "", base)

	events, err := cb.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*governor.AutonomyMetrics, error) {
		return governor.CollectMetrics(ctx, conn, start, end)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	paused, err := governance.IsCommandTypePaused(ctx, "roast.setTemperature")
	require.NoError(t, err)
	require.True(t, paused)
}
