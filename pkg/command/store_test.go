package command_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/command"
	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/driver"
)

const schema = `
CREATE TABLE command_proposals (
    proposal_id             TEXT PRIMARY KEY,
    command                 TEXT NOT NULL,
    machine_id              TEXT NOT NULL,
    proposed_by             TEXT NOT NULL,
    reasoning               TEXT,
    status                  TEXT NOT NULL DEFAULT 'PROPOSED',
    approval_required       INTEGER NOT NULL DEFAULT 0,
    approval_timeout_seconds INTEGER NOT NULL DEFAULT 0,
    approved_by             TEXT,
    rejected_by             TEXT,
    rejection_reason        TEXT,
    execution_started_at    TIMESTAMP,
    execution_completed_at  TIMESTAMP,
    execution_duration_ms   INTEGER,
    outcome                 TEXT,
    audit_log               TEXT NOT NULL DEFAULT '[]',
    created_at              TIMESTAMP NOT NULL
);
CREATE INDEX idx_command_proposals_status ON command_proposals (status);
`

func newTestService(t *testing.T, reg *driver.Registry, gov command.GovernanceReader) (*command.Service, *clock.Mock) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(schema)
	require.NoError(t, err)

	conn := database.WrapDB(database.DialectSQLite, db)
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := clock.NewSequentialIDs("proposal")
	if reg == nil {
		reg = driver.NewRegistry()
	}
	svc := command.NewService(conn, clk, ids, reg, gov)
	return svc, clk
}

func testCommand() command.Command {
	return command.Command{CommandID: "cmd-1", CommandType: "roast.setTemperature", MachineID: "roaster-1"}
}

// fakeGovernance stubs GovernanceReader with a fixed whitelist and a fixed
// set of paused command types.
type fakeGovernance struct {
	whitelist []string
	paused    []string
	err       error
}

func (f *fakeGovernance) CommandWhitelist(ctx context.Context) ([]string, error) {
	return f.whitelist, f.err
}

func (f *fakeGovernance) IsCommandTypePaused(ctx context.Context, commandType string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, ct := range f.paused {
		if ct == commandType {
			return true, nil
		}
	}
	return false, nil
}

// fakeDriver stubs driver.Driver for execution tests.
type fakeDriver struct {
	writeResult driver.Result
	writeErr    error
	abortResult driver.Result
	abortErr    error
}

func (f *fakeDriver) Connect(ctx context.Context, machineID string) error { return nil }

func (f *fakeDriver) ReadTelemetry(ctx context.Context, machineID string) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeDriver) WriteCommand(ctx context.Context, cmd driver.Command) (driver.Result, error) {
	return f.writeResult, f.writeErr
}

func (f *fakeDriver) AbortCommand(ctx context.Context, machineID, commandID string) (driver.Result, error) {
	return f.abortResult, f.abortErr
}

func TestProposeWithoutApprovalRequiredGoesStraightToApproved(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:    testCommand(),
		ProposedBy: command.ProposedByHuman,
		Reasoning:  "operator requested",
	})
	require.NoError(t, err)
	require.Equal(t, command.StatusApproved, p.Status)
	require.Len(t, p.AuditLog, 2)
	require.Equal(t, string(command.StatusProposed), p.AuditLog[0].Event)
	require.Equal(t, string(command.StatusApproved), p.AuditLog[1].Event)
}

func TestProposeWithApprovalRequiredGoesToPendingApproval(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:          testCommand(),
		ProposedBy:       command.ProposedByHuman,
		ApprovalRequired: true,
	})
	require.NoError(t, err)
	require.Equal(t, command.StatusPendingApproval, p.Status)
}

func TestProposeAgentOutsideWhitelistForcesApproval(t *testing.T) {
	gov := &fakeGovernance{whitelist: []string{"roast.readOnly"}}
	svc, _ := newTestService(t, nil, gov)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:    testCommand(),
		ProposedBy: command.ProposedByAgent,
	})
	require.NoError(t, err)
	require.True(t, p.ApprovalRequired)
	require.Equal(t, command.StatusPendingApproval, p.Status)
}

func TestProposeAgentInsideWhitelistSkipsApproval(t *testing.T) {
	gov := &fakeGovernance{whitelist: []string{"roast.setTemperature"}}
	svc, _ := newTestService(t, nil, gov)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:    testCommand(),
		ProposedBy: command.ProposedByAgent,
	})
	require.NoError(t, err)
	require.False(t, p.ApprovalRequired)
	require.Equal(t, command.StatusApproved, p.Status)
}

func TestProposeHumanCommandOfPausedTypeForcesApproval(t *testing.T) {
	gov := &fakeGovernance{whitelist: []string{"roast.setTemperature"}, paused: []string{"roast.setTemperature"}}
	svc, _ := newTestService(t, nil, gov)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:    testCommand(),
		ProposedBy: command.ProposedByHuman,
	})
	require.NoError(t, err)
	require.True(t, p.ApprovalRequired)
	require.Equal(t, command.StatusPendingApproval, p.Status)
}

func TestProposeRejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Propose(ctx, command.ProposeRequest{ProposedBy: command.ProposedByHuman})
	require.ErrorIs(t, err, command.ErrInvalidInput)
}

func TestApproveTransitionsPendingToApproved(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, p.ProposalID, "ops-alice")
	require.NoError(t, err)
	require.Equal(t, command.StatusApproved, approved.Status)
	require.Equal(t, "ops-alice", *approved.ApprovedBy)
}

func TestApproveIsIdempotentWhenAlreadyApproved(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)
	first, err := svc.Approve(ctx, p.ProposalID, "ops-alice")
	require.NoError(t, err)

	second, err := svc.Approve(ctx, p.ProposalID, "ops-bob")
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, "ops-alice", *second.ApprovedBy)
}

func TestApproveRejectsNonPendingTransition(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, p.ProposalID, "ops-alice", "not safe")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, p.ProposalID, "ops-bob")
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestRejectRecordsReason(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, p.ProposalID, "ops-alice", "outside safe range")
	require.NoError(t, err)
	require.Equal(t, command.StatusRejected, rejected.Status)
	require.Equal(t, "outside safe range", *rejected.RejectionReason)
}

func TestApproveUnknownProposalReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Approve(ctx, "does-not-exist", "ops-alice")
	require.ErrorIs(t, err, command.ErrNotFound)
}

func TestExpirePendingApprovalsRejectsOnTimeout(t *testing.T) {
	svc, clk := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{
		Command:                testCommand(),
		ProposedBy:              command.ProposedByHuman,
		ApprovalRequired:        true,
		ApprovalTimeoutSeconds:  60,
	})
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	n, err := svc.ExpirePendingApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	clk.Advance(31 * time.Second)
	n, err = svc.ExpirePendingApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := svc.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusRejected, got.Status)
}

func TestExecuteApprovedCommandCompletesOnAccept(t *testing.T) {
	reg := driver.NewRegistry()
	reg.Register("roaster-1", &fakeDriver{writeResult: driver.Result{Status: driver.StatusAccepted, Details: "ack"}})
	svc, _ := newTestService(t, reg, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)
	require.Equal(t, command.StatusApproved, p.Status)

	done, err := svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusCompleted, done.Status)
	require.Equal(t, "ACCEPTED", *done.Outcome)
	require.NotNil(t, done.ExecutionStartedAt)
	require.NotNil(t, done.ExecutionCompletedAt)
	require.NotNil(t, done.ExecutionDurationMs)
}

func TestExecuteApprovedCommandFailsWhenDriverDeclines(t *testing.T) {
	reg := driver.NewRegistry()
	reg.Register("roaster-1", &fakeDriver{writeErr: driver.ErrUnsupportedOperation})
	svc, _ := newTestService(t, reg, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)

	done, err := svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusFailed, done.Status)
	require.Equal(t, command.CodeUnsupportedOperation, *done.Outcome)
}

func TestExecuteApprovedCommandFailsWhenNoDriverRegistered(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)

	done, err := svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusFailed, done.Status)
	require.Equal(t, command.CodeUnsupportedOperation, *done.Outcome)
}

func TestExecuteApprovedCommandRequiresApprovedStatus(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)

	_, err = svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestAbortCommandOnlyValidWhileExecuting(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)

	_, err = svc.AbortCommand(ctx, p.ProposalID)
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestExecuteApprovedCommandMapsAbortedStatus(t *testing.T) {
	reg := driver.NewRegistry()
	reg.Register("roaster-1", &fakeDriver{writeResult: driver.Result{Status: driver.StatusAborted, Details: "operator cancelled"}})
	svc, _ := newTestService(t, reg, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)

	done, err := svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusAborted, done.Status)
}

func TestExecuteApprovedCommandMapsRejectedDriverStatusToFailed(t *testing.T) {
	reg := driver.NewRegistry()
	reg.Register("roaster-1", &fakeDriver{writeResult: driver.Result{Status: driver.StatusRejected, Details: "out of range"}})
	svc, _ := newTestService(t, reg, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)

	done, err := svc.ExecuteApprovedCommand(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Equal(t, command.StatusFailed, done.Status)
}

func TestListPendingReturnsOnlyPendingApproval(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman})
	require.NoError(t, err)
	_, err = svc.Propose(ctx, command.ProposeRequest{Command: testCommand(), ProposedBy: command.ProposedByHuman, ApprovalRequired: true})
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, command.StatusPendingApproval, pending[0].Status)
}
