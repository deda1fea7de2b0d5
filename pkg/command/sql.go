package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
)

const proposalColumns = `
	proposal_id, command, machine_id, proposed_by, reasoning, status,
	approval_required, approval_timeout_seconds, approved_by, rejected_by,
	rejection_reason, execution_started_at, execution_completed_at,
	execution_duration_ms, outcome, audit_log, created_at`

func scanProposal(scan func(dest ...any) error) (*CommandProposal, error) {
	var (
		p               CommandProposal
		commandRaw      string
		proposedBy      string
		status          string
		approvalReq     bool
		approvedBy      sql.NullString
		rejectedBy      sql.NullString
		rejectionReason sql.NullString
		executionStart  sql.NullTime
		executionEnd    sql.NullTime
		durationMs      sql.NullInt64
		outcome         sql.NullString
		auditLogRaw     string
		createdAt       time.Time
	)

	err := scan(
		&p.ProposalID, &commandRaw, &p.Command.MachineID, &proposedBy, &p.Reasoning, &status,
		&approvalReq, &p.ApprovalTimeoutSeconds, &approvedBy, &rejectedBy,
		&rejectionReason, &executionStart, &executionEnd,
		&durationMs, &outcome, &auditLogRaw, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commandRaw), &p.Command); err != nil {
		return nil, fmt.Errorf("decoding command payload: %w", err)
	}
	if err := json.Unmarshal([]byte(auditLogRaw), &p.AuditLog); err != nil {
		return nil, fmt.Errorf("decoding audit log: %w", err)
	}

	p.ProposedBy = ProposedBy(proposedBy)
	p.Status = Status(status)
	p.ApprovalRequired = approvalReq
	p.CreatedAt = createdAt
	if approvedBy.Valid {
		p.ApprovedBy = &approvedBy.String
	}
	if rejectedBy.Valid {
		p.RejectedBy = &rejectedBy.String
	}
	if rejectionReason.Valid {
		p.RejectionReason = &rejectionReason.String
	}
	if executionStart.Valid {
		p.ExecutionStartedAt = &executionStart.Time
	}
	if executionEnd.Valid {
		p.ExecutionCompletedAt = &executionEnd.Time
	}
	if durationMs.Valid {
		p.ExecutionDurationMs = &durationMs.Int64
	}
	if outcome.Valid {
		p.Outcome = &outcome.String
	}
	return &p, nil
}

func scanProposalRow(row database.Row) (*CommandProposal, error) {
	return scanProposal(row.Scan)
}

func scanProposalRows(rows database.Rows) (*CommandProposal, error) {
	return scanProposal(rows.Scan)
}

func insertProposal(ctx context.Context, tx database.Tx, p *CommandProposal) error {
	commandRaw, err := json.Marshal(p.Command)
	if err != nil {
		return fmt.Errorf("encoding command payload: %w", err)
	}
	auditLogRaw, err := json.Marshal(p.AuditLog)
	if err != nil {
		return fmt.Errorf("encoding audit log: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO command_proposals (
			proposal_id, command, machine_id, proposed_by, reasoning, status,
			approval_required, approval_timeout_seconds, audit_log, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProposalID, string(commandRaw), p.Command.MachineID, string(p.ProposedBy), p.Reasoning, string(p.Status),
		p.ApprovalRequired, p.ApprovalTimeoutSeconds, string(auditLogRaw), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting command proposal: %w", err)
	}
	return nil
}

func getProposalForUpdate(ctx context.Context, tx database.Tx, proposalID string) (*CommandProposal, error) {
	row := tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM command_proposals WHERE proposal_id = ?`, proposalID)
	p, err := scanProposalRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func getProposal(ctx context.Context, q database.Querier, proposalID string) (*CommandProposal, error) {
	row := q.QueryRow(ctx, `SELECT `+proposalColumns+` FROM command_proposals WHERE proposal_id = ?`, proposalID)
	p, err := scanProposalRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func selectPendingApproval(ctx context.Context, q database.Querier) ([]*CommandProposal, error) {
	rows, err := q.Query(ctx, `
		SELECT `+proposalColumns+`
		FROM command_proposals
		WHERE status = 'PENDING_APPROVAL'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("selecting pending proposals: %w", err)
	}
	defer rows.Close()

	var out []*CommandProposal
	for rows.Next() {
		p, err := scanProposalRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// updateStatus persists status, the append-only audit log, and whatever
// optional terminal fields are non-nil.
func updateStatus(ctx context.Context, tx database.Tx, p *CommandProposal) error {
	auditLogRaw, err := json.Marshal(p.AuditLog)
	if err != nil {
		return fmt.Errorf("encoding audit log: %w", err)
	}
	res, err := tx.Exec(ctx, `
		UPDATE command_proposals SET
			status = ?, approved_by = ?, rejected_by = ?, rejection_reason = ?,
			execution_started_at = ?, execution_completed_at = ?, execution_duration_ms = ?,
			outcome = ?, audit_log = ?
		WHERE proposal_id = ?`,
		string(p.Status), p.ApprovedBy, p.RejectedBy, p.RejectionReason,
		p.ExecutionStartedAt, p.ExecutionCompletedAt, p.ExecutionDurationMs,
		p.Outcome, string(auditLogRaw), p.ProposalID,
	)
	if err != nil {
		return fmt.Errorf("updating command proposal %s: %w", p.ProposalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating command proposal %s: no matching row", p.ProposalID)
	}
	return nil
}
