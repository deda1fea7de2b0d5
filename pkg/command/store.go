package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/driver"
)

// GovernanceReader is the narrow GovernanceState surface the service
// consults at proposal time: an AGENT-originated proposal outside the
// returned whitelist is forced into approvalRequired, and any proposal
// naming a paused command type is forced into approvalRequired
// regardless of origin.
type GovernanceReader interface {
	CommandWhitelist(ctx context.Context) ([]string, error)
	IsCommandTypePaused(ctx context.Context, commandType string) (bool, error)
}

// Service implements the command proposal lifecycle state machine: fetch
// the current row inside a transaction, validate the transition, write
// the new status plus an appended audit entry in the same transaction.
type Service struct {
	conn       *database.Conn
	clock      clock.Clock
	ids        clock.IDGenerator
	drivers    *driver.Registry
	governance GovernanceReader // may be nil: whitelist gating disabled
}

// NewService creates a command proposal Service. governance may be nil.
func NewService(conn *database.Conn, clk clock.Clock, ids clock.IDGenerator, drivers *driver.Registry, governance GovernanceReader) *Service {
	return &Service{conn: conn, clock: clk, ids: ids, drivers: drivers, governance: governance}
}

// Propose creates a proposal and immediately resolves its deterministic
// first transition (PROPOSED -> PENDING_APPROVAL | APPROVED).
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*CommandProposal, error) {
	if req.Command.CommandID == "" || req.Command.CommandType == "" || req.Command.MachineID == "" {
		return nil, fmt.Errorf("%w: command.commandId, commandType, and machineId are required", ErrInvalidInput)
	}
	if req.ProposedBy == "" {
		return nil, fmt.Errorf("%w: proposedBy is required", ErrInvalidInput)
	}

	approvalRequired := req.ApprovalRequired
	if s.governance != nil {
		if req.ProposedBy == ProposedByAgent {
			whitelist, err := s.governance.CommandWhitelist(ctx)
			if err != nil {
				return nil, fmt.Errorf("reading governance whitelist: %w", err)
			}
			if !contains(whitelist, req.Command.CommandType) {
				approvalRequired = true
			}
		}
		paused, err := s.governance.IsCommandTypePaused(ctx, req.Command.CommandType)
		if err != nil {
			return nil, fmt.Errorf("reading paused command types: %w", err)
		}
		if paused {
			approvalRequired = true
		}
	}

	timeout := req.ApprovalTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultApprovalTimeoutSeconds
	}

	now := s.clock.Now()
	p := &CommandProposal{
		ProposalID:             s.ids.NewID(),
		Command:                req.Command,
		ProposedBy:             req.ProposedBy,
		Reasoning:              req.Reasoning,
		Status:                 StatusProposed,
		ApprovalRequired:       approvalRequired,
		ApprovalTimeoutSeconds: timeout,
		CreatedAt:              now,
		AuditLog: []AuditLogEntry{
			{Timestamp: now, Event: string(StatusProposed), Actor: string(req.ProposedBy), Details: req.Reasoning},
		},
	}

	if approvalRequired {
		p.Status = StatusPendingApproval
	} else {
		p.Status = StatusApproved
	}
	p.AuditLog = append(p.AuditLog, AuditLogEntry{Timestamp: now, Event: string(p.Status)})

	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		return insertProposal(ctx, tx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("proposing command: %w", err)
	}
	return p, nil
}

// Approve transitions a PENDING_APPROVAL proposal to APPROVED. Idempotent
// if the proposal is already APPROVED; returns ErrInvalidTransition for
// any other non-PENDING_APPROVAL status.
func (s *Service) Approve(ctx context.Context, proposalID, actor string) (*CommandProposal, error) {
	return s.transitionDecision(ctx, proposalID, StatusApproved, func(p *CommandProposal, now time.Time) error {
		p.ApprovedBy = &actor
		p.AuditLog = append(p.AuditLog, AuditLogEntry{Timestamp: now, Event: string(StatusApproved), Actor: actor})
		return nil
	})
}

// Reject transitions a PENDING_APPROVAL proposal to REJECTED. Idempotent
// if already REJECTED; returns ErrInvalidTransition for any other
// non-PENDING_APPROVAL status.
func (s *Service) Reject(ctx context.Context, proposalID, actor, reason string) (*CommandProposal, error) {
	return s.transitionDecision(ctx, proposalID, StatusRejected, func(p *CommandProposal, now time.Time) error {
		p.RejectedBy = &actor
		p.RejectionReason = &reason
		p.AuditLog = append(p.AuditLog, AuditLogEntry{Timestamp: now, Event: string(StatusRejected), Actor: actor, Details: reason})
		return nil
	})
}

// transitionDecision implements the shared shape of Approve/Reject: both
// only fire from PENDING_APPROVAL, both are idempotent no-ops when the
// proposal already carries the target decision.
func (s *Service) transitionDecision(ctx context.Context, proposalID string, target Status, apply func(*CommandProposal, time.Time) error) (*CommandProposal, error) {
	var result *CommandProposal
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getProposalForUpdate(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Status == target {
			result = current
			return nil
		}
		if current.Status != StatusPendingApproval {
			return fmt.Errorf("%w: proposal %s is %s, not %s", ErrInvalidTransition, proposalID, current.Status, StatusPendingApproval)
		}

		now := s.clock.Now()
		current.Status = target
		if err := apply(current, now); err != nil {
			return err
		}
		if err := updateStatus(ctx, tx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpirePendingApprovals rejects every PENDING_APPROVAL proposal whose
// approvalTimeoutSeconds has elapsed since creation.
func (s *Service) ExpirePendingApprovals(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var expired int

	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		pending, err := selectPendingApproval(ctx, tx)
		if err != nil {
			return err
		}
		for _, p := range pending {
			deadline := p.CreatedAt.Add(time.Duration(p.ApprovalTimeoutSeconds) * time.Second)
			if now.Before(deadline) {
				continue
			}
			p.Status = StatusRejected
			reason := "approval timeout elapsed"
			p.RejectionReason = &reason
			p.AuditLog = append(p.AuditLog, AuditLogEntry{Timestamp: now, Event: string(StatusRejected), Details: reason})
			if err := updateStatus(ctx, tx, p); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expiring pending approvals: %w", err)
	}
	return expired, nil
}

// ExecuteApprovedCommand requires status APPROVED; resolves the driver
// for the proposal's machineId and runs it through EXECUTING to a
// terminal state.
func (s *Service) ExecuteApprovedCommand(ctx context.Context, proposalID string) (*CommandProposal, error) {
	p, err := s.beginExecution(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	d, resolveErr := s.drivers.Resolve(p.Command.MachineID)
	if resolveErr != nil {
		return s.finalizeExecution(ctx, proposalID, StatusFailed, CodeUnsupportedOperation, fmt.Sprintf("no driver for machine %s", p.Command.MachineID))
	}

	result, execErr := d.WriteCommand(ctx, toDriverCommand(p.Command))
	if execErr != nil {
		if errors.Is(execErr, driver.ErrUnsupportedOperation) {
			return s.finalizeExecution(ctx, proposalID, StatusFailed, CodeUnsupportedOperation, execErr.Error())
		}
		return s.finalizeExecution(ctx, proposalID, StatusFailed, "", execErr.Error())
	}

	return s.finalizeExecution(ctx, proposalID, terminalStatusFor(result.Status), string(result.Status), result.Details)
}

// AbortCommand is only valid while a proposal is EXECUTING; it delegates
// to the driver's AbortCommand.
func (s *Service) AbortCommand(ctx context.Context, proposalID string) (*CommandProposal, error) {
	var p *CommandProposal
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getProposalForUpdate(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Status != StatusExecuting {
			return fmt.Errorf("%w: proposal %s is %s, not %s", ErrInvalidTransition, proposalID, current.Status, StatusExecuting)
		}
		p = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	d, resolveErr := s.drivers.Resolve(p.Command.MachineID)
	if resolveErr != nil {
		return s.finalizeExecution(ctx, proposalID, StatusFailed, CodeUnsupportedOperation, resolveErr.Error())
	}

	result, abortErr := d.AbortCommand(ctx, p.Command.MachineID, p.Command.CommandID)
	if abortErr != nil {
		return s.finalizeExecution(ctx, proposalID, StatusFailed, "", abortErr.Error())
	}
	return s.finalizeExecution(ctx, proposalID, terminalStatusFor(result.Status), string(result.Status), result.Details)
}

// beginExecution requires APPROVED, transitions to EXECUTING, and
// returns the updated proposal.
func (s *Service) beginExecution(ctx context.Context, proposalID string) (*CommandProposal, error) {
	var p *CommandProposal
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getProposalForUpdate(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Status != StatusApproved {
			return fmt.Errorf("%w: proposal %s is %s, not %s", ErrInvalidTransition, proposalID, current.Status, StatusApproved)
		}
		now := s.clock.Now()
		current.Status = StatusExecuting
		current.ExecutionStartedAt = &now
		current.AuditLog = append(current.AuditLog, AuditLogEntry{Timestamp: now, Event: string(StatusExecuting)})
		if err := updateStatus(ctx, tx, current); err != nil {
			return err
		}
		p = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("beginning execution of %s: %w", proposalID, err)
	}
	return p, nil
}

// finalizeExecution writes the terminal status, outcome, and a closing
// audit entry for a proposal that was EXECUTING.
func (s *Service) finalizeExecution(ctx context.Context, proposalID string, status Status, outcome, details string) (*CommandProposal, error) {
	var p *CommandProposal
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getProposalForUpdate(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		now := s.clock.Now()
		current.Status = status
		current.ExecutionCompletedAt = &now
		if current.ExecutionStartedAt != nil {
			ms := now.Sub(*current.ExecutionStartedAt).Milliseconds()
			current.ExecutionDurationMs = &ms
		}
		if outcome != "" {
			current.Outcome = &outcome
		}
		current.AuditLog = append(current.AuditLog, AuditLogEntry{Timestamp: now, Event: string(status), Details: details})
		if err := updateStatus(ctx, tx, current); err != nil {
			return err
		}
		p = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalizing execution of %s: %w", proposalID, err)
	}
	return p, nil
}

// Get retrieves a proposal by id.
func (s *Service) Get(ctx context.Context, proposalID string) (*CommandProposal, error) {
	p, err := getProposal(ctx, s.conn, proposalID)
	if err != nil {
		return nil, fmt.Errorf("getting command proposal %s: %w", proposalID, err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListPending returns every PENDING_APPROVAL proposal.
func (s *Service) ListPending(ctx context.Context) ([]*CommandProposal, error) {
	pending, err := selectPendingApproval(ctx, s.conn)
	if err != nil {
		return nil, fmt.Errorf("listing pending proposals: %w", err)
	}
	return pending, nil
}

// terminalStatusFor maps a driver.Status to a CommandProposal terminal
// status: ACCEPTED|COMPLETED -> COMPLETED, ABORTED -> ABORTED,
// FAILED|REJECTED -> FAILED.
func terminalStatusFor(s driver.Status) Status {
	switch s {
	case driver.StatusAccepted, driver.StatusCompleted:
		return StatusCompleted
	case driver.StatusAborted:
		return StatusAborted
	default:
		return StatusFailed
	}
}

// toDriverCommand adapts a stored Command to the payload shape the
// driver package expects.
func toDriverCommand(c Command) driver.Command {
	return driver.Command{
		CommandID:   c.CommandID,
		CommandType: c.CommandType,
		MachineID:   c.MachineID,
		TargetValue: c.TargetValue,
		Constraints: c.Constraints,
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
