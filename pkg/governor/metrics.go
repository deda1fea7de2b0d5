package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
)

// proposalRow is the thin slice of command_proposals a metrics pass reads.
type proposalRow struct {
	status          string
	commandType     string
	outcome         string
	rejectionReason string
}

// CollectMetrics aggregates the command_proposals table over [start, end]
// into an AutonomyMetrics snapshot. All derived rates default to 0 rather
// than NaN/Inf when their denominator is 0.
func CollectMetrics(ctx context.Context, q database.Querier, start, end time.Time) (*AutonomyMetrics, error) {
	rows, err := q.Query(ctx, `
		SELECT status, command, COALESCE(outcome, ''), COALESCE(rejection_reason, '')
		FROM command_proposals
		WHERE created_at >= ? AND created_at <= ?`, start, end)
	if err != nil {
		return nil, fmt.Errorf("selecting command proposals for metrics: %w", err)
	}
	defer rows.Close()

	var proposals []proposalRow
	for rows.Next() {
		var r proposalRow
		var commandRaw string
		if err := rows.Scan(&r.status, &commandRaw, &r.outcome, &r.rejectionReason); err != nil {
			return nil, fmt.Errorf("scanning command proposal for metrics: %w", err)
		}
		var cmd struct {
			CommandType string `json:"commandType"`
		}
		if err := json.Unmarshal([]byte(commandRaw), &cmd); err != nil {
			return nil, fmt.Errorf("decoding command payload for metrics: %w", err)
		}
		r.commandType = cmd.CommandType
		proposals = append(proposals, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return aggregate(proposals, start, end), nil
}

func aggregate(proposals []proposalRow, start, end time.Time) *AutonomyMetrics {
	m := &AutonomyMetrics{
		PeriodStart:         start,
		PeriodEnd:           end,
		CommandTypeFailures: map[string]int{},
	}

	for _, p := range proposals {
		m.TotalProposed++
		switch p.status {
		case "APPROVED", "EXECUTING", "COMPLETED", "FAILED", "ABORTED":
			m.Approved++
		case "REJECTED":
			m.Rejected++
		}
		switch p.status {
		case "COMPLETED":
			m.Succeeded++
		case "FAILED":
			m.Failed++
			m.CommandTypeFailures[p.commandType]++
		case "ABORTED":
			m.RolledBack++
		}

		reason := strings.ToLower(p.rejectionReason)
		if p.status == "REJECTED" && strings.Contains(reason, "constraint") {
			m.ConstraintViolations++
		}
		if p.status == "REJECTED" && (strings.Contains(reason, "safety") || strings.Contains(reason, "gate")) {
			m.SafetyRejections++
		}
		if p.commandType == "ABORT" || p.commandType == "EMERGENCY_SHUTDOWN" {
			m.EmergencyAborts++
		}
		if strings.Contains(strings.ToLower(p.outcome), "critical") || strings.Contains(reason, "critical") {
			m.CriticalIncidents++
		}
	}

	if denom := m.Succeeded + m.Failed; denom > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(denom)
	}
	if m.TotalProposed > 0 {
		m.ApprovalRate = float64(m.Approved) / float64(m.TotalProposed)
		m.ErrorRate = float64(m.Failed) / float64(m.TotalProposed)
	}
	if m.Succeeded > 0 {
		m.RollbackRate = float64(m.RolledBack) / float64(m.Succeeded)
	}
	return m
}
