package governor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
)

// --- governance_state -------------------------------------------------

const governanceStateID = 1

func getGovernanceState(ctx context.Context, q database.Querier) (*GovernanceState, error) {
	row := q.QueryRow(ctx, `
		SELECT current_phase, phase_start_date, command_whitelist, last_report_date,
		       last_expansion_date, paused_command_types, updated_at
		FROM governance_state WHERE id = ?`, governanceStateID)

	var (
		phase         string
		phaseStart    time.Time
		whitelistRaw  string
		lastReport    sql.NullTime
		lastExpansion sql.NullTime
		pausedRaw     string
		updatedAt     time.Time
	)
	err := row.Scan(&phase, &phaseStart, &whitelistRaw, &lastReport, &lastExpansion, &pausedRaw, &updatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	gs := &GovernanceState{CurrentPhase: phase, PhaseStartDate: phaseStart, UpdatedAt: updatedAt}
	if err := json.Unmarshal([]byte(whitelistRaw), &gs.CommandWhitelist); err != nil {
		return nil, fmt.Errorf("decoding command whitelist: %w", err)
	}
	if err := json.Unmarshal([]byte(pausedRaw), &gs.PausedCommandTypes); err != nil {
		return nil, fmt.Errorf("decoding paused command types: %w", err)
	}
	if lastReport.Valid {
		gs.LastReportDate = lastReport.Time
	}
	if lastExpansion.Valid {
		gs.LastExpansionDate = lastExpansion.Time
	}
	return gs, nil
}

func insertDefaultGovernanceState(ctx context.Context, tx database.Tx, now time.Time) (*GovernanceState, error) {
	gs := &GovernanceState{
		CurrentPhase:       PhaseL3,
		PhaseStartDate:     now,
		CommandWhitelist:   []string{},
		PausedCommandTypes: []string{},
		UpdatedAt:          now,
	}
	if err := putGovernanceState(ctx, tx, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func putGovernanceState(ctx context.Context, tx database.Tx, gs *GovernanceState) error {
	whitelistRaw, err := json.Marshal(gs.CommandWhitelist)
	if err != nil {
		return fmt.Errorf("encoding command whitelist: %w", err)
	}
	pausedRaw, err := json.Marshal(gs.PausedCommandTypes)
	if err != nil {
		return fmt.Errorf("encoding paused command types: %w", err)
	}

	var lastReport, lastExpansion any
	if !gs.LastReportDate.IsZero() {
		lastReport = gs.LastReportDate
	}
	if !gs.LastExpansionDate.IsZero() {
		lastExpansion = gs.LastExpansionDate
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO governance_state (
			id, current_phase, phase_start_date, command_whitelist, last_report_date,
			last_expansion_date, paused_command_types, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_phase = excluded.current_phase,
			phase_start_date = excluded.phase_start_date,
			command_whitelist = excluded.command_whitelist,
			last_report_date = excluded.last_report_date,
			last_expansion_date = excluded.last_expansion_date,
			paused_command_types = excluded.paused_command_types,
			updated_at = excluded.updated_at`,
		governanceStateID, gs.CurrentPhase, gs.PhaseStartDate, string(whitelistRaw), lastReport,
		lastExpansion, string(pausedRaw), gs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting governance state: %w", err)
	}
	return nil
}

// --- circuit_breaker_rules ---------------------------------------------

func syncCircuitBreakerRules(ctx context.Context, tx database.Tx, rules []CircuitBreakerRule) error {
	for _, r := range rules {
		_, err := tx.Exec(ctx, `
			INSERT INTO circuit_breaker_rules (name, enabled, condition, window, action, alert_severity, recognized)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				enabled = excluded.enabled,
				condition = excluded.condition,
				window = excluded.window,
				action = excluded.action,
				alert_severity = excluded.alert_severity,
				recognized = excluded.recognized`,
			r.Name, r.Enabled, r.Condition, r.Window, r.Action, r.AlertSeverity, r.Recognized,
		)
		if err != nil {
			return fmt.Errorf("syncing circuit breaker rule %s: %w", r.Name, err)
		}
	}
	return nil
}

// --- circuit_breaker_events ---------------------------------------------

func insertCircuitBreakerEvent(ctx context.Context, q database.Querier, e *CircuitBreakerEvent) error {
	snapshotRaw, err := json.Marshal(e.MetricsSnapshot)
	if err != nil {
		return fmt.Errorf("encoding metrics snapshot: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO circuit_breaker_events (
			id, timestamp, rule_name, metrics_snapshot, action, details, resolved, window_start, window_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.RuleName, string(snapshotRaw), e.Action, e.Details, e.Resolved, e.WindowStart, e.WindowEnd,
	)
	if err != nil {
		// The window-scoped unique index rejects a duplicate trip for the
		// same rule and window; treat that as already-recorded, not fatal.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return nil
		}
		return fmt.Errorf("inserting circuit breaker event: %w", err)
	}
	return nil
}

func countUnresolvedCircuitBreakerEvents(ctx context.Context, q database.Querier) (int, error) {
	row := q.QueryRow(ctx, `SELECT COUNT(*) FROM circuit_breaker_events WHERE resolved = 0`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unresolved circuit breaker events: %w", err)
	}
	return n, nil
}

// --- metrics_snapshots ---------------------------------------------------

func insertMetricsSnapshot(ctx context.Context, q database.Querier, id string, m *AutonomyMetrics, now time.Time) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metrics snapshot payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO metrics_snapshots (id, period_start, period_end, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, m.PeriodStart, m.PeriodEnd, string(payload), now,
	)
	if err != nil {
		return fmt.Errorf("inserting metrics snapshot: %w", err)
	}
	return nil
}

// --- readiness_assessments -------------------------------------------------

func insertReadinessAssessment(ctx context.Context, q database.Querier, id string, r *ReadinessReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding readiness assessment payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO readiness_assessments (id, timestamp, payload) VALUES (?, ?, ?)`,
		id, r.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting readiness assessment: %w", err)
	}
	return nil
}

// --- scope_expansion_proposals ---------------------------------------------

func insertScopeExpansionProposal(ctx context.Context, q database.Querier, p *ScopeExpansionProposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding scope expansion proposal payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO scope_expansion_proposals (proposal_id, timestamp, payload) VALUES (?, ?, ?)`,
		p.ProposalID, p.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting scope expansion proposal: %w", err)
	}
	return nil
}

func latestMetricsSnapshot(ctx context.Context, q database.Querier) (*AutonomyMetrics, error) {
	row := q.QueryRow(ctx, `SELECT payload FROM metrics_snapshots ORDER BY created_at DESC LIMIT 1`)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading latest metrics snapshot: %w", err)
	}
	var m AutonomyMetrics
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decoding metrics snapshot: %w", err)
	}
	return &m, nil
}

func latestReadinessAssessment(ctx context.Context, q database.Querier) (*ReadinessReport, error) {
	row := q.QueryRow(ctx, `SELECT payload FROM readiness_assessments ORDER BY timestamp DESC LIMIT 1`)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading latest readiness assessment: %w", err)
	}
	var r ReadinessReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decoding readiness assessment: %w", err)
	}
	return &r, nil
}

func listCircuitBreakerEvents(ctx context.Context, q database.Querier, limit int) ([]*CircuitBreakerEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT id, timestamp, rule_name, metrics_snapshot, action, details, resolved, window_start, window_end
		FROM circuit_breaker_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing circuit breaker events: %w", err)
	}
	defer rows.Close()

	var events []*CircuitBreakerEvent
	for rows.Next() {
		var e CircuitBreakerEvent
		var snapshotRaw string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RuleName, &snapshotRaw, &e.Action, &e.Details, &e.Resolved, &e.WindowStart, &e.WindowEnd); err != nil {
			return nil, fmt.Errorf("scanning circuit breaker event: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshotRaw), &e.MetricsSnapshot); err != nil {
			return nil, fmt.Errorf("decoding circuit breaker event snapshot: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func listCircuitBreakerRules(ctx context.Context, q database.Querier) ([]CircuitBreakerRule, error) {
	rows, err := q.Query(ctx, `SELECT name, enabled, condition, window, action, alert_severity, recognized FROM circuit_breaker_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing circuit breaker rules: %w", err)
	}
	defer rows.Close()

	var rules []CircuitBreakerRule
	for rows.Next() {
		var r CircuitBreakerRule
		if err := rows.Scan(&r.Name, &r.Enabled, &r.Condition, &r.Window, &r.Action, &r.AlertSeverity, &r.Recognized); err != nil {
			return nil, fmt.Errorf("scanning circuit breaker rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func setCircuitBreakerRuleEnabled(ctx context.Context, q database.Querier, name string, enabled bool) error {
	result, err := q.Exec(ctx, `UPDATE circuit_breaker_rules SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("updating circuit breaker rule %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for rule %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: circuit breaker rule %q", ErrNotFound, name)
	}
	return nil
}

func countPendingScopeExpansionProposals(ctx context.Context, q database.Querier) (int, error) {
	rows, err := q.Query(ctx, `SELECT payload FROM scope_expansion_proposals`)
	if err != nil {
		return 0, fmt.Errorf("selecting scope expansion proposals: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return 0, fmt.Errorf("scanning scope expansion proposal: %w", err)
		}
		var p ScopeExpansionProposal
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return 0, fmt.Errorf("decoding scope expansion proposal: %w", err)
		}
		if p.Status == ProposalStatusPending {
			n++
		}
	}
	return n, rows.Err()
}
