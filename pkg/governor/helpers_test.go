package governor_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/database"
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

CREATE TABLE governance_state (
    id                  INTEGER PRIMARY KEY,
    current_phase       TEXT NOT NULL DEFAULT 'L3',
    phase_start_date    TIMESTAMP NOT NULL,
    command_whitelist   TEXT NOT NULL DEFAULT '[]',
    last_report_date    TIMESTAMP,
    last_expansion_date TIMESTAMP,
    paused_command_types TEXT NOT NULL DEFAULT '[]',
    updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE circuit_breaker_rules (
    name            TEXT PRIMARY KEY,
    enabled         INTEGER NOT NULL DEFAULT 1,
    condition       TEXT NOT NULL,
    window          TEXT NOT NULL,
    action          TEXT NOT NULL,
    alert_severity  TEXT NOT NULL DEFAULT 'warning',
    recognized      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE circuit_breaker_events (
    id                  TEXT PRIMARY KEY,
    timestamp           TIMESTAMP NOT NULL,
    rule_name           TEXT NOT NULL,
    metrics_snapshot    TEXT NOT NULL,
    action              TEXT NOT NULL,
    details             TEXT,
    resolved            INTEGER NOT NULL DEFAULT 0,
    window_start        TIMESTAMP NOT NULL,
    window_end          TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX idx_cb_events_rule_window ON circuit_breaker_events (rule_name, window_start, window_end);

CREATE TABLE metrics_snapshots (
    id              TEXT PRIMARY KEY,
    period_start    TIMESTAMP NOT NULL,
    period_end      TIMESTAMP NOT NULL,
    payload         TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL
);

CREATE TABLE readiness_assessments (
    id              TEXT PRIMARY KEY,
    timestamp       TIMESTAMP NOT NULL,
    payload         TEXT NOT NULL
);

CREATE TABLE scope_expansion_proposals (
    proposal_id     TEXT PRIMARY KEY,
    timestamp       TIMESTAMP NOT NULL,
    payload         TEXT NOT NULL
);
`

func newTestConn(t *testing.T) *database.Conn {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(schema)
	require.NoError(t, err)

	return database.WrapDB(database.DialectSQLite, db)
}

func insertProposal(t *testing.T, conn *database.Conn, proposalID, commandType, status, outcome, rejectionReason string, createdAt time.Time) {
	t.Helper()
	commandJSON := `{"commandId":"` + proposalID + `","commandType":"` + commandType + `","machineId":"roaster-1"}`
	_, err := conn.Exec(context.Background(), `
		INSERT INTO command_proposals (
			proposal_id, command, machine_id, proposed_by, status, approval_required,
			approval_timeout_seconds, rejection_reason, outcome, audit_log, created_at
		) VALUES (?, ?, 'roaster-1', 'AGENT', ?, 0, 300, ?, ?, '[]', ?)`,
		proposalID, commandJSON, status, nullIfEmpty(rejectionReason), nullIfEmpty(outcome), createdAt,
	)
	require.NoError(t, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func testClock() *clock.Mock {
	return clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}
