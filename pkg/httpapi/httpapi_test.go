package httpapi_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/command"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/driver"
	"github.com/roastfabric/kernel/pkg/governor"
	"github.com/roastfabric/kernel/pkg/httpapi"
	"github.com/roastfabric/kernel/pkg/metrics"
	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/tracestore"
)

const schema = `
CREATE TABLE missions (
    mission_id          TEXT PRIMARY KEY,
    goal                TEXT NOT NULL,
    params              TEXT NOT NULL DEFAULT '{}',
    subject_id          TEXT,
    priority            TEXT NOT NULL DEFAULT 'MEDIUM',
    constraints         TEXT NOT NULL DEFAULT '[]',
    context             TEXT NOT NULL DEFAULT '{}',
    idempotency_key     TEXT,
    created_at          TIMESTAMP NOT NULL,
    status              TEXT NOT NULL DEFAULT 'PENDING',
    attempts            INTEGER NOT NULL DEFAULT 0,
    max_attempts        INTEGER NOT NULL DEFAULT 5,
    lease_id            TEXT,
    lease_expires_at    TIMESTAMP,
    last_heartbeat_at   TIMESTAMP,
    claimed_by          TEXT,
    claimed_at          TIMESTAMP,
    next_retry_at       TIMESTAMP,
    result_meta         TEXT,
    error_meta          TEXT
);

CREATE TABLE traces (
    trace_id        TEXT PRIMARY KEY,
    agent_id        TEXT NOT NULL,
    mission_id      TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at      TIMESTAMP NOT NULL,
    completed_at    TIMESTAMP,
    entries         TEXT NOT NULL DEFAULT '[]',
    loop_id         TEXT,
    iterations      INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT
);

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

CREATE TABLE metrics_snapshots (
    id              TEXT PRIMARY KEY,
    period_start    TIMESTAMP NOT NULL,
    period_end      TIMESTAMP NOT NULL,
    payload         TEXT NOT NULL,
    created_at      TEXT NOT NULL
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

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)

	conn := database.WrapDB(database.DialectSQLite, db)
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	missions := mission.NewStore(conn, clk, clock.NewSequentialIDs("mission"))

	reg := driver.NewRegistry()
	gov := governor.New(conn, clk, clock.NewSequentialIDs("gov"), &config.GovernorConfig{
		CircuitBreakerEnabled:  true,
		CircuitBreakerInterval: time.Minute,
	}, nil, config.DefaultCircuitBreakerRules())
	require.NoError(t, gov.Start(context.Background()))
	t.Cleanup(gov.Stop)

	commands := command.NewService(conn, clk, clock.NewSequentialIDs("proposal"), reg, gov.Governance())
	traces := tracestore.NewStore(conn)
	m := metrics.New()

	return httpapi.NewServer(conn, missions, commands, traces, gov, nil, m)
}

func doRequest(srv *httpapi.Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointReportsHealthy(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestSubmitMissionCreatesAndReturns201(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/missions", map[string]any{
		"goal": "roast-batch",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "created", body["outcome"])
}

func TestSubmitMissionMissingGoalIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/missions", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimMissionReturns204WhenNoneAvailable(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/missions/claim", map[string]any{
		"agentName": "agent-1",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimMissionReturnsSubmittedMission(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, http.MethodPost, "/api/missions", map[string]any{"goal": "roast-batch"})

	rec := doRequest(srv, http.MethodPost, "/api/missions/claim", map[string]any{
		"agentName": "agent-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, "roast-batch", m["Goal"])
}

func TestAppendTraceRoundTrips(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/traces", map[string]any{
		"TraceID":   "trace-1",
		"AgentID":   "agent-1",
		"MissionID": "mission-1",
		"Status":    "SUCCESS",
		"StartedAt": "2026-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestProposeCommandRequiresProposedBy(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/proposals", map[string]any{
		"command": map[string]any{
			"commandId":   "cmd-1",
			"commandType": "SET_TEMPERATURE",
			"machineId":   "roaster-1",
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposeCommandCreatesProposal(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/proposals", map[string]any{
		"command": map[string]any{
			"commandId":   "cmd-1",
			"commandType": "SET_TEMPERATURE",
			"machineId":   "roaster-1",
		},
		"proposedBy": "HUMAN",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var p map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, "APPROVED", p["Status"])
}

func TestApproveUnknownProposalReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/proposals/missing/approve", map[string]any{
		"actor": "ops-1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPendingProposalsEmpty(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/proposals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestGovernanceStateReturnsInitialPhase(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/governance/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var gs map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gs))
	require.Equal(t, "L3", gs["currentPhase"])
}

func TestCircuitBreakerRulesListsDefaults(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/circuit-breaker/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.NotEmpty(t, rules)
}

func TestLatestMetricsReturns404WhenNoneSaved(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/metrics/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrometheusMetricsReflectMissionActivity(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, http.MethodPost, "/api/missions", map[string]any{"goal": "roast-batch"})
	doRequest(srv, http.MethodPost, "/api/missions/claim", map[string]any{"agentName": "agent-1"})
	doRequest(srv, http.MethodGet, "/api/governance/state", nil)

	rec := doRequest(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, `kernel_mission_submitted_total{outcome="created"} 1`)
	require.Contains(t, body, `kernel_mission_claimed_total{goal="roast-batch"} 1`)
	require.Contains(t, body, `kernel_governor_phase{phase="L3"} 1`)
}
