// Package tracestore persists runtime.Trace records for operational
// replay and the HTTP trace append surface, backed by the traces table.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/runtime"
)

// Store persists Trace records.
type Store struct {
	conn *database.Conn
}

// NewStore creates a Store backed by conn.
func NewStore(conn *database.Conn) *Store {
	return &Store{conn: conn}
}

// Append inserts a completed Trace. TraceID must be unique; re-appending
// the same TraceID is an error rather than an upsert, since a Trace is
// emitted exactly once per mission execution attempt.
func (s *Store) Append(ctx context.Context, t *runtime.Trace) error {
	entriesRaw, err := json.Marshal(t.Entries)
	if err != nil {
		return fmt.Errorf("encoding trace entries: %w", err)
	}

	var completedAt any
	if !t.CompletedAt.IsZero() {
		completedAt = t.CompletedAt
	}
	var loopID any
	if t.LoopID != "" {
		loopID = t.LoopID
	}
	var errMsg any
	if t.Error != "" {
		errMsg = t.Error
	}

	_, err = s.conn.Exec(ctx, `
		INSERT INTO traces (
			trace_id, agent_id, mission_id, status, started_at, completed_at,
			entries, loop_id, iterations, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.AgentID, t.MissionID, t.Status, t.StartedAt, completedAt,
		string(entriesRaw), loopID, t.Iterations, errMsg,
	)
	if err != nil {
		return fmt.Errorf("appending trace: %w", err)
	}
	return nil
}

// Get returns the Trace by id, or nil if not found.
func (s *Store) Get(ctx context.Context, traceID string) (*runtime.Trace, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT trace_id, agent_id, mission_id, status, started_at, completed_at,
		       entries, loop_id, iterations, error_message
		FROM traces WHERE trace_id = ?`, traceID)

	var (
		t            runtime.Trace
		completedAt  sql.NullTime
		entriesRaw   string
		loopID       sql.NullString
		errMsg       sql.NullString
		startedAt    time.Time
	)
	err := row.Scan(&t.TraceID, &t.AgentID, &t.MissionID, &t.Status, &startedAt, &completedAt,
		&entriesRaw, &loopID, &t.Iterations, &errMsg)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading trace: %w", err)
	}

	t.StartedAt = startedAt
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	if loopID.Valid {
		t.LoopID = loopID.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(entriesRaw), &t.Entries); err != nil {
		return nil, fmt.Errorf("decoding trace entries: %w", err)
	}
	return &t, nil
}

// ListByMission returns every Trace recorded for a mission, most recent
// first.
func (s *Store) ListByMission(ctx context.Context, missionID string) ([]*runtime.Trace, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT trace_id FROM traces WHERE mission_id = ? ORDER BY started_at DESC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("listing traces for mission: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning trace id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	traces := make([]*runtime.Trace, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			traces = append(traces, t)
		}
	}
	return traces, nil
}
