package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
)

const missionColumns = `
	mission_id, goal, params, subject_id, priority, constraints, context,
	idempotency_key, created_at, status, attempts, max_attempts,
	lease_id, lease_expires_at, last_heartbeat_at, claimed_by, claimed_at,
	next_retry_at, result_meta, error_meta`

func scanMission(scan func(dest ...any) error) (*Mission, error) {
	var (
		m              Mission
		constraintsRaw string
		createdAt      time.Time
		leaseExpiresAt sql.NullTime
		lastHeartbeat  sql.NullTime
		claimedAt      sql.NullTime
		nextRetryAt    sql.NullTime
		subjectID      sql.NullString
		idempotency    sql.NullString
		leaseID        sql.NullString
		claimedBy      sql.NullString
		resultMeta     sql.NullString
		errorMeta      sql.NullString
	)

	err := scan(
		&m.MissionID, &m.Goal, &m.Params, &subjectID, &m.Priority, &constraintsRaw, &m.Context,
		&idempotency, &createdAt, &m.Status, &m.Attempts, &m.MaxAttempts,
		&leaseID, &leaseExpiresAt, &lastHeartbeat, &claimedBy, &claimedAt,
		&nextRetryAt, &resultMeta, &errorMeta,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = createdAt
	if constraintsRaw != "" {
		if err := json.Unmarshal([]byte(constraintsRaw), &m.Constraints); err != nil {
			return nil, fmt.Errorf("decoding constraints: %w", err)
		}
	}
	if subjectID.Valid {
		m.SubjectID = &subjectID.String
	}
	if idempotency.Valid {
		m.IdempotencyKey = &idempotency.String
	}
	if leaseID.Valid {
		m.LeaseID = &leaseID.String
	}
	if leaseExpiresAt.Valid {
		m.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if lastHeartbeat.Valid {
		m.LastHeartbeatAt = &lastHeartbeat.Time
	}
	if claimedBy.Valid {
		m.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		m.ClaimedAt = &claimedAt.Time
	}
	if nextRetryAt.Valid {
		m.NextRetryAt = &nextRetryAt.Time
	}
	if resultMeta.Valid {
		m.ResultMeta = json.RawMessage(resultMeta.String)
	}
	if errorMeta.Valid {
		m.ErrorMeta = json.RawMessage(errorMeta.String)
	}
	return &m, nil
}

func scanMissionRow(row database.Row) (*Mission, error) {
	return scanMission(row.Scan)
}

func scanMissionRows(rows database.Rows) (*Mission, error) {
	return scanMission(rows.Scan)
}

func insertMission(ctx context.Context, tx database.Tx, m *Mission) error {
	constraintsRaw, err := json.Marshal(m.Constraints)
	if err != nil {
		return fmt.Errorf("encoding constraints: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO missions (
			mission_id, goal, params, subject_id, priority, constraints, context,
			idempotency_key, created_at, status, attempts, max_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MissionID, m.Goal, string(m.Params), m.SubjectID, string(m.Priority), string(constraintsRaw), string(m.Context),
		m.IdempotencyKey, m.CreatedAt, string(m.Status), m.Attempts, m.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("inserting mission: %w", err)
	}
	return nil
}

// selectClaimCandidates returns every mission eligible for claim(): PENDING
// missions whose goal is in goals (or all goals, if empty) and whose
// nextRetryAt has elapsed. Ordering and tie-breaking happens in Go
// (pickBestCandidate) so the dialect-portable query stays simple.
func selectClaimCandidates(ctx context.Context, tx database.Tx, goals []string, now time.Time) ([]*Mission, error) {
	query := `
		SELECT ` + missionColumns + `
		FROM missions
		WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	args := []any{now}

	if len(goals) > 0 {
		placeholders := make([]string, len(goals))
		for i, g := range goals {
			placeholders[i] = "?"
			args = append(args, g)
		}
		query += fmt.Sprintf(" AND goal IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY created_at ASC LIMIT 50"

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting claim candidates: %w", err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		m, err := scanMissionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claim candidate: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// pickBestCandidate applies priority ordering (HIGH > MEDIUM > LOW) with
// FIFO as the tiebreaker.
func pickBestCandidate(candidates []*Mission) *Mission {
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0]
}

func claimMission(ctx context.Context, tx database.Tx, missionID, claimedBy, leaseID string, now, leaseExpiresAt time.Time) error {
	res, err := tx.Exec(ctx, `
		UPDATE missions
		SET status = 'RUNNING', lease_id = ?, lease_expires_at = ?, last_heartbeat_at = ?,
		    claimed_by = ?, claimed_at = ?, attempts = attempts + 1, next_retry_at = NULL
		WHERE mission_id = ? AND status = 'PENDING'`,
		leaseID, leaseExpiresAt, now, claimedBy, now, missionID,
	)
	if err != nil {
		return fmt.Errorf("claiming mission %s: %w", missionID, err)
	}
	return requireOneRowAffected(res, "claim mission")
}

func getMissionForUpdate(ctx context.Context, tx database.Tx, missionID string) (*Mission, error) {
	row := tx.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE mission_id = ?`, missionID)
	m, err := scanMissionRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func getMission(ctx context.Context, q database.Querier, missionID string) (*Mission, error) {
	row := q.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE mission_id = ?`, missionID)
	m, err := scanMissionRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func extendLease(ctx context.Context, tx database.Tx, missionID string, leaseExpiresAt, now time.Time) error {
	res, err := tx.Exec(ctx, `
		UPDATE missions SET lease_expires_at = ?, last_heartbeat_at = ?
		WHERE mission_id = ? AND status = 'RUNNING'`,
		leaseExpiresAt, now, missionID,
	)
	if err != nil {
		return fmt.Errorf("extending lease for mission %s: %w", missionID, err)
	}
	return requireOneRowAffected(res, "extend lease")
}

func finalizeMission(ctx context.Context, tx database.Tx, missionID string, status Status, resultMeta, errorMeta json.RawMessage, _ *time.Time) error {
	res, err := tx.Exec(ctx, `
		UPDATE missions
		SET status = ?, result_meta = ?, error_meta = ?,
		    lease_id = NULL, lease_expires_at = NULL, next_retry_at = NULL
		WHERE mission_id = ?`,
		string(status), nullableJSON(resultMeta), nullableJSON(errorMeta), missionID,
	)
	if err != nil {
		return fmt.Errorf("finalizing mission %s: %w", missionID, err)
	}
	return requireOneRowAffected(res, "finalize mission")
}

func retryMission(ctx context.Context, tx database.Tx, missionID string, nextRetryAt time.Time, errorMeta json.RawMessage) error {
	res, err := tx.Exec(ctx, `
		UPDATE missions
		SET status = 'PENDING', lease_id = NULL, lease_expires_at = NULL,
		    next_retry_at = ?, error_meta = ?
		WHERE mission_id = ?`,
		nextRetryAt, nullableJSON(errorMeta), missionID,
	)
	if err != nil {
		return fmt.Errorf("scheduling retry for mission %s: %w", missionID, err)
	}
	return requireOneRowAffected(res, "retry mission")
}

func selectExpiredRunning(ctx context.Context, tx database.Tx, now time.Time) ([]*Mission, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+missionColumns+`
		FROM missions
		WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC
		LIMIT 100`, now)
	if err != nil {
		return nil, fmt.Errorf("selecting expired leases: %w", err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		m, err := scanMissionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func selectRunningByClaimedBy(ctx context.Context, q database.Querier, claimedBy string) ([]*Mission, error) {
	rows, err := q.Query(ctx, `
		SELECT `+missionColumns+`
		FROM missions
		WHERE status = 'RUNNING' AND claimed_by = ?
		ORDER BY claimed_at ASC`, claimedBy)
	if err != nil {
		return nil, fmt.Errorf("selecting running missions claimed by %s: %w", claimedBy, err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		m, err := scanMissionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireOneRowAffected(res database.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: checking rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: no matching row (stale or concurrently modified)", op)
	}
	return nil
}
