package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/database"
)

// Store is the durable, leased mission queue. Its verbs are each a single
// serializable transaction.
type Store struct {
	conn  *database.Conn
	clock clock.Clock
	ids   clock.IDGenerator

	// DefaultLeaseTTL is used when claim() is not given an override.
	DefaultLeaseTTL time.Duration
	// DefaultMaxAttempts is used when a submit request omits MaxAttempts.
	DefaultMaxAttempts int
}

// NewStore creates a Mission Store backed by conn.
func NewStore(conn *database.Conn, clk clock.Clock, ids clock.IDGenerator) *Store {
	return &Store{
		conn:               conn,
		clock:              clk,
		ids:                ids,
		DefaultLeaseTTL:    60 * time.Second,
		DefaultMaxAttempts: 5,
	}
}

// Submit inserts a new mission, or deduplicates against an existing
// non-terminal mission sharing the same idempotency key: submitting the
// same request twice returns the original mission on the second call.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Goal == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidInput)
	}

	maxAttempts := s.DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	var result SubmitResult

	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		if req.IdempotencyKey != nil {
			existing, err := findNonTerminalByKey(ctx, tx, *req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = SubmitResult{Outcome: OutcomeDeduped, Mission: existing}
				return nil
			}
		}

		m := &Mission{
			MissionID:      s.ids.NewID(),
			Goal:           req.Goal,
			Params:         orEmptyObject(req.Params),
			SubjectID:      req.SubjectID,
			Priority:       priority,
			Constraints:    req.Constraints,
			Context:        orEmptyObject(req.Context),
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      s.clock.Now(),
			Status:         StatusPending,
			Attempts:       0,
			MaxAttempts:    maxAttempts,
		}
		if err := insertMission(ctx, tx, m); err != nil {
			return err
		}
		result = SubmitResult{Outcome: OutcomeCreated, Mission: m}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submitting mission: %w", err)
	}
	return &result, nil
}

// Claim atomically selects and leases the next eligible mission, honoring
// goal filtering, priority, FIFO ordering, and retry scheduling. Returns
// a nil Mission when no candidate is available.
func (s *Store) Claim(ctx context.Context, agentName string, goals []string) (*ClaimResult, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: agentName is required", ErrInvalidInput)
	}

	var claimed *Mission

	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		now := s.clock.Now()
		candidates, err := selectClaimCandidates(ctx, tx, goals, now)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		best := pickBestCandidate(candidates)

		leaseID := s.ids.NewID()
		leaseExpiresAt := now.Add(s.DefaultLeaseTTL)
		if err := claimMission(ctx, tx, best.MissionID, agentName, leaseID, now, leaseExpiresAt); err != nil {
			return err
		}

		best.Status = StatusRunning
		best.LeaseID = &leaseID
		best.LeaseExpiresAt = &leaseExpiresAt
		best.ClaimedBy = &agentName
		best.ClaimedAt = &now
		best.Attempts++
		claimed = best
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming mission: %w", err)
	}
	return &ClaimResult{Mission: claimed}, nil
}

// Heartbeat extends a claimed mission's lease if leaseID still matches.
func (s *Store) Heartbeat(ctx context.Context, missionID, leaseID string) (HeartbeatOutcome, error) {
	outcome := OutcomeStale
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getMissionForUpdate(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if current == nil || current.LeaseID == nil || *current.LeaseID != leaseID {
			return nil
		}
		now := s.clock.Now()
		leaseExpiresAt := now.Add(s.DefaultLeaseTTL)
		if err := extendLease(ctx, tx, missionID, leaseExpiresAt, now); err != nil {
			return err
		}
		outcome = OutcomeOK
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("heartbeat for mission %s: %w", missionID, err)
	}
	return outcome, nil
}

// Complete transitions a claimed mission to DONE, clearing its lease.
func (s *Store) Complete(ctx context.Context, missionID, leaseID string, resultMeta json.RawMessage) (HeartbeatOutcome, error) {
	outcome := OutcomeStale
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getMissionForUpdate(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if current == nil || current.LeaseID == nil || *current.LeaseID != leaseID {
			return nil
		}
		if err := finalizeMission(ctx, tx, missionID, StatusDone, resultMeta, nil, nil); err != nil {
			return err
		}
		outcome = OutcomeOK
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("completing mission %s: %w", missionID, err)
	}
	return outcome, nil
}

// Fail transitions a claimed mission back to PENDING (with backoff) if
// retryable and attempts remain, or to FAILED otherwise.
func (s *Store) Fail(ctx context.Context, missionID, leaseID, errMsg string, retryable bool) (HeartbeatOutcome, error) {
	outcome := OutcomeStale
	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		current, err := getMissionForUpdate(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if current == nil || current.LeaseID == nil || *current.LeaseID != leaseID {
			return nil
		}

		errorMeta, _ := json.Marshal(map[string]string{"error": errMsg})

		if retryable && current.Attempts < current.MaxAttempts {
			nextRetryAt := s.clock.Now().Add(Backoff(current.Attempts))
			if err := retryMission(ctx, tx, missionID, nextRetryAt, errorMeta); err != nil {
				return err
			}
		} else {
			if err := finalizeMission(ctx, tx, missionID, StatusFailed, nil, errorMeta, nil); err != nil {
				return err
			}
		}
		outcome = OutcomeOK
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failing mission %s: %w", missionID, err)
	}
	return outcome, nil
}

// ReclaimExpired converts every RUNNING mission whose lease has expired
// into a retryable failure with error "lease expired". It is idempotent
// and safe to run from every replica.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var reclaimed int

	err := s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		expired, err := selectExpiredRunning(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, m := range expired {
			errorMeta, _ := json.Marshal(map[string]string{"error": "lease expired"})
			if m.Attempts < m.MaxAttempts {
				nextRetryAt := now.Add(Backoff(m.Attempts))
				if err := retryMission(ctx, tx, m.MissionID, nextRetryAt, errorMeta); err != nil {
					return err
				}
			} else {
				if err := finalizeMission(ctx, tx, m.MissionID, StatusFailed, nil, errorMeta, nil); err != nil {
					return err
				}
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	return reclaimed, nil
}

// Get retrieves a mission by id for read purposes; reads are eventually
// consistent with respect to in-flight writes.
func (s *Store) Get(ctx context.Context, missionID string) (*Mission, error) {
	m, err := getMission(ctx, s.conn, missionID)
	if err != nil {
		return nil, fmt.Errorf("getting mission %s: %w", missionID, err)
	}
	if m == nil {
		return nil, ErrNotFound
	}
	return m, nil
}

// ListRunningByClaimedBy returns every RUNNING mission currently claimed
// by claimedBy, used by a worker at startup to recover missions it owned
// before a prior crash.
func (s *Store) ListRunningByClaimedBy(ctx context.Context, claimedBy string) ([]*Mission, error) {
	missions, err := selectRunningByClaimedBy(ctx, s.conn, claimedBy)
	if err != nil {
		return nil, fmt.Errorf("listing running missions for %s: %w", claimedBy, err)
	}
	return missions, nil
}

// RunReclamationLoop runs ReclaimExpired on a ticker until ctx is done.
// Callers should schedule it at least every leaseTtl/2.
func (s *Store) RunReclamationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReclaimExpired(ctx)
			if err != nil {
				slog.Error("lease reclamation failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}

// Backoff computes the retry delay for the given attempt count: base 2s,
// cap 5min, full jitter.
func Backoff(attempts int) time.Duration {
	const (
		base    = 2 * time.Second
		maxWait = 5 * time.Minute
	)
	exp := base * time.Duration(1<<uint(min(attempts, 20)))
	if exp > maxWait || exp <= 0 {
		exp = maxWait
	}
	return time.Duration(rand.Int64N(int64(exp)))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func findNonTerminalByKey(ctx context.Context, q database.Querier, key string) (*Mission, error) {
	row := q.QueryRow(ctx, `
		SELECT `+missionColumns+`
		FROM missions
		WHERE idempotency_key = ? AND status IN ('PENDING', 'RUNNING')
		LIMIT 1`, key)
	m, err := scanMissionRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}
