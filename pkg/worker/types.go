// Package worker implements a long-running process that claims leases
// from the Mission Store, heartbeats them, runs the Mission Runtime, and
// reports completion or failure back to the store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/runtime"
)

// ErrNoMissionAvailable is returned by pollAndProcess when claim() found
// nothing to do; the caller sleeps for pollInterval and retries.
var ErrNoMissionAvailable = errors.New("no mission available")

// WorkerStatus is a Worker's current health-tracking state.
type WorkerStatus string

// Worker status values.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// MissionStore is the Mission Store surface a Worker depends on, kept
// narrow so tests can stub it without a database.
type MissionStore interface {
	Claim(ctx context.Context, agentName string, goals []string) (*mission.ClaimResult, error)
	Heartbeat(ctx context.Context, missionID, leaseID string) (mission.HeartbeatOutcome, error)
	Complete(ctx context.Context, missionID, leaseID string, resultMeta json.RawMessage) (mission.HeartbeatOutcome, error)
	Fail(ctx context.Context, missionID, leaseID, errMsg string, retryable bool) (mission.HeartbeatOutcome, error)
	ListRunningByClaimedBy(ctx context.Context, claimedBy string) ([]*mission.Mission, error)
}

// MissionRunner executes a single mission attempt. runtime.Runtime
// satisfies this interface directly.
type MissionRunner interface {
	RunMission(ctx context.Context, m runtime.Mission, opts runtime.Options) (*runtime.Trace, error)
}

// TraceSink persists a completed trace out-of-band, best-effort and
// outside the atomic claim/complete result; failures are logged, never
// fatal.
type TraceSink interface {
	Submit(ctx context.Context, trace *runtime.Trace) error
}

// IdempotencySidecar looks up a prior result for a session-scoped mission
// so a worker can short-circuit re-execution.
type IdempotencySidecar interface {
	Lookup(ctx context.Context, sessionID string) (found bool, resultMeta json.RawMessage, err error)
}

// SessionRegistry registers/unregisters per-mission cancel functions so a
// pool can expose manual cancellation.
type SessionRegistry interface {
	RegisterMission(missionID string, cancel context.CancelFunc)
	UnregisterMission(missionID string)
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID                string
	Status            WorkerStatus
	CurrentMissionID  string
	MissionsProcessed int
	HeartbeatFailures int
	LastError         string
	LastActivity      time.Time
}

// PoolHealth is the aggregate health of a WorkerPool.
type PoolHealth struct {
	IsHealthy        bool
	PodID            string
	ActiveWorkers    int
	TotalWorkers     int
	WorkerStats      []WorkerHealth
	LastOrphanScan   time.Time
	OrphansRecovered int
}
