package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/runtime"
)

// Worker is a single poll/claim/heartbeat/execute/report loop, generalized
// from ent-backed alert sessions to the Mission Store.
type Worker struct {
	id       string
	podID    string
	store    MissionStore
	runner   MissionRunner
	cfg      *config.WorkerConfig
	goals    []string
	sidecar  IdempotencySidecar // may be nil
	sink     TraceSink          // may be nil
	registry SessionRegistry    // may be nil
	clock    clock.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                sync.RWMutex
	status            WorkerStatus
	currentMissionID  string
	missionsProcessed int
	heartbeatFailures int
	lastError         string
	lastActivity      time.Time
}

// NewWorker creates a Worker. sidecar, sink, and registry may be nil to
// disable their respective optional behaviors.
func NewWorker(id, podID string, store MissionStore, runner MissionRunner, cfg *config.WorkerConfig, goals []string, sidecar IdempotencySidecar, sink TraceSink, registry SessionRegistry, clk clock.Clock) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		runner:       runner,
		cfg:          cfg,
		goals:        goals,
		sidecar:      sidecar,
		sink:         sink,
		registry:     registry,
		clock:        clk,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: clk.Now(),
	}
}

// Start begins the worker's poll loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for its current mission (if
// any) to finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            w.status,
		CurrentMissionID:  w.currentMissionID,
		MissionsProcessed: w.missionsProcessed,
		HeartbeatFailures: w.heartbeatFailures,
		LastError:         w.lastError,
		LastActivity:      w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoMissionAvailable) {
					w.sleep(w.cfg.PollInterval)
					continue
				}
				log.Error("error processing mission", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next mission, if any, and runs it through to
// a terminal report.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	claim, err := w.store.Claim(ctx, w.id, w.goals)
	if err != nil {
		return fmt.Errorf("claiming mission: %w", err)
	}
	if claim.Mission == nil {
		return ErrNoMissionAvailable
	}
	m := claim.Mission

	log := slog.With("mission_id", m.MissionID, "worker_id", w.id)
	log.Info("mission claimed")

	w.setStatus(WorkerStatusWorking, m.MissionID)
	defer w.setStatus(WorkerStatusIdle, "")

	leaseID := ""
	if m.LeaseID != nil {
		leaseID = *m.LeaseID
	}

	// Step 1: idempotency-sidecar short-circuit.
	if sessionID, ok := sessionIDFromParams(m.Params); ok && w.sidecar != nil {
		found, resultMeta, err := w.sidecar.Lookup(ctx, sessionID)
		if err != nil {
			log.Warn("idempotency sidecar lookup failed", "error", err)
		} else if found {
			log.Info("idempotency sidecar hit, completing without re-execution")
			if _, err := w.store.Complete(ctx, m.MissionID, leaseID, resultMeta); err != nil {
				return fmt.Errorf("completing deduped mission %s: %w", m.MissionID, err)
			}
			w.recordProcessed()
			return nil
		}
	}

	// Step 3: run under a timeout.
	missionCtx, cancel := context.WithTimeout(ctx, w.cfg.MissionTimeout)
	defer cancel()

	if w.registry != nil {
		w.registry.RegisterMission(m.MissionID, cancel)
		defer w.registry.UnregisterMission(m.MissionID)
	}

	// Step 2: heartbeats.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(missionCtx)
	go w.runHeartbeat(heartbeatCtx, m.MissionID, leaseID)

	trace, runErr := w.runner.RunMission(missionCtx, toRuntimeMission(m), runtime.Options{AgentID: w.id})

	cancelHeartbeat()

	if trace != nil {
		w.submitTrace(context.Background(), trace)
	}

	if runErr == nil {
		resultMeta, _ := json.Marshal(map[string]any{"missionId": m.MissionID})
		if trace != nil {
			resultMeta, _ = json.Marshal(map[string]any{"missionId": m.MissionID, "traceId": trace.TraceID})
		}
		if _, err := w.store.Complete(ctx, m.MissionID, leaseID, resultMeta); err != nil {
			return fmt.Errorf("completing mission %s: %w", m.MissionID, err)
		}
		w.recordProcessed()
		log.Info("mission completed")
		return nil
	}

	// Step 5: classify and report failure.
	retryable, reason := classifyFailure(missionCtx, runErr)
	if _, err := w.store.Fail(ctx, m.MissionID, leaseID, reason, retryable); err != nil {
		return fmt.Errorf("failing mission %s: %w", m.MissionID, err)
	}
	w.recordProcessed()
	log.Warn("mission failed", "retryable", retryable, "reason", reason)
	return nil
}

// runHeartbeat periodically extends the lease. Failures are non-fatal:
// it does not abort the mission, since the lease expiry path is the
// authoritative recovery mechanism.
func (w *Worker) runHeartbeat(ctx context.Context, missionID, leaseID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.Heartbeat(ctx, missionID, leaseID); err != nil {
				w.recordHeartbeatFailure(err)
			}
		}
	}
}

func (w *Worker) submitTrace(ctx context.Context, trace *runtime.Trace) {
	if w.sink == nil {
		return
	}
	if err := w.sink.Submit(ctx, trace); err != nil {
		slog.Warn("trace sink submission failed", "mission_id", trace.MissionID, "error", err)
	}
}

func (w *Worker) setStatus(status WorkerStatus, missionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentMissionID = missionID
	w.lastActivity = w.clock.Now()
}

func (w *Worker) recordProcessed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.missionsProcessed++
	w.lastActivity = w.clock.Now()
}

func (w *Worker) recordHeartbeatFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatFailures++
	w.lastError = err.Error()
}

func toRuntimeMission(m *mission.Mission) runtime.Mission {
	return runtime.Mission{
		MissionID:   m.MissionID,
		Goal:        m.Goal,
		Params:      m.Params,
		SubjectID:   m.SubjectID,
		Constraints: m.Constraints,
		Context:     m.Context,
	}
}

func sessionIDFromParams(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &decoded); err != nil || decoded.SessionID == "" {
		return "", false
	}
	return decoded.SessionID, true
}
