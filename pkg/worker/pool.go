package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/config"
)

// orphanState tracks orphan-recovery metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// Pool manages a fleet of Workers sharing one Mission Store.
type Pool struct {
	podID  string
	store  MissionStore
	runner MissionRunner
	cfg    *config.WorkerConfig
	goals  []string
	clock  clock.Clock

	workers []*Worker

	activeMissions map[string]context.CancelFunc
	mu             sync.RWMutex
	started        bool

	orphans orphanState
}

// NewPool creates a worker pool. Its workers run without an idempotency
// sidecar or trace sink.
func NewPool(podID string, store MissionStore, runner MissionRunner, cfg *config.WorkerConfig, goals []string, clk clock.Clock) *Pool {
	return &Pool{
		podID:          podID,
		store:          store,
		runner:         runner,
		cfg:            cfg,
		goals:          goals,
		clock:          clk,
		workers:        make([]*Worker, 0, cfg.WorkerCount),
		activeMissions: make(map[string]context.CancelFunc),
	}
}

// RegisterMission implements SessionRegistry.
func (p *Pool) RegisterMission(missionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeMissions[missionID] = cancel
}

// UnregisterMission implements SessionRegistry.
func (p *Pool) UnregisterMission(missionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeMissions, missionID)
}

// CancelMission triggers cancellation for a mission running on this pool.
// Returns true if it was found here.
func (p *Pool) CancelMission(missionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeMissions[missionID]; ok {
		cancel()
		return true
	}
	return false
}

// Start recovers this pod's startup orphans, then spawns the configured
// number of workers. Safe to call multiple times; later calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	recovered, err := CleanupStartupOrphans(ctx, p.store, p.podID)
	if err != nil {
		slog.Error("startup orphan cleanup failed", "pod_id", p.podID, "error", err)
	}
	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = p.clock.Now()
	p.orphans.orphansRecovered = recovered
	p.orphans.mu.Unlock()

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := NewWorker(workerID, p.podID, p.store, p.runner, p.cfg, p.goals, nil, nil, p, p.clock)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	slog.Info("worker pool started")
}

// Stop gracefully stops every worker, letting in-flight missions finish.
func (p *Pool) Stop() {
	slog.Info("stopping worker pool gracefully")

	active := p.activeMissionIDs()
	if len(active) > 0 {
		slog.Info("waiting for active missions to complete", "count", len(active), "mission_ids", active)
	}

	for _, w := range p.workers {
		w.Stop()
	}

	slog.Info("worker pool stopped gracefully")
}

// Health aggregates per-worker health into a pool-level report.
func (p *Pool) Health() *PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, w := range p.workers {
		stats := w.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

func (p *Pool) activeMissionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeMissions))
	for id := range p.activeMissions {
		ids = append(ids, id)
	}
	return ids
}
