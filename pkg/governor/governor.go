package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roastfabric/kernel/pkg/alertsink"
	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/database"
)

// scopeExpansionCycle is how often the weekly expansion check is due.
const scopeExpansionCycle = 7 * 24 * time.Hour

// Health is a point-in-time snapshot of the governor's loop.
type Health struct {
	Running      bool      `json:"running"`
	RulesLoaded  int       `json:"rulesLoaded"`
	LastTick     time.Time `json:"lastTick"`
	LastTickErr  string    `json:"lastTickError,omitempty"`
	CurrentPhase string    `json:"currentPhase"`
}

// Governor runs the periodic metrics/readiness/circuit-breaker/scope-
// expansion cycle on a fixed interval.
type Governor struct {
	conn       *database.Conn
	clock      clock.Clock
	ids        clock.IDGenerator
	cfg        *config.GovernorConfig
	governance *GovernanceStore
	breaker    *CircuitBreaker
	rules      []CircuitBreakerRule

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.RWMutex
	lastTick    time.Time
	lastTickErr string
	running     bool
}

// New builds a Governor. specs is the loaded circuit breaker rule set
// (config.LoadCircuitBreakerRules); alerts may be nil to disable alert
// delivery.
func New(conn *database.Conn, clk clock.Clock, ids clock.IDGenerator, cfg *config.GovernorConfig, alerts alertsink.Sink, specs []config.CircuitBreakerRuleSpec) *Governor {
	governance := NewGovernanceStore(conn)
	breaker, loaded := NewCircuitBreaker(conn, clk, ids, governance, alerts, specs)
	return &Governor{
		conn:       conn,
		clock:      clk,
		ids:        ids,
		cfg:        cfg,
		governance: governance,
		breaker:    breaker,
		rules:      loaded,
		stopCh:     make(chan struct{}),
	}
}

// Governance exposes the GovernanceStore so callers (e.g. the Command
// Proposal Service) can be wired to consult it.
func (g *Governor) Governance() *GovernanceStore { return g.governance }

// Start persists the loaded rule set and begins ticking in a goroutine.
// Safe to call once; a second call is a no-op.
func (g *Governor) Start(ctx context.Context) error {
	if err := g.conn.WithTransaction(ctx, func(tx database.Tx) error {
		return syncCircuitBreakerRules(ctx, tx, g.rules)
	}); err != nil {
		return fmt.Errorf("persisting circuit breaker rules: %w", err)
	}

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.mu.Unlock()

	interval := g.cfg.CircuitBreakerInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	g.wg.Add(1)
	go g.run(ctx, interval)
	return nil
}

// Stop signals the tick loop to exit and waits for it to finish.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Health returns the governor's current health snapshot.
func (g *Governor) Health(ctx context.Context) Health {
	g.mu.RLock()
	h := Health{Running: g.running, RulesLoaded: len(g.rules), LastTick: g.lastTick, LastTickErr: g.lastTickErr}
	g.mu.RUnlock()

	if gs, err := g.governance.Get(ctx); err == nil {
		h.CurrentPhase = gs.CurrentPhase
	}
	return h
}

func (g *Governor) run(ctx context.Context, interval time.Duration) {
	defer g.wg.Done()
	log := slog.With("component", "autonomy-governor")
	log.Info("autonomy governor started", "interval", interval, "rules_loaded", len(g.rules))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			log.Info("autonomy governor shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, autonomy governor shutting down")
			return
		case <-ticker.C:
			if err := g.Tick(ctx); err != nil {
				log.Error("governor tick failed", "error", err)
			}
		}
	}
}

// Tick runs one evaluation cycle: circuit breaker rules, then (if a week
// has elapsed since the last run) the scope expansion check.
func (g *Governor) Tick(ctx context.Context) error {
	now := g.clock.Now()
	var tickErr error

	if g.cfg.CircuitBreakerEnabled {
		if _, err := g.breaker.Evaluate(ctx, func(ctx context.Context, start, end time.Time) (*AutonomyMetrics, error) {
			return CollectMetrics(ctx, g.conn, start, end)
		}); err != nil {
			tickErr = fmt.Errorf("circuit breaker evaluation: %w", err)
		}
	}

	if due, err := g.scopeExpansionDue(ctx, now); err != nil {
		if tickErr == nil {
			tickErr = err
		}
	} else if due {
		if _, err := g.GenerateScopeExpansionProposal(ctx); err != nil && tickErr == nil {
			tickErr = fmt.Errorf("generating scope expansion proposal: %w", err)
		}
	}

	g.mu.Lock()
	g.lastTick = now
	if tickErr != nil {
		g.lastTickErr = tickErr.Error()
	} else {
		g.lastTickErr = ""
	}
	g.mu.Unlock()

	return tickErr
}

func (g *Governor) scopeExpansionDue(ctx context.Context, now time.Time) (bool, error) {
	gs, err := g.governance.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("reading governance state for scope expansion check: %w", err)
	}
	if gs.LastReportDate.IsZero() {
		return true, nil
	}
	return now.Sub(gs.LastReportDate) >= scopeExpansionCycle, nil
}

// GenerateScopeExpansionProposal runs the metrics collector and readiness
// assessor over the trailing 7 days and, if the system is ready with no
// unresolved circuit breaker events and no pending proposal already
// outstanding, writes a new ScopeExpansionProposal. It returns (nil, nil)
// when conditions aren't met for an expansion this cycle.
func (g *Governor) GenerateScopeExpansionProposal(ctx context.Context) (*ScopeExpansionProposal, error) {
	now := g.clock.Now()
	if err := g.governance.RecordReportRun(ctx, now); err != nil {
		return nil, fmt.Errorf("recording governor report run: %w", err)
	}

	gs, err := g.governance.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading governance state: %w", err)
	}

	step, ok := nextPhaseStep(gs.CurrentPhase)
	if !ok {
		return nil, nil
	}

	metrics, err := CollectMetrics(ctx, g.conn, now.Add(-scopeExpansionCycle), now)
	if err != nil {
		return nil, fmt.Errorf("collecting metrics for scope expansion: %w", err)
	}

	unresolved, err := countUnresolvedCircuitBreakerEvents(ctx, g.conn)
	if err != nil {
		return nil, fmt.Errorf("counting unresolved circuit breaker events: %w", err)
	}
	pending, err := countPendingScopeExpansionProposals(ctx, g.conn)
	if err != nil {
		return nil, fmt.Errorf("counting pending scope expansion proposals: %w", err)
	}

	readiness := AssessReadiness(now, gs.CurrentPhase, gs.PhaseStartDate, metrics, unresolved, pending, g.cfg.CircuitBreakerEnabled)
	if rErr := g.saveReadiness(ctx, readiness); rErr != nil {
		return nil, rErr
	}

	if !readiness.Overall.Ready || unresolved > 0 || pending > 0 {
		return nil, nil
	}

	proposal := &ScopeExpansionProposal{
		ProposalID:           g.ids.NewID(),
		Timestamp:            now,
		FromPhase:            step.from,
		ToPhase:              step.to,
		AddedCommandTypes:    step.addedCommandTypes,
		ValidationPeriodDays: step.validationPeriodDays,
		RiskLevel:            riskLevelFor(step.to, metrics, readiness.Overall.Score),
		RequiredApprovers:    approversForPhase(step.to),
		Status:               ProposalStatusPending,
		Metrics:              *metrics,
		Readiness:            *readiness,
	}
	if err := insertScopeExpansionProposal(ctx, g.conn, proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

func (g *Governor) saveReadiness(ctx context.Context, r *ReadinessReport) error {
	if err := insertReadinessAssessment(ctx, g.conn, g.ids.NewID(), r); err != nil {
		return fmt.Errorf("saving readiness assessment: %w", err)
	}
	return nil
}

// LatestMetrics returns the most recently saved metrics snapshot, or nil
// if none has been saved yet.
func (g *Governor) LatestMetrics(ctx context.Context) (*AutonomyMetrics, error) {
	return latestMetricsSnapshot(ctx, g.conn)
}

// LatestReadiness returns the most recently saved readiness assessment,
// or nil if none has been saved yet.
func (g *Governor) LatestReadiness(ctx context.Context) (*ReadinessReport, error) {
	return latestReadinessAssessment(ctx, g.conn)
}

// ListCircuitBreakerEvents returns up to limit recorded events, most
// recent first.
func (g *Governor) ListCircuitBreakerEvents(ctx context.Context, limit int) ([]*CircuitBreakerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return listCircuitBreakerEvents(ctx, g.conn, limit)
}

// ListCircuitBreakerRules returns every loaded rule, including any marked
// unrecognized.
func (g *Governor) ListCircuitBreakerRules(ctx context.Context) ([]CircuitBreakerRule, error) {
	return listCircuitBreakerRules(ctx, g.conn)
}

// SetCircuitBreakerRuleEnabled toggles a rule's enabled flag in storage
// only. The rules the governor evaluates are compiled from the loaded rule
// specs and do not change, and the next Start rewrites the stored flag
// from those specs.
func (g *Governor) SetCircuitBreakerRuleEnabled(ctx context.Context, name string, enabled bool) error {
	return setCircuitBreakerRuleEnabled(ctx, g.conn, name, enabled)
}

// CollectAndSaveMetrics runs the metrics collector over [start, end] and
// persists the result as a snapshot, returning the computed metrics.
func (g *Governor) CollectAndSaveMetrics(ctx context.Context, start, end time.Time) (*AutonomyMetrics, error) {
	m, err := CollectMetrics(ctx, g.conn, start, end)
	if err != nil {
		return nil, err
	}
	if err := insertMetricsSnapshot(ctx, g.conn, g.ids.NewID(), m, g.clock.Now()); err != nil {
		return nil, fmt.Errorf("saving metrics snapshot: %w", err)
	}
	return m, nil
}
