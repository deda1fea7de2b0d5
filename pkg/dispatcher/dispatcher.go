package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/roastfabric/kernel/pkg/broker"
	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/mission"
)

// MissionSubmitter is the Mission Store surface the Dispatcher depends
// on, kept as a narrow interface so tests can stub it without a database.
type MissionSubmitter interface {
	Submit(ctx context.Context, req mission.SubmitRequest) (*mission.SubmitResult, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Topics is the set of wildcard topic filters to subscribe to;
	// default is the single filter "ops/+/+/+/session/closed".
	Topics []string
	// Goals lists candidate mission goals; Goals[0] is used
	// ("configuredGoals[0] (default generate-roast-report)").
	Goals       []string
	MaxAttempts int
}

// DefaultTopics returns the default wildcard topic filter.
func DefaultTopics() []string { return []string{"ops/+/+/+/session/closed"} }

// DefaultGoals returns the default goal list.
func DefaultGoals() []string { return []string{"generate-roast-report"} }

// Dispatcher subscribes to session-closed events and submits idempotent
// mission requests.
type Dispatcher struct {
	cfg       Config
	submitter MissionSubmitter
	clock     clock.Clock
	validate  *validator.Validate

	mu               sync.Mutex
	parseErrors      int
	validationErrors int
	missionsCreated  int
	missionsDeduped  int
	kernelErrors     int
	recentErrors     *errorRing
}

// New creates a Dispatcher. cfg zero-values fall back to the package
// defaults.
func New(cfg Config, submitter MissionSubmitter, clk clock.Clock) *Dispatcher {
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics()
	}
	if len(cfg.Goals) == 0 {
		cfg.Goals = DefaultGoals()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		cfg:          cfg,
		submitter:    submitter,
		clock:        clk,
		validate:     validator.New(),
		recentErrors: newErrorRing(20),
	}
}

// HandleMessage implements broker.Handler: decode, validate, submit. It
// never returns an error — all failures are recorded in counters/the
// error ring, since the broker must never have its subscription killed
// by a handler failure.
func (d *Dispatcher) HandleMessage(msg broker.Message) {
	ctx := context.Background()

	event, err := d.decode(msg.Payload)
	if err != nil {
		d.mu.Lock()
		d.parseErrors++
		d.mu.Unlock()
		d.recordError(msg.Topic, "parse", err.Error())
		return
	}

	if err := d.validateEvent(event); err != nil {
		d.mu.Lock()
		d.validationErrors++
		d.mu.Unlock()
		d.recordError(msg.Topic, "validation", err.Error())
		return
	}

	if err := d.submit(ctx, event); err != nil {
		d.mu.Lock()
		d.kernelErrors++
		d.mu.Unlock()
		d.recordError(msg.Topic, "submit", err.Error())
		return
	}
}

// Replay re-validates and force-resubmits event under its original
// idempotency key, for operational recovery.
func (d *Dispatcher) Replay(ctx context.Context, event SessionClosed) error {
	if event.ReportKind == "" {
		event.ReportKind = defaultReportKind
	}
	if err := d.validateEvent(event); err != nil {
		return fmt.Errorf("replay validation: %w", err)
	}
	return d.submit(ctx, event)
}

// Status returns the Dispatcher's counters, recent errors, and effective
// config.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		ParseErrors:      d.parseErrors,
		ValidationErrors: d.validationErrors,
		MissionsCreated:  d.missionsCreated,
		MissionsDeduped:  d.missionsDeduped,
		KernelErrors:     d.kernelErrors,
		RecentErrors:     d.recentErrors.snapshot(),
		Topics:           d.cfg.Topics,
		Goals:            d.cfg.Goals,
	}
}

func (d *Dispatcher) decode(payload []byte) (SessionClosed, error) {
	var event SessionClosed
	if err := json.Unmarshal(payload, &event); err != nil {
		return SessionClosed{}, fmt.Errorf("decoding session.closed payload: %w", err)
	}
	if event.ReportKind == "" {
		event.ReportKind = defaultReportKind
	}
	return event, nil
}

func (d *Dispatcher) validateEvent(event SessionClosed) error {
	if err := d.validate.Struct(event); err != nil {
		return fmt.Errorf("validating session.closed schema: %w", err)
	}
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, event SessionClosed) error {
	goal := d.cfg.Goals[0]
	idempotencyKey := fmt.Sprintf("%s:%s:%s", goal, event.ReportKind, event.SessionID)

	params, err := json.Marshal(map[string]any{
		"sessionId":  event.SessionID,
		"reportKind": event.ReportKind,
	})
	if err != nil {
		return fmt.Errorf("encoding mission params: %w", err)
	}

	maxAttempts := d.cfg.MaxAttempts
	result, err := d.submitter.Submit(ctx, mission.SubmitRequest{
		Goal:           goal,
		Params:         params,
		SubjectID:      &event.MachineID,
		IdempotencyKey: &idempotencyKey,
		MaxAttempts:    &maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("submitting mission for session %s: %w", event.SessionID, err)
	}

	d.mu.Lock()
	switch result.Outcome {
	case mission.OutcomeCreated:
		d.missionsCreated++
	case mission.OutcomeDeduped:
		d.missionsDeduped++
	}
	d.mu.Unlock()

	slog.Debug("dispatched mission", "session_id", event.SessionID, "outcome", result.Outcome)
	return nil
}

func (d *Dispatcher) recordError(topic, kind, message string) {
	d.recentErrors.add(RecordedError{At: d.clock.Now(), Topic: topic, Kind: kind, Message: message})
}
