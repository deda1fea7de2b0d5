package governor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roastfabric/kernel/pkg/alertsink"
	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/database"
)

var (
	conditionRe = regexp.MustCompile(`^\s*([a-zA-Z][a-zA-Z0-9_.]*)\s*(>=|<=|===|==|>|<)\s*(.+?)\s*$`)
	windowRe    = regexp.MustCompile(`^([0-9]+)(s|m|h|d)$`)
)

// condition is a parsed `lhs op rhs` circuit breaker expression.
type condition struct {
	lhs      string
	op       string
	rhsNum   float64
	rhsStr   string
	isString bool
}

func parseCondition(expr string) (*condition, error) {
	match := conditionRe.FindStringSubmatch(expr)
	if match == nil {
		return nil, fmt.Errorf("%w: %q does not match `lhs op rhs`", ErrInvalidRule, expr)
	}
	c := &condition{lhs: match[1], op: match[2]}

	rhs := strings.TrimSpace(match[3])
	if len(rhs) >= 2 && (rhs[0] == '"' || rhs[0] == '\'') && rhs[len(rhs)-1] == rhs[0] {
		c.isString = true
		c.rhsStr = rhs[1 : len(rhs)-1]
		return c, nil
	}
	n, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: rhs %q is neither quoted nor numeric", ErrInvalidRule, rhs)
	}
	c.rhsNum = n
	return c, nil
}

func parseWindow(window string) (time.Duration, error) {
	match := windowRe.FindStringSubmatch(strings.TrimSpace(window))
	if match == nil {
		return 0, fmt.Errorf("%w: window %q must match [0-9]+(s|m|h|d)", ErrInvalidRule, window)
	}
	n, _ := strconv.Atoi(match[1])
	switch match[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unrecognized window unit in %q", ErrInvalidRule, window)
}

// evaluate reports whether the condition is met for the given metrics.
// incident.severity === "critical" is a special case: there is no severity
// scalar, so it triggers whenever CriticalIncidents is nonzero.
func (c *condition) evaluate(m *AutonomyMetrics) bool {
	if c.lhs == "incident.severity" && c.isString {
		if c.rhsStr == "critical" {
			return m.CriticalIncidents > 0
		}
		return false
	}

	var lhsVal float64
	switch c.lhs {
	case "errorRate":
		lhsVal = m.ErrorRate
	case "rollbackRate":
		lhsVal = m.RollbackRate
	case "successRate":
		lhsVal = m.SuccessRate
	case "approvalRate":
		lhsVal = m.ApprovalRate
	case "incidents.critical":
		lhsVal = float64(m.CriticalIncidents)
	case "commandType.failures":
		lhsVal = float64(m.Failed)
	case "constraintViolations":
		lhsVal = float64(m.ConstraintViolations)
	case "emergencyAborts":
		lhsVal = float64(m.EmergencyAborts)
	default:
		return false
	}

	switch c.op {
	case ">":
		return lhsVal > c.rhsNum
	case ">=":
		return lhsVal >= c.rhsNum
	case "<":
		return lhsVal < c.rhsNum
	case "<=":
		return lhsVal <= c.rhsNum
	case "==", "===":
		return lhsVal == c.rhsNum
	}
	return false
}

// ruleState pairs a parsed rule with its own gobreaker instance, which
// debounces re-firing while the underlying condition remains true.
type ruleState struct {
	rule   CircuitBreakerRule
	cond   *condition
	window time.Duration
	cb     *gobreaker.CircuitBreaker
}

var errConditionTriggered = fmt.Errorf("circuit breaker condition triggered")

// compileRules converts loaded rule specs into ruleStates, marking any
// rule whose condition or window fails to parse as unrecognized (and
// logging a warning for it) rather than rejecting the whole set.
func compileRules(specs []config.CircuitBreakerRuleSpec) ([]*ruleState, []CircuitBreakerRule) {
	var states []*ruleState
	var loaded []CircuitBreakerRule

	for _, spec := range specs {
		r := CircuitBreakerRule{
			Name: spec.Name, Enabled: spec.Enabled, Condition: spec.Condition,
			Window: spec.Window, Action: spec.Action, AlertSeverity: spec.AlertSeverity,
		}

		cond, condErr := parseCondition(spec.Condition)
		window, winErr := parseWindow(spec.Window)
		r.Recognized = condErr == nil && winErr == nil
		loaded = append(loaded, r)

		if !r.Recognized {
			slog.Warn("circuit breaker rule not recognized; it will never trigger",
				"rule", spec.Name, "condition", spec.Condition, "window", spec.Window)
		}
		if !r.Recognized || !r.Enabled {
			continue
		}

		states = append(states, &ruleState{
			rule:   r,
			cond:   cond,
			window: window,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        spec.Name,
				MaxRequests: 1,
				Timeout:     window,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 1
				},
			}),
		})
	}
	return states, loaded
}

// CircuitBreaker evaluates every enabled rule on a fixed interval,
// applying its action (revert_to_l3, pause_command_type, alert_only) the
// first time a condition trips and staying quiet for the rule's own
// window afterward.
type CircuitBreaker struct {
	conn       *database.Conn
	clock      clock.Clock
	ids        clock.IDGenerator
	governance *GovernanceStore
	alerts     alertsink.Sink
	rules      []*ruleState
}

// NewCircuitBreaker compiles specs and returns a ready CircuitBreaker.
// The compiled, possibly-unrecognized rule list is returned too so the
// caller can persist it for operator visibility.
func NewCircuitBreaker(conn *database.Conn, clk clock.Clock, ids clock.IDGenerator, governance *GovernanceStore, alerts alertsink.Sink, specs []config.CircuitBreakerRuleSpec) (*CircuitBreaker, []CircuitBreakerRule) {
	states, loaded := compileRules(specs)
	return &CircuitBreaker{conn: conn, clock: clk, ids: ids, governance: governance, alerts: alerts, rules: states}, loaded
}

// Evaluate runs every compiled rule once against its own window of
// metrics and returns the events it fired, if any.
func (b *CircuitBreaker) Evaluate(ctx context.Context, collect func(ctx context.Context, start, end time.Time) (*AutonomyMetrics, error)) ([]*CircuitBreakerEvent, error) {
	now := b.clock.Now()
	var fired []*CircuitBreakerEvent

	for _, rs := range b.rules {
		if rs.cb.State() == gobreaker.StateOpen {
			continue // still cooling down from a previous trip
		}

		start := now.Add(-rs.window)
		metrics, err := collect(ctx, start, now)
		if err != nil {
			return fired, fmt.Errorf("collecting metrics for rule %s: %w", rs.rule.Name, err)
		}

		triggered := rs.cond.evaluate(metrics)
		if !triggered {
			_, _ = rs.cb.Execute(func() (interface{}, error) { return nil, nil })
			continue
		}

		_, _ = rs.cb.Execute(func() (interface{}, error) { return nil, errConditionTriggered })
		if rs.cb.State() != gobreaker.StateOpen {
			continue // debounced below the breaker's trip threshold
		}

		event, err := b.fire(ctx, rs, metrics, start, now)
		if err != nil {
			return fired, err
		}
		fired = append(fired, event)
	}
	return fired, nil
}

func (b *CircuitBreaker) fire(ctx context.Context, rs *ruleState, metrics *AutonomyMetrics, start, now time.Time) (*CircuitBreakerEvent, error) {
	details := b.applyAction(ctx, rs.rule, metrics)

	event := &CircuitBreakerEvent{
		ID:              b.ids.NewID(),
		Timestamp:       now,
		RuleName:        rs.rule.Name,
		MetricsSnapshot: *metrics,
		Action:          rs.rule.Action,
		Details:         details,
		Resolved:        false,
		WindowStart:     start,
		WindowEnd:       now,
	}
	if err := insertCircuitBreakerEvent(ctx, b.conn, event); err != nil {
		return nil, err
	}
	if b.alerts != nil {
		severity := alertsink.Severity(rs.rule.AlertSeverity)
		if severity == "" {
			severity = alertsink.SeverityWarning
		}
		if err := b.alerts.Alert(ctx, severity, fmt.Sprintf("circuit breaker tripped: %s", rs.rule.Name), details); err != nil {
			return event, fmt.Errorf("sending circuit breaker alert for rule %s: %w", rs.rule.Name, err)
		}
	}
	return event, nil
}

// applyAction performs the rule's configured response and returns a
// human-readable summary for the event's Details field.
func (b *CircuitBreaker) applyAction(ctx context.Context, rule CircuitBreakerRule, metrics *AutonomyMetrics) string {
	switch rule.Action {
	case ActionRevertToL3:
		if err := b.governance.RevertToL3(ctx, b.clock.Now()); err != nil {
			return fmt.Sprintf("revert_to_l3 failed: %v", err)
		}
		return "reverted governance phase to L3 and cleared the command whitelist"
	case ActionPauseCommandType:
		commandType, count := metrics.maxCommandTypeFailures()
		if commandType == "" {
			return "pause_command_type: no failing command type identified in window"
		}
		if err := b.governance.PauseCommandType(ctx, commandType); err != nil {
			return fmt.Sprintf("pause_command_type failed: %v", err)
		}
		return fmt.Sprintf("paused command type %s (%d failures in window)", commandType, count)
	case ActionAlertOnly:
		return "alert only, no governance state change"
	default:
		return fmt.Sprintf("unrecognized action %q, no governance state change", rule.Action)
	}
}
