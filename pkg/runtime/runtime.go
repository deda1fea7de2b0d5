package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/policy"
)

// ErrToolNotFound is recorded on a ToolCall when the reasoner asked for a
// tool the registry has no handler for.
var ErrToolNotFound = errors.New("tool not found")

// ExecutionError is returned for every non-SUCCESS terminal trace status,
// carrying the trace so callers can still persist it even when execution
// is treated as failed.
type ExecutionError struct {
	Trace  *Trace
	Status TraceStatus
	Reason string
}

func (e *ExecutionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mission %s finished with status %s", e.Trace.MissionID, e.Status)
	}
	return fmt.Sprintf("mission %s finished with status %s: %s", e.Trace.MissionID, e.Status, e.Reason)
}

// Runtime executes missions one at a time via runMission, a
// single-threaded iteration loop generalized from an LLM tool-calling
// loop to a generic reasoner/policy/tool-handler loop.
type Runtime struct {
	reasoner Reasoner
	policy   *policy.Checker
	tools    *ToolRegistry
	clock    clock.Clock
	ids      clock.IDGenerator
}

// New creates a Runtime.
func New(reasoner Reasoner, checker *policy.Checker, tools *ToolRegistry, clk clock.Clock, ids clock.IDGenerator) *Runtime {
	return &Runtime{reasoner: reasoner, policy: checker, tools: tools, clock: clk, ids: ids}
}

// RunMission executes mission cooperatively, phase by phase, and
// returns the Trace. A Trace is returned even on error; callers that
// treat the execution as failed should still persist the returned trace.
func (rt *Runtime) RunMission(ctx context.Context, mission Mission, opts Options) (*Trace, error) {
	opts = opts.WithDefaults()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	loopID := rt.ids.NewID()
	trace := &Trace{
		TraceID:   rt.ids.NewID(),
		AgentID:   opts.AgentID,
		MissionID: mission.MissionID,
		StartedAt: rt.clock.Now(),
		LoopID:    loopID,
	}

	current := opts.InitialState
	if current == nil {
		current = State{}
	}
	scratch := map[string]any{}

	log := slog.With("mission_id", mission.MissionID, "loop_id", loopID, "agent_id", opts.AgentID)

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		trace.Iterations = iteration

		for _, step := range Steps {
			if err := runCtx.Err(); err != nil {
				return rt.finalize(trace, statusForCtxErr(err), err.Error())
			}

			entry := TraceEntry{
				MissionID: mission.MissionID,
				LoopID:    loopID,
				Iteration: iteration,
				Step:      step,
				StartedAt: rt.clock.Now(),
			}

			stepResult, err := rt.reasoner.RunStep(runCtx, step, StepContext{
				Mission: mission,
				State:   current,
				Scratch: scratch,
			})
			if err != nil {
				entry.Status = EntryError
				entry.Notes = err.Error()
				entry.CompletedAt = rt.clock.Now()
				trace.Entries = append(trace.Entries, entry)
				if ctxErr := runCtx.Err(); ctxErr != nil {
					return rt.finalize(trace, statusForCtxErr(ctxErr), ctxErr.Error())
				}
				return rt.finalize(trace, TraceError, fmt.Errorf("step %s: %w", step, err).Error())
			}

			current = current.Merge(stepResult.NewState)
			entry.Notes = stepResult.Notes

			for _, inv := range stepResult.ToolInvocations {
				if err := runCtx.Err(); err != nil {
					entry.Status = EntryError
					entry.CompletedAt = rt.clock.Now()
					trace.Entries = append(trace.Entries, entry)
					return rt.finalize(trace, statusForCtxErr(err), err.Error())
				}

				toolCall, fatalErr := rt.invokeTool(runCtx, opts.AgentID, mission, inv)
				entry.ToolCalls = append(entry.ToolCalls, toolCall)
				if fatalErr != nil {
					entry.Status = EntryError
					entry.CompletedAt = rt.clock.Now()
					trace.Entries = append(trace.Entries, entry)
					if ctxErr := runCtx.Err(); ctxErr != nil {
						return rt.finalize(trace, statusForCtxErr(ctxErr), ctxErr.Error())
					}
					return rt.finalize(trace, TraceError, fatalErr.Error())
				}
			}

			entry.Status = EntrySuccess
			entry.CompletedAt = rt.clock.Now()
			trace.Entries = append(trace.Entries, entry)

			if stepResult.Done {
				log.Debug("mission runtime finished", "iteration", iteration, "step", step)
				return rt.finalize(trace, TraceSuccess, "")
			}
		}
	}

	return rt.finalize(trace, TraceMaxIterations, "")
}

// invokeTool runs one policy-gated tool invocation. A policy deny is
// recorded on the call and treated as non-fatal, so the step continues;
// a missing tool handler, like any other tool execution failure, is
// fatal and terminates the current step as an error.
func (rt *Runtime) invokeTool(ctx context.Context, agentID string, mission Mission, inv ToolInvocationRequest) (ToolCall, error) {
	call := ToolCall{ToolName: inv.ToolName, Input: inv.Input}

	resource := mission.MissionID
	if mission.SubjectID != nil && *mission.SubjectID != "" {
		resource = *mission.SubjectID
	}

	policyCtx, err := mergeContextWithConstraints(mission.Context, mission.Constraints)
	if err != nil {
		policyCtx = mission.Context
	}

	req := policy.Request{
		AgentID:   agentID,
		Tool:      inv.ToolName,
		Action:    "invoke",
		Resource:  resource,
		MissionID: mission.MissionID,
		Context:   policyCtx,
	}

	start := rt.clock.Now()
	result, err := rt.policy.Check(ctx, req)
	if err != nil {
		return call, fmt.Errorf("policy check for tool %s: %w", inv.ToolName, err)
	}

	if result.Decision == policy.Deny {
		call.DeniedByPolicy = true
		call.DurationMs = sinceMs(start, rt.clock.Now())
		return call, nil
	}

	handler := rt.tools.Lookup(inv.ToolName)
	if handler == nil {
		fatalErr := fmt.Errorf("%w: %s", ErrToolNotFound, inv.ToolName)
		call.Error = fatalErr.Error()
		call.DurationMs = sinceMs(start, rt.clock.Now())
		return call, fatalErr
	}

	output, err := handler.Invoke(ctx, inv.Input)
	call.DurationMs = sinceMs(start, rt.clock.Now())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			call.Error = err.Error()
			return call, nil
		}
		call.Error = err.Error()
		return call, fmt.Errorf("tool %s: %w", inv.ToolName, err)
	}
	call.Output = output
	return call, nil
}

func (rt *Runtime) finalize(trace *Trace, status TraceStatus, errMsg string) (*Trace, error) {
	trace.Status = status
	trace.Error = errMsg
	trace.CompletedAt = rt.clock.Now()
	if status == TraceSuccess {
		return trace, nil
	}
	return trace, &ExecutionError{Trace: trace, Status: status, Reason: errMsg}
}

func statusForCtxErr(err error) TraceStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return TraceTimeout
	}
	if errors.Is(err, context.Canceled) {
		return TraceAborted
	}
	return TraceError
}

func sinceMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

func mergeContextWithConstraints(base json.RawMessage, constraints []string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &m); err != nil {
			return nil, err
		}
	}
	if len(constraints) > 0 {
		m["constraints"] = constraints
	}
	return json.Marshal(m)
}
