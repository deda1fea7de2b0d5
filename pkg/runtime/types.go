// Package runtime executes a single mission as a bounded, cooperative
// perception-reasoning-action loop, the mission execution core of the
// autonomy fabric.
package runtime

import (
	"encoding/json"
	"time"
)

// Step is one of the five phases a mission iteration runs through, in
// declared order.
type Step string

// The fixed phase sequence every iteration runs through.
const (
	StepGetMission Step = "GET_MISSION"
	StepScan       Step = "SCAN"
	StepThink      Step = "THINK"
	StepAct        Step = "ACT"
	StepObserve    Step = "OBSERVE"
)

// Steps is the declared phase order every iteration runs through.
var Steps = []Step{StepGetMission, StepScan, StepThink, StepAct, StepObserve}

// TraceStatus is the terminal status of a Trace or TraceEntry.
type TraceStatus string

// Trace-level terminal statuses.
const (
	TraceSuccess       TraceStatus = "SUCCESS"
	TraceMaxIterations TraceStatus = "MAX_ITERATIONS"
	TraceTimeout       TraceStatus = "TIMEOUT"
	TraceAborted       TraceStatus = "ABORTED"
	TraceError         TraceStatus = "ERROR"
)

// Entry-level statuses (a TraceEntry only ever succeeds or errors; the
// other terminal states belong to the Trace as a whole).
const (
	EntrySuccess TraceStatus = "SUCCESS"
	EntryError   TraceStatus = "ERROR"
)

// ToolCall records one policy-gated tool invocation within a TraceEntry.
type ToolCall struct {
	ToolName       string
	Input          json.RawMessage
	Output         json.RawMessage
	DurationMs     int64
	DeniedByPolicy bool
	Error          string
}

// TraceEntry is the record of one phase of one iteration.
type TraceEntry struct {
	MissionID   string
	LoopID      string
	Iteration   int
	Step        Step
	Status      TraceStatus
	StartedAt   time.Time
	CompletedAt time.Time
	ToolCalls   []ToolCall
	Notes       string
}

// Trace is emitted exactly once per mission execution attempt.
type Trace struct {
	TraceID     string
	AgentID     string
	MissionID   string
	Status      TraceStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Entries     []TraceEntry
	LoopID      string
	Iterations  int
	Error       string
}

// State is the reasoner's working memory, merged last-write-wins across
// phases.
type State map[string]any

// Merge applies updates onto s, last-write-wins on keys, returning the
// merged map (s is not mutated).
func (s State) Merge(updates State) State {
	out := make(State, len(s)+len(updates))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// ToolInvocationRequest is a tool call the reasoner asked the runtime to
// perform, before policy gating.
type ToolInvocationRequest struct {
	ToolName string
	Input    json.RawMessage
}

// StepResult is what Reasoner.RunStep returns for a single phase.
type StepResult struct {
	NewState        State
	ToolInvocations []ToolInvocationRequest
	Done            bool
	Notes           string
}

// StepContext is passed to Reasoner.RunStep.
type StepContext struct {
	Mission Mission
	State   State
	Scratch map[string]any
}

// Mission is the minimal view of a mission.Mission the runtime needs;
// kept as its own type to avoid an import cycle with pkg/mission and to
// let callers run the runtime against a mission fetched any way they like.
type Mission struct {
	MissionID   string
	Goal        string
	Params      json.RawMessage
	SubjectID   *string
	Constraints []string
	Context     json.RawMessage
}

// Options configures a single runMission call.
type Options struct {
	MaxIterations int           // default 3
	Timeout       time.Duration // 0 = no runtime-imposed timeout
	AgentID       string
	InitialState  State
}

// WithDefaults returns a copy of o with zero-valued fields set to their
// defaults (maxIterations default 3).
func (o Options) WithDefaults() Options {
	if o.MaxIterations == 0 {
		o.MaxIterations = 3
	}
	return o
}
