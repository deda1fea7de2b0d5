package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/roastfabric/kernel/pkg/clock"
)

//go:embed rules/gate.rego
var gateModule string

// Checker evaluates PolicyRequests against the embedded Rego gate module.
// One Checker is built per process and reused across every tool
// invocation; the prepared query is compiled once.
type Checker struct {
	clock   clock.Clock
	query   rego.PreparedEvalQuery

	// DeniedTools is consulted by the gate module as input.denied_tools.
	// Mutating it after construction takes effect on the next Check call.
	DeniedTools []string
}

// NewChecker compiles the embedded gate module and returns a ready Checker.
func NewChecker(ctx context.Context, clk clock.Clock) (*Checker, error) {
	r := rego.New(
		rego.Query("data.roastfabric.gate"),
		rego.Module("gate.rego", gateModule),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling policy gate module: %w", err)
	}
	return &Checker{clock: clk, query: pq}, nil
}

// Check evaluates req and returns an ALLOW/DENY Result. It never errors on
// a DENY decision — only on a genuine evaluation failure (malformed
// module, evaluator internal error).
func (c *Checker) Check(ctx context.Context, req Request) (*Result, error) {
	input := map[string]any{
		"agentId":      req.AgentID,
		"tool":         req.Tool,
		"action":       req.Action,
		"resource":     req.Resource,
		"missionId":    req.MissionID,
		"denied_tools": c.DeniedTools,
		"constraints":  []string{},
	}
	if len(req.Context) > 0 {
		var ctxMap map[string]any
		if err := json.Unmarshal(req.Context, &ctxMap); err == nil {
			if cs, ok := ctxMap["constraints"]; ok {
				input["constraints"] = cs
			}
		}
	}

	rs, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating policy gate: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy gate produced no result")
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy gate result had unexpected shape: %T", rs[0].Expressions[0].Value)
	}

	allowed, _ := doc["allow"].(bool)
	violations := extractViolations(doc["violations"])

	decision := Deny
	if allowed {
		decision = Allow
	}

	return &Result{
		Request:    req,
		Decision:   decision,
		CheckedAt:  c.clock.Now(),
		Violations: violations,
	}, nil
}

func extractViolations(raw any) []string {
	set, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for _, v := range set {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
