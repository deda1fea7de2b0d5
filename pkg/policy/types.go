// Package policy implements the policy gate the Mission Runtime consults
// before invoking any tool, evaluated via an embedded Rego module.
package policy

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of a policy check.
type Decision string

// Possible decisions.
const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Request is a single policy check, one per tool invocation.
type Request struct {
	AgentID   string
	Tool      string
	Action    string // always "invoke" for tool calls
	Resource  string // mission.subjectId, falling back to missionId
	MissionID string
	Context   json.RawMessage
}

// Result is the outcome of evaluating a Request.
type Result struct {
	Request    Request
	Decision   Decision
	CheckedAt  time.Time
	Violations []string
}
