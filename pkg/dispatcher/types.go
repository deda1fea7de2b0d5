// Package dispatcher subscribes to session-closed broker events,
// validates them, and submits idempotent mission requests to the Mission
// Store.
package dispatcher

import "time"

// SessionClosed is the inbound event schema. Field names follow the
// wire payload exactly.
type SessionClosed struct {
	Type            string    `json:"type" validate:"required,eq=session.closed"`
	Version         int       `json:"version" validate:"required,eq=1"`
	EmittedAt       time.Time `json:"emittedAt" validate:"required"`
	OrgID           string    `json:"orgId" validate:"required"`
	SiteID          string    `json:"siteId" validate:"required"`
	MachineID       string    `json:"machineId" validate:"required"`
	SessionID       string    `json:"sessionId" validate:"required"`
	ReportKind      string    `json:"reportKind"`
	Reason          string    `json:"reason,omitempty"`
	DropSeconds     *int      `json:"dropSeconds,omitempty"`
	TelemetryPoints *int      `json:"telemetryPoints,omitempty"`
}

// defaultReportKind is applied when the event omits reportKind.
const defaultReportKind = "POST_ROAST_V1"

// RecordedError is one entry in the bounded recent-errors ring (size 20).
type RecordedError struct {
	At      time.Time
	Topic   string
	Kind    string // "parse" | "validation" | "submit"
	Message string
}

// Status is the Dispatcher's status read: counters, recent errors, and
// the effective topic/goal config.
type Status struct {
	ParseErrors      int
	ValidationErrors int
	MissionsCreated  int
	MissionsDeduped  int
	KernelErrors     int
	RecentErrors     []RecordedError
	Topics           []string
	Goals            []string
}
