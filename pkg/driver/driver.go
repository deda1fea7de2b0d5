// Package driver declares the hardware abstraction commanded machines are
// driven through. Concrete roaster drivers (serial, Modbus, vendor SDKs)
// are out of scope for this repository; only the interface and an
// in-memory registry used by tests and local development live here.
package driver

import (
	"context"
	"encoding/json"
	"errors"
)

// Status is the terminal outcome of a driver's writeCommand/abortCommand
// call.
type Status string

// Driver result statuses, mapped to CommandProposal terminal states by
// the Command Proposal Service.
const (
	StatusAccepted  Status = "ACCEPTED"
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
)

// ErrUnsupportedOperation is returned by a Driver when it declines a
// command outright. A declined writeCommand fails the proposal with
// outcome code UNSUPPORTED_OPERATION rather than retrying.
var ErrUnsupportedOperation = errors.New("driver does not support this operation")

// Command is the payload a Driver is asked to execute.
type Command struct {
	CommandID   string
	CommandType string
	MachineID   string
	TargetValue json.RawMessage
	Constraints []string
}

// Result is what a Driver's writeCommand/abortCommand returns.
type Result struct {
	Status  Status
	Details string
}

// Driver is the hardware abstraction a roaster backend implements.
// Non-goal: no concrete implementation ships in this repository.
type Driver interface {
	Connect(ctx context.Context, machineID string) error
	ReadTelemetry(ctx context.Context, machineID string) (json.RawMessage, error)
	WriteCommand(ctx context.Context, cmd Command) (Result, error)
	AbortCommand(ctx context.Context, machineID, commandID string) (Result, error)
}

// ErrNoDriver is returned by a Registry when no driver is registered for
// a machine.
var ErrNoDriver = errors.New("no driver registered for machine")

// Registry resolves a Driver by machineId.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register associates a Driver with a machineId.
func (r *Registry) Register(machineID string, d Driver) {
	r.drivers[machineID] = d
}

// Resolve returns the Driver registered for machineID, or ErrNoDriver.
func (r *Registry) Resolve(machineID string) (Driver, error) {
	d, ok := r.drivers[machineID]
	if !ok {
		return nil, ErrNoDriver
	}
	return d, nil
}
