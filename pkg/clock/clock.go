// Package clock provides the injectable time and identity seams used
// throughout the mission store, runtime, and governor so their tick-based
// logic can be tested without wall-clock sleeps.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// IDGenerator abstracts identifier generation.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the production IDGenerator backed by google/uuid.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }
