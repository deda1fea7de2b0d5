package worker

import (
	"context"
	"errors"
	"strings"
)

// TransientError marks a mission failure the classifier should treat as
// retryable regardless of its message shape.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err so classifyFailure treats it as retryable.
func NewTransientError(err error) error { return &TransientError{Err: err} }

var networkErrorPatterns = []string{"econn", "timeout", "enet"}

// classifyFailure decides whether a mission failure should be retried:
// context.DeadlineExceeded is a timeout (retryable), a TransientError or
// a message matching a known network-error pattern is retryable,
// everything else is not.
func classifyFailure(ctx context.Context, err error) (retryable bool, reason string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true, transient.Error()
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(lower, pattern) {
			return true, err.Error()
		}
	}

	return false, err.Error()
}
