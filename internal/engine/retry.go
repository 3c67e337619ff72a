package engine

import (
	"context"
	"errors"
	"net"

	"flowline/pkg/schema"
)

// IsRetryableError classifies a dispatch failure. Deterministic failures
// (validation, not-found, invalid transitions) burn no further attempts;
// transient failures (store errors, network errors) go back to the queue.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr.IsRetryable()
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	return true
}
