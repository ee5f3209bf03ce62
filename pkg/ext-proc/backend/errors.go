package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRank is returned when a (role, rank) pair is already held by another
	// healthy worker.
	ErrDuplicateRank = errors.New("duplicate rank")
	// ErrNoCapacity is returned when no healthy worker of the required role exists. It is
	// retryable.
	ErrNoCapacity = errors.New("no capacity")
	// ErrWorkerNotFound is returned for operations on an unknown worker id.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerUnhealthy marks an operation on a worker that missed its heartbeats.
	ErrWorkerUnhealthy = errors.New("worker unhealthy")
)

// ConfigurationError is a fatal misconfiguration: unresolved config references, rank range
// gaps or overlaps, connector role mismatches. It is never recovered automatically.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError returns true if err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRetryable returns true if the caller may retry the request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}
