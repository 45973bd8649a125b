package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout indicates a request did not gather its expected responses in time.
	ErrTimeout = errors.New("timeout reached while waiting for responses")

	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("engine closed")

	// ErrUnknownOperator indicates no operator is registered for a request type.
	ErrUnknownOperator = errors.New("unknown operator")
)

// Error kinds reported to the error sink and recorded in metrics.
const (
	KindMalformed    = "malformed"
	KindRegistration = "registration"
	KindTransport    = "transport"
)

// TimeoutError is returned by a request's future when its deadline fires first.
type TimeoutError struct {
	RequestID string
	Type      string
	Received  int
	Expected  int
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached while waiting for responses: request %s (%s) got %d of %d after %s",
		e.RequestID, e.Type, e.Received, e.Expected, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout checks if the error indicates a request timed out
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
