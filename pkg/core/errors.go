package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the failure reason of an instance that ran out of time.
	ErrTimeout = errors.New("timeout")
	// ErrRetriesExhausted is the failure reason of an input that was retried too often.
	ErrRetriesExhausted = errors.New("retry")
	ErrGlobalTimeout    = errors.New("job timed out")
	ErrJobNotFound      = errors.New("job not found")
	ErrMissingRun       = errors.New("job has no run function")
)

// PanicError wraps a value recovered from a panicking processing function.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Reason returns the short tag handed to failure handlers.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRetriesExhausted):
		return "retry"
	default:
		return err.Error()
	}
}
