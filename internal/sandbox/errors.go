package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Only setup and validation
// problems surface as errors; a failing user program is a result with
// Success=false.
var (
	ErrInterpreterMissing = errors.New("interpreter binary not available")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrShuttingDown       = errors.New("executor is shutting down")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsSetupError returns true if the interpreter could not be located or started.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrInterpreterMissing)
}

// IsValidation returns true if the request was rejected before spawning.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
