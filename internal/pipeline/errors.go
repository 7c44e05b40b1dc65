package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks failures that retrying cannot fix. Stage bodies wrap it
	// to fail their stage after a single attempt.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTimeout is recorded when a stage attempt outlives its deadline.
	ErrTimeout = errors.New("stage attempt timed out")
)

// InvalidInput formats an error wrapping ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
