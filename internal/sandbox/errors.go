package sandbox

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by calls on a closed sandbox.
var ErrClosed = errors.New("sandbox: closed")

// ScriptError is an error raised by scene code. Any other error from a
// Sandbox is a failure of the runtime itself.
type ScriptError struct {
	Scene string
	Phase string // "load", "start" or "update"
	Err   error
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	return fmt.Sprintf("scene %s: script error during %s: %v", e.Scene, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ScriptError) Unwrap() error {
	return e.Err
}

// IsScriptError returns true if err is (or wraps) a ScriptError.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}

// BudgetExceededError is raised when a single call runs more instructions
// than the configured budget. It terminates the call, not the scene.
type BudgetExceededError struct {
	Scene string
	Used  int
	Limit int
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("scene %s exceeded instruction budget: %d > %d", e.Scene, e.Used, e.Limit)
}

// IsBudgetExceededError returns true if err is (or wraps) a BudgetExceededError.
func IsBudgetExceededError(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
