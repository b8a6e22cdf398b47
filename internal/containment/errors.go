package containment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FaultReport aggregates every fault of one category that led to a scene's
// suspension.
type FaultReport struct {
	Scene    string
	Category Category
	Faults   []error
	At       time.Time
}

// Error implements the error interface.
func (r *FaultReport) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scene %s suspended after %d %s faults", r.Scene, len(r.Faults), r.Category)
	for i, f := range r.Faults {
		fmt.Fprintf(&b, "\n  [%d] %v", i+1, f)
	}
	return b.String()
}

// Unwrap exposes the individual faults to errors.Is and errors.As.
func (r *FaultReport) Unwrap() []error {
	return r.Faults
}

// IsFaultReport returns true if err is (or wraps) a FaultReport.
func IsFaultReport(err error) bool {
	var fr *FaultReport
	return errors.As(err, &fr)
}

// PanicError wraps a value recovered from a panic inside a guarded call.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
