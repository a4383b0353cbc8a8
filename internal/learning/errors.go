package learning

import "fmt"

// FailureKind classifies an execution failure.
type FailureKind string

const (
	FailureError   FailureKind = "error"
	FailureTimeout FailureKind = "timeout"
	FailurePanic   FailureKind = "panic"
)

// ExecutionFailure describes a failed execute step. The coordinator recovers
// from it; it is never returned from Run.
type ExecutionFailure struct {
	Kind FailureKind
	Err  error

	// Partial is whatever output the executor produced before failing.
	Partial string
}

func (f *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution %s: %v", f.Kind, f.Err)
}

func (f *ExecutionFailure) Unwrap() error {
	return f.Err
}
