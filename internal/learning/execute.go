package learning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Executor runs a task. It is the external collaborator (typically an LLM
// call). Implementations should honor ctx; output produced before a failure
// may be returned alongside the error.
type Executor interface {
	Execute(ctx context.Context, in Input) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (ExecResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (ExecResult, error) {
	return f(ctx, in)
}

// DefaultTimeoutGrace is how long the coordinator waits after the execution
// deadline for the executor to hand back partial output.
const DefaultTimeoutGrace = 100 * time.Millisecond

// execute runs exec and folds every failure mode into ExecResult.Failure.
//
// The executor runs in its own goroutine so an executor that ignores ctx
// cannot hold the coordinator past timeout+grace.
func execute(ctx context.Context, exec Executor, in Input, timeout, grace time.Duration) ExecResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ExecutionFailure{Kind: FailurePanic, Err: fmt.Errorf("%v", r)}}
			}
		}()
		res, err := exec.Execute(ctx, in)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		timer := time.NewTimer(grace)
		select {
		case out = <-done:
			timer.Stop()
		case <-timer.C:
			return ExecResult{Failure: &ExecutionFailure{Kind: kindFor(ctx.Err()), Err: ctx.Err()}}
		}
	}

	return classify(out.res, out.err)
}

func classify(res ExecResult, err error) ExecResult {
	if res.Failure != nil {
		if res.Failure.Partial == "" {
			res.Failure.Partial = res.Output
		}
		return res
	}
	if err == nil {
		return res
	}

	var failure *ExecutionFailure
	if errors.As(err, &failure) {
		cp := *failure
		if cp.Partial == "" {
			cp.Partial = res.Output
		}
		res.Failure = &cp
		return res
	}
	res.Failure = &ExecutionFailure{Kind: kindFor(err), Err: err, Partial: res.Output}
	return res
}

func kindFor(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureError
}
