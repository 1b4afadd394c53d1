package icesmtp

import "context"

// AsyncTask is a handle to work submitted to a WorkerExecutor. It is
// satisfied structurally by *workerpool.Future without this package
// importing workerpool (which itself depends on this package for
// Logger/LogAttr, so the reverse import would cycle).
type AsyncTask interface {
	// Wait blocks until the task completes or ctx is cancelled.
	Wait(ctx context.Context) (any, error)
}

// WorkerExecutor submits blocking work — credential verification,
// transactional commit — off the session's own goroutine and onto a
// preemptive thread pool, per the Worker Executor contract in §4.3.
// Satisfied structurally by *workerpool.Pool.
type WorkerExecutor interface {
	Submit(f func() (any, error)) (AsyncTask, error)
}

// runOnExecutor submits f to exec and awaits its result. If exec is
// nil (no Worker Executor configured, e.g. in unit tests running over
// harness.Harness), f runs synchronously on the caller's goroutine.
func runOnExecutor(ctx context.Context, exec WorkerExecutor, f func() (any, error)) (any, error) {
	if exec == nil {
		return f()
	}

	task, err := exec.Submit(f)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}
