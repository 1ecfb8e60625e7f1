package scheduler

import "errors"

// ErrExpressionFailed wraps a compile or evaluate failure from a
// conditional or for-each node's expression. It never triggers a retry:
// control-flow nodes have no user command to retry.
var ErrExpressionFailed = errors.New("scheduler: expression evaluation failed")

// ErrDriverFailed is returned when a task node's last attempt fails, whether
// Driver.RunNode returned a non-nil error or a non-zero exit code.
var ErrDriverFailed = errors.New("scheduler: driver execution failed")

// ErrCancelled is the error recorded on a node that was in flight when its
// run was cancelled.
var ErrCancelled = errors.New("scheduler: run was cancelled")

// ErrUnknownNode names the failure of a plan referencing a node id that
// does not exist. No function in this package returns it; plan.Validate
// rejects such plans before they reach the scheduler.
var ErrUnknownNode = errors.New("scheduler: unknown node id")
