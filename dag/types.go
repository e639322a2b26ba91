package dag

import (
	"context"
	"maps"
	"time"
)

// State is the run state of a single task within one run.
type State string

const (
	Pending        State = "pending"
	Ready          State = "ready"
	Running        State = "running"
	Succeeded      State = "succeeded"
	Failed         State = "failed"
	UpstreamFailed State = "upstream_failed"
	Skipped        State = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, UpstreamFailed, Skipped:
		return true
	}
	return false
}

// Executor runs the work behind a task. A nil error means success; output is
// captured into the report but never interpreted.
type Executor interface {
	Execute(ctx context.Context, tc TaskContext) (output string, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, tc TaskContext) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, tc TaskContext) (string, error) {
	return f(ctx, tc)
}

// Hook is a success/failure/retry side effect. Errors and panics are recorded
// on the task report and never reach the engine.
type Hook func(ctx context.Context, tc TaskContext) error

// Task is one unit of work in a Graph.
type Task struct {
	ID       string
	Upstream []string
	Action   Executor
	Params   map[string]string

	Retries          int
	RetryDelay       time.Duration
	RetryExponential bool
	MaxRetryDelay    time.Duration // cap for exponential waits; zero means DefaultMaxRetryDelay
	Timeout          time.Duration // per attempt; zero means none
	Pool             string

	OnSuccess Hook
	OnFailure Hook
	OnRetry   Hook
}

// TaskContext is the read-only view of an execution handed to actions and
// hooks. Params is a private copy.
type TaskContext struct {
	RunID   string
	TaskID  string
	Attempt int
	Params  map[string]string
	Output  string
	Err     error
}

func (t *Task) taskContext(runID string) TaskContext {
	return TaskContext{RunID: runID, TaskID: t.ID, Params: maps.Clone(t.Params)}
}
