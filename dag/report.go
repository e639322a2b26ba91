package dag

import (
	"slices"
	"time"
)

// TaskReport is the final record of one task in one run.
type TaskReport struct {
	ID        string
	State     State
	Attempts  int
	StartedAt time.Time // zero if the task never ran
	EndedAt   time.Time
	Output    string // output of the last attempt

	// Err is set for FAILED tasks and is an *ActionError.
	Err error
	// AttemptErrors holds the error of every failed attempt, oldest first.
	AttemptErrors []error
	// CallbackErrors holds *CallbackError values from hooks.
	CallbackErrors []error
}

// FirstError returns the first error captured for the task, if any.
func (t TaskReport) FirstError() error {
	if len(t.AttemptErrors) > 0 {
		return t.AttemptErrors[0]
	}
	return t.Err
}

func (t TaskReport) Duration() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Report is the immutable outcome of a run. It is only built once the engine
// has no task left PENDING, READY or RUNNING.
type Report struct {
	RunID     string
	Graph     string
	StartedAt time.Time
	EndedAt   time.Time
	Cancelled bool

	order []string
	tasks map[string]TaskReport
}

// Task returns the report of a single task.
func (r *Report) Task(id string) (TaskReport, bool) {
	t, ok := r.tasks[id]
	if ok {
		t.AttemptErrors = slices.Clone(t.AttemptErrors)
		t.CallbackErrors = slices.Clone(t.CallbackErrors)
	}
	return t, ok
}

// State is shorthand for the final state of id; empty if unknown.
func (r *Report) State(id string) State {
	return r.tasks[id].State
}

// Tasks lists every task report in topological order.
func (r *Report) Tasks() []TaskReport {
	out := make([]TaskReport, 0, len(r.order))
	for _, id := range r.order {
		t, _ := r.Task(id)
		out = append(out, t)
	}
	return out
}

// Count returns how many tasks ended in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, t := range r.tasks {
		if t.State == s {
			n++
		}
	}
	return n
}

// Succeeded is true when every task succeeded.
func (r *Report) Succeeded() bool {
	return r.Count(Succeeded) == len(r.tasks)
}

func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
