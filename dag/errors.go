package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSkip is returned (or wrapped) by an action that wants its task
	// marked skipped instead of failed. It is never retried.
	ErrSkip = errors.New("task skipped")

	// ErrGraphConsumed is returned when a graph is handed to a second run.
	ErrGraphConsumed = errors.New("graph already ran; build a new one per run")
)

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.ID)
}

// UnknownTaskError is returned when an id, or an upstream reference, names a
// task that is not in the graph.
type UnknownTaskError struct {
	ID  string
	Ref string
}

func (e *UnknownTaskError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("unknown task %q", e.ID)
	}
	return fmt.Sprintf("task %q: unknown upstream %q", e.ID, e.Ref)
}

// CycleError names one cycle. Path starts and ends on the same task.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// StallError means the engine found no runnable work while tasks were still
// waiting. It points to a bug in propagation, not to a user error.
type StallError struct {
	Pending []string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("run stalled with %d non-terminal tasks: %s", len(e.Pending), strings.Join(e.Pending, ", "))
}

type ActionError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type CallbackError struct {
	Task string
	Hook string
	Err  error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("task %s: %s hook: %v", e.Task, e.Hook, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
