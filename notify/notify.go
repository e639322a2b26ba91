// Package notify delivers run reports once a pipeline run is over.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/humblenginr/ephys_pipeline/dag"
)

// Func adapts a function to dag.Notifier.
type Func func(ctx context.Context, r *dag.Report) error

func (f Func) Notify(ctx context.Context, r *dag.Report) error { return f(ctx, r) }

// Multi delivers to every notifier, even when some fail, and joins the errors.
type Multi []dag.Notifier

func (m Multi) Notify(ctx context.Context, r *dag.Report) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes one summary line per run and one line per task that did not
// succeed.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, r *dag.Report) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	if !r.Succeeded() {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, Subject(r),
		"run_id", r.RunID,
		"succeeded", r.Count(dag.Succeeded),
		"failed", r.Count(dag.Failed),
		"upstream_failed", r.Count(dag.UpstreamFailed),
		"skipped", r.Count(dag.Skipped),
		"duration", r.Duration().Round(time.Millisecond))
	for _, t := range r.Tasks() {
		if t.State == dag.Succeeded && len(t.CallbackErrors) == 0 {
			continue
		}
		attrs := []any{"run_id", r.RunID, "task", t.ID, "state", t.State, "attempts", t.Attempts}
		if err := t.FirstError(); err != nil {
			attrs = append(attrs, "error", err)
		}
		if len(t.CallbackErrors) > 0 {
			attrs = append(attrs, "hook_errors", errors.Join(t.CallbackErrors...))
		}
		log.Log(ctx, level, "task outcome", attrs...)
	}
	return nil
}

// Subject is a one-line headline for the run, e.g. for an email subject.
func Subject(r *dag.Report) string {
	switch {
	case r.Cancelled:
		return fmt.Sprintf("%s was cancelled", r.Graph)
	case r.Succeeded():
		return fmt.Sprintf("%s is complete", r.Graph)
	default:
		return fmt.Sprintf("%s finished with %d failed task(s)", r.Graph, r.Count(dag.Failed))
	}
}

// Summary renders a plain-text table of every task's outcome.
func Summary(r *dag.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nrun %s, %s\n\n", Subject(r), r.RunID, r.Duration().Round(time.Second))
	for _, t := range r.Tasks() {
		fmt.Fprintf(&b, "%-24s %-16s attempts=%d", t.ID, t.State, t.Attempts)
		if d := t.Duration(); d > 0 {
			fmt.Fprintf(&b, " took=%s", d.Round(time.Millisecond))
		}
		if err := t.FirstError(); err != nil {
			fmt.Fprintf(&b, " error=%q", firstLine(err.Error()))
		}
		for _, cerr := range t.CallbackErrors {
			fmt.Fprintf(&b, " hook_error=%q", firstLine(cerr.Error()))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
