package notify

import (
	"context"
	"fmt"

	"github.com/humblenginr/ephys_pipeline/dag"
	"github.com/humblenginr/ephys_pipeline/shell"
)

// Command hands the report to an external program, such as a mail or chat
// client. The subject and summary are exported as PIPELINE_SUBJECT and
// PIPELINE_SUMMARY.
type Command struct {
	Line string
	Env  map[string]string
}

func (c Command) Notify(ctx context.Context, r *dag.Report) error {
	env := map[string]string{
		shell.EnvPrefix + "SUBJECT":   Subject(r),
		shell.EnvPrefix + "SUMMARY":   Summary(r),
		shell.EnvPrefix + "SUCCEEDED": fmt.Sprint(r.Succeeded()),
	}
	for k, v := range c.Env {
		env[k] = v
	}
	cmd := &shell.Command{Line: c.Line, Env: env}
	if _, err := cmd.Execute(ctx, dag.TaskContext{RunID: r.RunID, TaskID: "notify"}); err != nil {
		return fmt.Errorf("notify %s: %w", r.Graph, err)
	}
	return nil
}
