package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humblenginr/ephys_pipeline/dag"
	"github.com/humblenginr/ephys_pipeline/shell"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoadSpikesort(t *testing.T) {
	s, err := Load("testdata/spikesort.yaml")
	require.NoError(t, err)
	assert.Equal(t, "btheilma_B1235_P01S02", s.Name)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, map[string]int{"phy": 1}, s.Pools)
	require.Len(t, s.Tasks, 7)

	g, err := s.Graph(discard)
	require.NoError(t, err)
	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, "phy_spikesort", order[0])
	assert.Equal(t, "done", order[len(order)-1])

	sort, _ := g.Task("phy_spikesort")
	assert.Equal(t, 0, sort.Retries)
	assert.Equal(t, 10*time.Millisecond, sort.RetryDelay)
	assert.Equal(t, 2*time.Hour, sort.Timeout)
	assert.Equal(t, "phy", sort.Pool)
	assert.Equal(t, "/tmp/klusta/B1235/P01S02/", sort.Params["klustadir"])

	rsync, _ := g.Task("rsync")
	assert.Equal(t, 1, rsync.Retries)
	assert.Equal(t, 30*time.Second, rsync.RetryDelay)
	assert.True(t, rsync.RetryExponential)
	assert.ElementsMatch(t, []string{"make_mansort_dir", "clear_phy", "move_kwik_bak"}, rsync.Upstream)

	mansort, _ := g.Task("make_mansort_dir")
	cmd, ok := mansort.Action.(*shell.Command)
	require.True(t, ok)
	assert.Equal(t, "manual", cmd.Env["SORTER"])

	done, _ := g.Task("done")
	assert.Nil(t, done.Action)
}

func TestDefaultsWhenUnset(t *testing.T) {
	s, err := Parse([]byte(`
name: minimal
tasks:
  - id: a
    command: "true"
`))
	require.NoError(t, err)
	g, err := s.Graph(discard)
	require.NoError(t, err)

	a, _ := g.Task("a")
	assert.Equal(t, DefaultRetries, a.Retries)
	assert.Equal(t, DefaultRetryDelay, a.RetryDelay)
	assert.Zero(t, a.Timeout)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"unknown field": {
			doc:  "name: x\ntasks:\n  - id: a\n    bash_command: ls\n",
			want: "bash_command",
		},
		"missing name": {
			doc:  "tasks:\n  - id: a\n",
			want: "name is required",
		},
		"no tasks": {
			doc:  "name: x\n",
			want: "at least one task",
		},
		"negative retries": {
			doc:  "name: x\ntasks:\n  - id: a\n    retries: -1\n",
			want: "retries must not be negative",
		},
		"unknown pool": {
			doc:  "name: x\ntasks:\n  - id: a\n    pool: phy\n",
			want: `unknown pool "phy"`,
		},
		"param collision": {
			doc:  "name: x\nparams:\n  a-b: 1\ntasks:\n  - id: a\n    params:\n      a_b: 2\n",
			want: "params export to the same variable: a-b, a_b",
		},
		"bad duration": {
			doc:  "name: x\ntasks:\n  - id: a\n    timeout: forever\n",
			want: "decode pipeline",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGraphErrors(t *testing.T) {
	s, err := Parse([]byte(`
name: dup
tasks:
  - id: a
  - id: a
`))
	require.NoError(t, err)
	_, err = s.Graph(discard)
	var dup *dag.DuplicateIDError
	require.ErrorAs(t, err, &dup)

	s, err = Parse([]byte(`
name: cycle
tasks:
  - id: a
    upstream: [b]
  - id: b
    upstream: [a]
`))
	require.NoError(t, err)
	_, err = s.Graph(discard)
	var cycle *dag.CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestRunSpikesort(t *testing.T) {
	s, err := Load("testdata/spikesort.yaml")
	require.NoError(t, err)
	g, err := s.Graph(discard)
	require.NoError(t, err)

	opts := append(s.EngineOptions(), dag.WithLogger(discard), dag.WithNotifier(s.Notifier(discard)))
	rep, err := dag.NewEngine(opts...).Run(context.Background(), g)
	require.NoError(t, err)
	require.True(t, rep.Succeeded())

	sort, _ := rep.Task("phy_spikesort")
	assert.Equal(t, "sorting in /tmp/klusta/B1235/P01S02/ with phy", strings.TrimSpace(sort.Output))
	mansort, _ := rep.Task("make_mansort_dir")
	assert.Equal(t, "mkdir /tmp/mansort/B1235/P01S02", strings.TrimSpace(mansort.Output))
}

func TestRunFailingStep(t *testing.T) {
	s, err := Parse([]byte(`
name: failing
defaults:
  retries: 2
  retryDelay: 1ms
tasks:
  - id: sort
    command: exit 1
  - id: merge
    command: "true"
  - id: rsync
    upstream: [sort, merge]
    command: "true"
`))
	require.NoError(t, err)
	g, err := s.Graph(discard)
	require.NoError(t, err)

	rep, err := dag.NewEngine(dag.WithLogger(discard)).Run(context.Background(), g)
	require.NoError(t, err)

	sort, _ := rep.Task("sort")
	assert.Equal(t, dag.Failed, sort.State)
	assert.Equal(t, 3, sort.Attempts)
	assert.Equal(t, dag.Succeeded, rep.State("merge"))
	assert.Equal(t, dag.UpstreamFailed, rep.State("rsync"))
}

func TestHookCommands(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hooks.log")
	t.Setenv("OUT", out)

	s, err := Parse([]byte(`
name: hooks
defaults:
  retryDelay: 1ms
  onFailure: echo "failure $PIPELINE_TASK_ID $PIPELINE_ATTEMPT $PIPELINE_ERROR" >> "$OUT"
tasks:
  - id: sort
    command: exit 1
    retries: 1
    onRetry: echo "retry $PIPELINE_TASK_ID $PIPELINE_ATTEMPT" >> "$OUT"
  - id: merge
    command: "true"
    onSuccess: exit 4
  - id: rsync
    upstream: [merge]
    command: exit 2
    onFailure: "-"
`))
	require.NoError(t, err)
	g, err := s.Graph(discard)
	require.NoError(t, err)

	rsync, _ := g.Task("rsync")
	assert.Nil(t, rsync.OnFailure)

	rep, err := dag.NewEngine(dag.WithLogger(discard)).Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, dag.Failed, rep.State("sort"))
	assert.Equal(t, dag.Succeeded, rep.State("merge"))
	assert.Equal(t, dag.Failed, rep.State("rsync"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "retry sort 1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "failure sort 2 task sort failed after 2 attempt(s)"), lines[1])

	merge, _ := rep.Task("merge")
	require.Len(t, merge.CallbackErrors, 1)
	var cerr *dag.CallbackError
	require.ErrorAs(t, merge.CallbackErrors[0], &cerr)
	assert.Equal(t, "on_success", cerr.Hook)
	assert.Contains(t, cerr.Error(), "exit status 4")

	sort, _ := rep.Task("sort")
	assert.Empty(t, sort.CallbackErrors)
}

func TestMaxRetryDelay(t *testing.T) {
	s, err := Parse([]byte(`
name: capped
defaults:
  maxRetryDelay: 1h
tasks:
  - id: a
    retryExponential: true
  - id: b
    maxRetryDelay: 10m
`))
	require.NoError(t, err)
	g, err := s.Graph(discard)
	require.NoError(t, err)

	a, _ := g.Task("a")
	assert.Equal(t, time.Hour, a.MaxRetryDelay)
	b, _ := g.Task("b")
	assert.Equal(t, 10*time.Minute, b.MaxRetryDelay)
}
