// Package shell runs pipeline steps as external commands.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/humblenginr/ephys_pipeline/dag"
)

const (
	// EnvPrefix prefixes every variable the executor exports to a command.
	EnvPrefix = "PIPELINE_"

	// maxErrTail bounds how much output is quoted in an error message.
	maxErrTail = 512
)

// Command runs Line through a shell. Task params are exported as
// PIPELINE_PARAM_<NAME> so commands never need string templating.
type Command struct {
	Line string
	Env  map[string]string // overrides on top of the current environment
	Dir  string
	User string // when set, run via `sudo -u User`

	Shell     string        // default "sh"
	WaitDelay time.Duration // grace period for pipes after the process exits
	Log       *slog.Logger
}

var _ dag.Executor = (*Command)(nil)

// Execute runs the command and returns its combined output. A non-zero exit
// status is an error that quotes the tail of the output.
func (c *Command) Execute(ctx context.Context, tc dag.TaskContext) (string, error) {
	if strings.TrimSpace(c.Line) == "" {
		return "", fmt.Errorf("task %s: empty command", tc.TaskID)
	}
	name, args := c.argv()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ(tc)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("running command", "task", tc.TaskID, "attempt", tc.Attempt, "cmd", cmd.String(), "dir", c.Dir)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(out), fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return string(out), fmt.Errorf("%s: %w – %s", name, err, tail(out))
	}
	return string(out), nil
}

// Hook runs the command as a task hook. The failure that triggered an
// on_failure or on_retry hook is exported as PIPELINE_ERROR.
func (c *Command) Hook() dag.Hook {
	return func(ctx context.Context, tc dag.TaskContext) error {
		_, err := c.Execute(ctx, tc)
		return err
	}
}

func (c *Command) argv() (string, []string) {
	sh := c.Shell
	if sh == "" {
		sh = "sh"
	}
	if c.User != "" {
		return "sudo", []string{"-u", c.User, sh, "-c", c.Line}
	}
	return sh, []string{"-c", c.Line}
}

func (c *Command) environ(tc dag.TaskContext) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}

	env = append(env,
		EnvPrefix+"RUN_ID="+tc.RunID,
		EnvPrefix+"TASK_ID="+tc.TaskID,
		EnvPrefix+"ATTEMPT="+strconv.Itoa(tc.Attempt),
	)
	if tc.Err != nil {
		env = append(env, EnvPrefix+"ERROR="+tc.Err.Error())
	}
	params := make([]string, 0, len(tc.Params))
	for k := range tc.Params {
		params = append(params, k)
	}
	sort.Strings(params)
	for _, k := range params {
		env = append(env, ParamEnv(k)+"="+tc.Params[k])
	}
	return env
}

// ParamEnv returns the environment variable name a param is exported under.
func ParamEnv(param string) string {
	up := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, param)
	return EnvPrefix + "PARAM_" + up
}

// ParamCollisions reports params whose names export to the same variable,
// as "a-b, a_b". Each group is listed once, names sorted.
func ParamCollisions(params map[string]string) []string {
	byEnv := make(map[string][]string, len(params))
	for k := range params {
		byEnv[ParamEnv(k)] = append(byEnv[ParamEnv(k)], k)
	}
	var out []string
	for _, names := range byEnv {
		if len(names) > 1 {
			sort.Strings(names)
			out = append(out, strings.Join(names, ", "))
		}
	}
	sort.Strings(out)
	return out
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxErrTail {
		start := len(s) - maxErrTail
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = "…" + s[start:]
	}
	return s
}
