// Package pipeline loads YAML pipeline definitions and turns them into
// dependency graphs of shell steps.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/humblenginr/ephys_pipeline/dag"
	"github.com/humblenginr/ephys_pipeline/notify"
	"github.com/humblenginr/ephys_pipeline/shell"
)

const (
	DefaultRetries    = 0
	DefaultRetryDelay = 5 * time.Minute
)

type Spec struct {
	Name     string            `yaml:"name"`
	Workers  int               `yaml:"workers,omitempty"`
	Pools    map[string]int    `yaml:"pools,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
	Defaults Defaults          `yaml:"defaults,omitempty"`
	Tasks    []Step            `yaml:"tasks"`
	Notify   []string          `yaml:"notify,omitempty"`
}

// Defaults apply to every step that leaves the field unset.
type Defaults struct {
	Retries          *int              `yaml:"retries,omitempty"`
	RetryDelay       *time.Duration    `yaml:"retryDelay,omitempty"`
	RetryExponential bool              `yaml:"retryExponential,omitempty"`
	MaxRetryDelay    time.Duration     `yaml:"maxRetryDelay,omitempty"`
	Timeout          time.Duration     `yaml:"timeout,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	User             string            `yaml:"user,omitempty"`
	Dir              string            `yaml:"dir,omitempty"`

	OnSuccess string `yaml:"onSuccess,omitempty"`
	OnFailure string `yaml:"onFailure,omitempty"`
	OnRetry   string `yaml:"onRetry,omitempty"`
}

type Step struct {
	ID               string            `yaml:"id"`
	Command          string            `yaml:"command,omitempty"`
	Upstream         []string          `yaml:"upstream,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Dir              string            `yaml:"dir,omitempty"`
	User             string            `yaml:"user,omitempty"`
	Params           map[string]string `yaml:"params,omitempty"`
	Pool             string            `yaml:"pool,omitempty"`
	Retries          *int              `yaml:"retries,omitempty"`
	RetryDelay       *time.Duration    `yaml:"retryDelay,omitempty"`
	RetryExponential *bool             `yaml:"retryExponential,omitempty"`
	MaxRetryDelay    *time.Duration    `yaml:"maxRetryDelay,omitempty"`
	Timeout          *time.Duration    `yaml:"timeout,omitempty"`

	// Hook commands run with the step's env, dir and user. "-" disables a
	// hook set in defaults.
	OnSuccess string `yaml:"onSuccess,omitempty"`
	OnFailure string `yaml:"onFailure,omitempty"`
	OnRetry   string `yaml:"onRetry,omitempty"`
}

// Load reads and checks a pipeline file. Unknown keys are rejected.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func Parse(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) check() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task is required"))
	}
	if s.Defaults.Retries != nil && *s.Defaults.Retries < 0 {
		errs = append(errs, errors.New("defaults.retries must not be negative"))
	}
	for name, size := range s.Pools {
		if size < 1 {
			errs = append(errs, fmt.Errorf("pool %q: size must be at least 1", name))
		}
	}
	for i, st := range s.Tasks {
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: id is required", i))
		}
		if st.Retries != nil && *st.Retries < 0 {
			errs = append(errs, fmt.Errorf("task %s: retries must not be negative", st.ID))
		}
		if st.Pool != "" {
			if _, ok := s.Pools[st.Pool]; !ok {
				errs = append(errs, fmt.Errorf("task %s: unknown pool %q", st.ID, st.Pool))
			}
		}
		for _, c := range shell.ParamCollisions(s.params(st)) {
			errs = append(errs, fmt.Errorf("task %s: params export to the same variable: %s", st.ID, c))
		}
	}
	return errors.Join(errs...)
}

// Graph builds a validated dependency graph. Steps without a command are
// no-op join points.
func (s *Spec) Graph(log *slog.Logger) (*dag.Graph, error) {
	g := dag.NewGraph(s.Name)
	for _, st := range s.Tasks {
		if err := g.AddTask(s.task(st, log)); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Spec) task(st Step, log *slog.Logger) *dag.Task {
	d := s.Defaults
	t := &dag.Task{
		ID:               st.ID,
		Upstream:         st.Upstream,
		Pool:             st.Pool,
		Retries:          DefaultRetries,
		RetryDelay:       DefaultRetryDelay,
		RetryExponential: d.RetryExponential,
		Timeout:          d.Timeout,
	}
	if d.Retries != nil {
		t.Retries = *d.Retries
	}
	if d.RetryDelay != nil {
		t.RetryDelay = *d.RetryDelay
	}
	if st.Retries != nil {
		t.Retries = *st.Retries
	}
	if st.RetryDelay != nil {
		t.RetryDelay = *st.RetryDelay
	}
	if st.RetryExponential != nil {
		t.RetryExponential = *st.RetryExponential
	}
	if st.Timeout != nil {
		t.Timeout = *st.Timeout
	}
	t.MaxRetryDelay = d.MaxRetryDelay
	if st.MaxRetryDelay != nil {
		t.MaxRetryDelay = *st.MaxRetryDelay
	}
	t.Params = s.params(st)

	env := maps.Clone(d.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, st.Env)
	command := func(line string) *shell.Command {
		return &shell.Command{
			Line: line,
			Env:  env,
			Dir:  firstSet(st.Dir, d.Dir),
			User: firstSet(st.User, d.User),
			Log:  log,
		}
	}
	hook := func(line string) dag.Hook {
		if line == "" || line == "-" {
			return nil
		}
		return command(line).Hook()
	}

	if st.Command != "" {
		t.Action = command(st.Command)
	}
	t.OnSuccess = hook(firstSet(st.OnSuccess, d.OnSuccess))
	t.OnFailure = hook(firstSet(st.OnFailure, d.OnFailure))
	t.OnRetry = hook(firstSet(st.OnRetry, d.OnRetry))
	return t
}

// params merges file-level params with the step's own; the step wins.
func (s *Spec) params(st Step) map[string]string {
	p := maps.Clone(s.Params)
	if p == nil {
		p = map[string]string{}
	}
	maps.Copy(p, st.Params)
	return p
}

// EngineOptions returns the engine settings the file declares.
func (s *Spec) EngineOptions() []dag.Option {
	opts := []dag.Option{dag.WithWorkers(s.Workers)}
	if len(s.Pools) > 0 {
		opts = append(opts, dag.WithPools(s.Pools))
	}
	return opts
}

// Notifier logs the report and hands it to every notify command.
func (s *Spec) Notifier(log *slog.Logger) dag.Notifier {
	m := notify.Multi{notify.Log{Logger: log}}
	for _, line := range s.Notify {
		m = append(m, notify.Command{Line: line})
	}
	return m
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
