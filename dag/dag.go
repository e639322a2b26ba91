package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Notifier receives the report once a run is over. Delivery errors are logged
// and never change the report.
type Notifier interface {
	Notify(ctx context.Context, r *Report) error
}

type Option func(*Engine)

// WithWorkers bounds how many tasks may be RUNNING at once. Zero or less
// means unlimited, which is the default.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithPools declares named slot pools. A task naming a pool holds one of its
// slots while RUNNING.
func WithPools(pools map[string]int) Option {
	return func(e *Engine) { e.pools = maps.Clone(pools) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRunID fixes the run id instead of generating a UUID.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithStateObserver registers fn to be called on every state transition. It
// is called with engine state locked and must not block.
func WithStateObserver(fn func(task string, s State)) Option {
	return func(e *Engine) { e.observe = fn }
}

// Engine executes graphs. One engine may run many graphs, but each graph
// runs at most once.
type Engine struct {
	workers  int
	pools    map[string]int
	log      *slog.Logger
	metrics  *Metrics
	notifier Notifier
	runID    string
	observe  func(string, State)
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type run struct {
	e   *Engine
	g   *Graph
	id  string
	log *slog.Logger

	workers *semaphore.Weighted
	pools   map[string]*semaphore.Weighted

	mu       sync.Mutex
	states   map[string]State
	records  map[string]*TaskReport
	settling map[string]bool // succeeded, on_success still running
	done     chan string
}

// Run executes g to completion and returns its report. Graph errors abort
// before any task runs. Task failures never make Run return an error; they
// are recorded in the report. When ctx is cancelled no new task starts,
// running tasks finish their current attempt, and waiting tasks end SKIPPED.
func (e *Engine) Run(ctx context.Context, g *Graph) (*Report, error) {
	r, err := e.newRun(g)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx)
}

// newRun validates g, claims it and sets every task PENDING.
func (e *Engine) newRun(g *Graph) (*run, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, id := range g.order {
		if p := g.tasks[id].Pool; p != "" {
			if _, ok := e.pools[p]; !ok {
				return nil, fmt.Errorf("task %s: unknown pool %q", id, p)
			}
		}
	}
	if !g.consumed.CompareAndSwap(false, true) {
		return nil, ErrGraphConsumed
	}

	id := e.runID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		e:        e,
		g:        g,
		id:       id,
		log:      e.log.With("run_id", id, "graph", g.Name),
		pools:    make(map[string]*semaphore.Weighted, len(e.pools)),
		states:   make(map[string]State, len(g.order)),
		records:  make(map[string]*TaskReport, len(g.order)),
		settling: make(map[string]bool),
		done:     make(chan string, len(g.order)),
	}
	if e.workers > 0 {
		r.workers = semaphore.NewWeighted(int64(e.workers))
	}
	for name, size := range e.pools {
		r.pools[name] = semaphore.NewWeighted(int64(max(size, 1)))
	}
	for _, tid := range g.order {
		r.states[tid] = Pending
		r.records[tid] = &TaskReport{ID: tid, State: Pending}
	}
	return r, nil
}

// finish drives the run to the end, builds the report and notifies. A
// StallError is returned together with the partial report.
func (r *run) finish(ctx context.Context) (*Report, error) {
	e := r.e
	started := time.Now()
	r.log.Info("run started", "tasks", len(r.g.order), "workers", e.workers)
	cancelled, err := r.loop(ctx)
	rep := r.report(started, cancelled)
	r.log.Info("run finished",
		"succeeded", rep.Count(Succeeded),
		"failed", rep.Count(Failed),
		"upstream_failed", rep.Count(UpstreamFailed),
		"skipped", rep.Count(Skipped),
		"cancelled", cancelled,
		"duration", rep.Duration())
	if err != nil {
		r.log.Error("run aborted", "error", err)
	}

	if e.notifier != nil {
		if nerr := e.notifier.Notify(context.WithoutCancel(ctx), rep); nerr != nil {
			r.log.Error("notify failed", "error", nerr)
		}
	}
	return rep, err
}

func (r *run) loop(ctx context.Context) (cancelled bool, err error) {
	inflight := 0
	ctxDone := ctx.Done()
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			ctxDone = nil
			r.log.Warn("run cancelled; no new tasks will start", "error", ctx.Err())
		}

		var launch, remaining []string
		r.mu.Lock()
		if cancelled {
			r.skipWaiting()
		} else {
			launch = r.promote()
		}
		for _, id := range r.g.order {
			if !r.states[id].Terminal() {
				remaining = append(remaining, id)
			}
		}
		r.mu.Unlock()

		for _, id := range launch {
			inflight++
			go r.execute(ctx, id)
		}
		if inflight == 0 {
			if len(remaining) > 0 {
				return cancelled, &StallError{Pending: remaining}
			}
			return cancelled, nil
		}

		select {
		case <-r.done:
			inflight--
		case <-ctxDone:
		}
	}
}

// promote moves runnable PENDING tasks to READY and returns them. Tasks with
// a failed or skipped upstream become UPSTREAM_FAILED. Called with r.mu held.
func (r *run) promote() []string {
	view := r.states
	if len(r.settling) > 0 {
		view = maps.Clone(r.states)
		for id := range r.settling {
			view[id] = Running
		}
	}
	var out []string
	for {
		ready, blocked := r.g.ReadySet(view)
		for _, id := range ready {
			r.set(id, Ready)
			view[id] = Ready
		}
		out = append(out, ready...)
		if len(blocked) == 0 {
			return out
		}
		for _, id := range blocked {
			r.terminate(id, UpstreamFailed)
			view[id] = UpstreamFailed
		}
	}
}

// skipWaiting marks every task that has not started as SKIPPED. Called with
// r.mu held.
func (r *run) skipWaiting() {
	for _, id := range r.g.order {
		if s := r.states[id]; s == Pending || s == Ready {
			r.terminate(id, Skipped)
		}
	}
}

func (r *run) set(id string, s State) {
	r.states[id] = s
	r.records[id].State = s
	if r.e.observe != nil {
		r.e.observe(id, s)
	}
}

// terminate records a terminal state for a task that never ran.
func (r *run) terminate(id string, s State) {
	r.set(id, s)
	r.records[id].EndedAt = time.Now()
	r.e.metrics.finished(r.g.Name, id, s, false, 0)
}

// propagate marks every not yet started downstream task of id as
// UPSTREAM_FAILED. Called with r.mu held, in the same critical section that
// made id terminal.
func (r *run) propagate(id string) {
	for _, d := range r.g.Downstream(id) {
		if s := r.states[d]; s == Pending || s == Ready {
			r.terminate(d, UpstreamFailed)
			r.log.Info("task upstream failed", "task", d, "upstream", id)
		}
	}
}

func (r *run) acquire(ctx context.Context, t *Task) error {
	if p := r.pools[t.Pool]; p != nil {
		if err := p.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if r.workers != nil {
		if err := r.workers.Acquire(ctx, 1); err != nil {
			if p := r.pools[t.Pool]; p != nil {
				p.Release(1)
			}
			return err
		}
	}
	return nil
}

func (r *run) release(t *Task) {
	if r.workers != nil {
		r.workers.Release(1)
	}
	if p := r.pools[t.Pool]; p != nil {
		p.Release(1)
	}
}

// start moves a READY task to RUNNING unless the run has been cancelled.
func (r *run) start(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[id] != Ready || ctx.Err() != nil {
		return false
	}
	r.set(id, Running)
	r.records[id].StartedAt = time.Now()
	r.e.metrics.started()
	return true
}

type outcome struct {
	attempts int
	output   string
	errs     []error
	last     error
}

func (r *run) execute(ctx context.Context, id string) {
	defer func() { r.done <- id }()

	t := r.g.tasks[id]
	// A cancelled wait leaves the task READY; the loop marks it skipped.
	if err := r.acquire(ctx, t); err != nil {
		return
	}
	defer r.release(t)
	if !r.start(ctx, id) {
		return
	}

	log := r.log.With("task", id)
	log.Info("task started", "pool", t.Pool, "retries", t.Retries)

	out := r.attempt(ctx, log, t)

	state := Succeeded
	switch {
	case out.last == nil:
	case errors.Is(out.last, ErrSkip):
		state = Skipped
	default:
		state = Failed
	}

	tc := t.taskContext(r.id)
	tc.Attempt = out.attempts
	tc.Output = out.output

	r.mu.Lock()
	rec := r.records[id]
	rec.Attempts = out.attempts
	rec.Output = out.output
	rec.AttemptErrors = out.errs
	rec.EndedAt = time.Now()
	if state == Failed {
		rec.Err = &ActionError{Task: id, Attempts: out.attempts, Err: out.last}
		tc.Err = rec.Err
	}
	r.set(id, state)
	if state == Succeeded && t.OnSuccess != nil {
		r.settling[id] = true
	}
	if state != Succeeded {
		r.propagate(id)
	}
	r.e.metrics.finished(r.g.Name, id, state, true, rec.EndedAt.Sub(rec.StartedAt))
	r.mu.Unlock()

	switch state {
	case Succeeded:
		log.Info("task succeeded", "attempts", out.attempts)
		r.hook(ctx, log, "on_success", t.OnSuccess, tc)
		r.mu.Lock()
		delete(r.settling, id)
		r.mu.Unlock()
	case Failed:
		log.Error("task failed", "attempts", out.attempts, "error", out.last)
		r.hook(ctx, log, "on_failure", t.OnFailure, tc)
	case Skipped:
		log.Info("task skipped by action", "reason", out.last)
	}
}

// attempt runs the action, retrying failed attempts up to t.Retries times.
// Cancelling ctx never interrupts an attempt in flight, but stops further
// retries.
func (r *run) attempt(ctx context.Context, log *slog.Logger, t *Task) outcome {
	var out outcome
	if t.Action == nil {
		out.attempts = 1
		return out
	}
	actx := context.WithoutCancel(ctx)

	op := func() error {
		out.attempts++
		r.e.metrics.attempt(r.g.Name, t.ID)
		tc := t.taskContext(r.id)
		tc.Attempt = out.attempts

		cctx, cancel := actx, context.CancelFunc(func() {})
		if t.Timeout > 0 {
			cctx, cancel = context.WithTimeout(actx, t.Timeout)
		}
		defer cancel()

		o, err := t.Action.Execute(cctx, tc)
		out.output = o
		out.last = err
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			out.last = perm.Err
		}
		out.errs = append(out.errs, out.last)
		if errors.Is(err, ErrSkip) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("task attempt failed; retrying", "attempt", out.attempts, "wait", wait, "error", err)
		r.e.metrics.retry(r.g.Name, t.ID)
		tc := t.taskContext(r.id)
		tc.Attempt = out.attempts
		tc.Output = out.output
		tc.Err = err
		r.hook(ctx, log, "on_retry", t.OnRetry, tc)
	}

	_ = backoff.RetryNotify(op, backoff.WithContext(r.backoff(t), ctx), notify)
	return out
}

// DefaultMaxRetryDelay caps exponential retry waits when a task sets none.
const DefaultMaxRetryDelay = 24 * time.Hour

// backoff builds the retry policy. Exponential waits start at RetryDelay,
// grow without jitter and never drop below RetryDelay.
func (r *run) backoff(t *Task) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(t.RetryDelay)
	if t.RetryExponential {
		eb := backoff.NewExponentialBackOff()
		if t.RetryDelay > 0 {
			eb.InitialInterval = t.RetryDelay
		}
		eb.RandomizationFactor = 0
		eb.MaxInterval = max(t.MaxRetryDelay, eb.InitialInterval)
		if t.MaxRetryDelay <= 0 {
			eb.MaxInterval = max(DefaultMaxRetryDelay, eb.InitialInterval)
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	return backoff.WithMaxRetries(b, uint64(max(t.Retries, 0)))
}

// hook invokes h, turning errors and panics into a CallbackError on the task
// record.
func (r *run) hook(ctx context.Context, log *slog.Logger, name string, h Hook, tc TaskContext) {
	if h == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return h(context.WithoutCancel(ctx), tc)
	}()
	if err == nil {
		return
	}
	cerr := &CallbackError{Task: tc.TaskID, Hook: name, Err: err}
	log.Error("hook failed", "hook", name, "error", err)
	r.mu.Lock()
	rec := r.records[tc.TaskID]
	rec.CallbackErrors = append(rec.CallbackErrors, cerr)
	r.mu.Unlock()
}

func (r *run) report(started time.Time, cancelled bool) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := &Report{
		RunID:     r.id,
		Graph:     r.g.Name,
		StartedAt: started,
		EndedAt:   time.Now(),
		Cancelled: cancelled,
		order:     slices.Clone(r.g.order),
		tasks:     make(map[string]TaskReport, len(r.records)),
	}
	for id, rec := range r.records {
		rep.tasks[id] = *rec
	}
	return rep
}
