package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/me/vgrid/internal/connector"
	"github.com/me/vgrid/internal/metrics"
	"github.com/me/vgrid/internal/runningtest"
	"github.com/me/vgrid/pkg/model"
	"golang.org/x/sync/semaphore"
)

// Config holds dispatcher configuration.
type Config struct {
	// Concurrency bounds the RUNNING jobs across all tests.
	Concurrency int
	// PollInterval is the fallback tick when no wake-up arrives.
	PollInterval time.Duration
	// EventBuffer sizes the Events channel. Zero disables it.
	EventBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 10, PollInterval: 250 * time.Millisecond}
}

// EventType names a dispatcher event.
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventTestFinished EventType = "test_finished"
)

// Event reports progress of one job or test.
type Event struct {
	Type    EventType
	TestID  string
	Target  model.RenderTarget
	JobID   string
	Kind    model.JobKind
	Step    string
	Job     *model.JobOutcome
	Outcome *model.TestOutcome
	At      time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records dispatcher metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithOrder replaces the selection order.
func WithOrder(order Order) Option {
	return func(r *Runner) { r.selector = NewSelector(order) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner dispatches the jobs of every registered RunningTest to a connector,
// never running more than Config.Concurrency jobs at once.
type Runner struct {
	conn     connector.Connector
	registry *Registry
	selector *Selector
	sem      *semaphore.Weighted
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	closed    bool
	tests     []*runningtest.RunningTest
	observers []func(Event)

	events chan Event
	wake   chan struct{}
	jobs   sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRunner creates a runner. Zero config fields take their defaults.
func NewRunner(conn connector.Connector, cfg Config, logger *slog.Logger, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	r := &Runner{
		conn:     conn,
		registry: NewRegistry(),
		selector: NewSelector(nil),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		config:   cfg,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.EventBuffer > 0 {
		r.events = make(chan Event, cfg.EventBuffer)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the event channel, or nil when Config.EventBuffer is zero.
// Events are dropped while the channel is full.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Observe registers fn to be called for every event. fn runs on the
// dispatcher's goroutines and must not block.
func (r *Runner) Observe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Registry exposes the live tests.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Err returns ErrRunnerClosed once the outcomes were consumed.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return model.ErrRunnerClosed
	}
	return nil
}

// Register adds rt to the dispatch set.
func (r *Runner) Register(rt *runningtest.RunningTest) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.ErrRunnerClosed
	}
	r.tests = append(r.tests, rt)
	r.mu.Unlock()

	seq := r.registry.Add(rt)
	r.metrics.TestRegistered()
	r.logger.Debug("test registered", "test_id", rt.ID(), "target", rt.Target().Key(), "seq", seq)
	r.Wake()
	return nil
}

// Wake asks the loop to run a tick soon. It never blocks.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop. Blocks until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("dispatcher started", "concurrency", r.config.Concurrency, "poll_interval", r.config.PollInterval)
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatcher stopping (context cancelled)")
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("dispatcher stopping (stop called)")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
		if err := r.Tick(ctx); err != nil {
			r.logger.Error("tick error", "error", err)
		}
	}
}

// Stop ends the loop started by Start and waits for in-flight jobs.
func (r *Runner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
	r.jobs.Wait()
	return nil
}

// Tick runs one dispatch iteration. A panic while selecting is recovered and
// returned as an error so the loop keeps going.
func (r *Runner) Tick(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch panic: %v", p)
			r.logger.Error("dispatch panic", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	entries := r.registry.Snapshot()
	r.sweep(entries)

	// Phase 1: teardown jobs of drained tests, outside the OPEN/CHECK competition.
	for _, c := range r.selector.Teardowns(entries) {
		if !r.sem.TryAcquire(1) {
			return nil
		}
		r.dispatch(ctx, c)
	}

	// Phase 2: OPEN before CHECK, one slot at a time.
	for r.sem.TryAcquire(1) {
		c, ok := r.selector.Best(entries, model.JobKindOpen)
		if !ok {
			c, ok = r.selector.Best(entries, model.JobKindCheck)
		}
		if !ok {
			r.sem.Release(1)
			return nil
		}
		r.dispatch(ctx, c)
	}
	return nil
}

// sweep drops tests that became terminal without a dispatched teardown.
func (r *Runner) sweep(entries []Entry) {
	for _, e := range entries {
		if !e.Test.State().IsTerminal() {
			continue
		}
		if r.registry.Remove(e.Test.ID()) {
			if h := e.Test.Handle(); h != nil {
				if out, ok := h.Outcome(); ok {
					r.finishTest(e.Test, out)
				}
			}
		}
	}
}

// dispatch claims c.Job and runs it on its own goroutine. The caller holds
// one semaphore slot, which the job goroutine releases.
func (r *Runner) dispatch(ctx context.Context, c Candidate) {
	if err := c.Test.Claim(c.Job); err != nil {
		r.sem.Release(1)
		r.logger.Debug("claim lost", "test_id", c.Test.ID(), "job_id", c.Job.ID(), "error", err)
		return
	}
	r.metrics.JobStarted()
	r.logger.Debug("job dispatched", "test_id", c.Test.ID(), "job_id", c.Job.ID(), "kind", c.Job.Kind())
	r.emit(Event{Type: EventJobStarted, TestID: c.Test.ID(), Target: c.Test.Target(), JobID: c.Job.ID(), Kind: c.Job.Kind(), Step: c.Job.StepName()})

	r.jobs.Add(1)
	go r.run(ctx, c)
}

func (r *Runner) run(ctx context.Context, c Candidate) {
	defer r.jobs.Done()
	defer r.Wake()
	defer r.sem.Release(1)

	started := r.now()
	out := r.execute(ctx, c)
	outcome, err := c.Test.Complete(c.Job, out)
	if err != nil {
		r.logger.Error("complete job", "test_id", c.Test.ID(), "job_id", c.Job.ID(), "error", err)
	}
	r.metrics.JobFinished(c.Job.Kind(), c.Job.State(), r.now().Sub(started))

	jo, _ := c.Job.Outcome()
	r.emit(Event{Type: EventJobCompleted, TestID: c.Test.ID(), Target: c.Test.Target(), JobID: c.Job.ID(), Kind: c.Job.Kind(), Step: c.Job.StepName(), Job: &jo})

	if outcome != nil && r.registry.Remove(c.Test.ID()) {
		r.finishTest(c.Test, *outcome)
	}
}

// execute isolates a panicking connector to the job that triggered it.
func (r *Runner) execute(ctx context.Context, c Candidate) (out model.JobOutcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panic", "test_id", c.Test.ID(), "job_id", c.Job.ID(), "panic", p)
			out = model.JobOutcome{Err: fmt.Errorf("job %s panicked: %v", c.Job.ID(), p)}
		}
	}()
	return c.Test.Execute(ctx, r.conn, c.Job)
}

func (r *Runner) finishTest(rt *runningtest.RunningTest, outcome model.TestOutcome) {
	r.metrics.TestFinished(outcome)
	r.logger.Info("test finished", "test_id", rt.ID(), "target", rt.Target().Key(), "aborted", outcome.Aborted, "failed", outcome.Failed())
	r.emit(Event{Type: EventTestFinished, TestID: rt.ID(), Target: rt.Target(), Outcome: &outcome})
}

func (r *Runner) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()
	for _, fn := range observers {
		r.notify(fn, ev)
	}
	if r.events != nil {
		select {
		case r.events <- ev:
		default:
			r.logger.Debug("event dropped", "type", ev.Type, "test_id", ev.TestID)
		}
	}
}

func (r *Runner) notify(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("observer panic", "type", ev.Type, "panic", p)
		}
	}()
	fn(ev)
}

// Outcomes returns the outcomes produced so far, in registration order.
func (r *Runner) Outcomes() []model.TestOutcome {
	r.mu.Lock()
	tests := append([]*runningtest.RunningTest(nil), r.tests...)
	r.mu.Unlock()

	var out []model.TestOutcome
	for _, rt := range tests {
		if h := rt.Handle(); h != nil {
			if o, ok := h.Outcome(); ok {
				out = append(out, o)
			}
		}
	}
	return out
}

// AllOutcomes closes every test that was not closed yet, waits for all
// outcomes and returns them in registration order. Afterwards the runner
// refuses new tests with ErrRunnerClosed. The error summarises the failed
// outcomes; it is nil when every test succeeded.
func (r *Runner) AllOutcomes(ctx context.Context) ([]model.TestOutcome, error) {
	var outcomes []model.TestOutcome
	var failures *multierror.Error
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, model.ErrRunnerClosed
		}
		pending := append([]*runningtest.RunningTest(nil), r.tests[len(outcomes):]...)
		if len(pending) == 0 {
			r.closed = true
			r.mu.Unlock()
			return outcomes, failures.ErrorOrNil()
		}
		r.mu.Unlock()

		for _, rt := range pending {
			h := rt.Close()
			r.Wake()
			out, err := h.Wait(ctx)
			if err != nil {
				return nil, fmt.Errorf("wait for %s: %w", rt.Target().Key(), err)
			}
			outcomes = append(outcomes, out)
			if out.Failed() {
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", rt.Target().Key(), out.Err))
			}
		}
	}
}
