// Package runningtest implements the per-render-target state machine of a
// logical visual test: one job queue, its lifecycle state and the completion
// handle that resolves with the target's TestOutcome.
package runningtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/vgrid/internal/connector"
	"github.com/me/vgrid/internal/job"
	"github.com/me/vgrid/internal/logging"
	"github.com/me/vgrid/pkg/model"
)

// Option configures a RunningTest.
type Option func(*RunningTest)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(rt *RunningTest) { rt.now = now }
}

// WithLogger sets the base logger; the test derives its own fields from it.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *RunningTest) { rt.logger = logger }
}

// RunningTest owns the job queue of one render target.
//
// All methods are safe for concurrent use. Enqueue operations come from caller
// goroutines while the dispatcher claims and completes jobs.
type RunningTest struct {
	id        string
	target    model.RenderTarget
	openReq   model.OpenRequest
	createdAt time.Time
	now       func() time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	state        model.TestState
	queue        *job.Queue
	session      *model.Session
	exception    error
	jobErr       error
	lastFinished time.Time
	handle       *Handle
}

// New creates a NOT_OPENED RunningTest for target. The open request is sent
// with the OPEN job; its TestID and Target are filled in here.
func New(target model.RenderTarget, openReq model.OpenRequest, opts ...Option) *RunningTest {
	rt := &RunningTest{
		id:     "rt_" + uuid.New().String(),
		target: target,
		now:    time.Now,
		logger: logging.Discard(),
		state:  model.TestStateNotOpened,
		queue:  job.NewQueue(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.createdAt = rt.now()
	rt.logger = logging.ForTest(rt.logger, rt.id, target.Key())
	openReq.TestID = rt.id
	openReq.Target = target
	rt.openReq = openReq
	return rt
}

func (rt *RunningTest) ID() string                 { return rt.id }
func (rt *RunningTest) Target() model.RenderTarget { return rt.target }
func (rt *RunningTest) CreatedAt() time.Time       { return rt.createdAt }

// State returns the lifecycle state.
func (rt *RunningTest) State() model.TestState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Session returns the session opened by the OPEN job, or nil.
func (rt *RunningTest) Session() *model.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.session
}

// Exception returns the error that put the test in exception mode, or nil.
func (rt *RunningTest) Exception() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.exception
}

// Handle returns the completion handle once close or abort was issued, or nil.
func (rt *RunningTest) Handle() *Handle {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.handle
}

// Kinds lists the kinds of every job this test enqueued, in order.
func (rt *RunningTest) Kinds() []model.JobKind {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.queue.Kinds()
}

// Jobs lists every job this test enqueued, in order.
func (rt *RunningTest) Jobs() []*job.Job {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.queue.Jobs()
}

// WaitingSince is the time the test started waiting for its next dispatch:
// the completion time of its last job, or its creation time.
func (rt *RunningTest) WaitingSince() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.lastFinished.IsZero() {
		return rt.createdAt
	}
	return rt.lastFinished
}

// Open enqueues the OPEN job. Calling Open again while that job is still
// pending returns the same job.
func (rt *RunningTest) Open() (*job.Job, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch rt.state {
	case model.TestStateNotOpened:
	case model.TestStateOpenIssued:
		if head := rt.queue.Head(); head != nil && head.Kind() == model.JobKindOpen && head.State() == model.JobStatePending {
			return head, nil
		}
		return nil, rt.stateError("open", model.ErrAlreadyOpened)
	default:
		if rt.handle != nil {
			return nil, rt.stateError("open", model.ErrTestClosed)
		}
		return nil, rt.stateError("open", model.ErrAlreadyOpened)
	}

	j := job.NewOpen(rt.id, rt.openReq, rt.now())
	if err := rt.queue.Append(j); err != nil {
		return nil, rt.stateError("open", err)
	}
	rt.transition(model.TestStateOpenIssued)
	rt.logger.Debug("open enqueued", "job_id", j.ID())
	return j, nil
}

// Check appends a CHECK job for step. A nil req leaves the job not ready until
// the caller resolves its payload.
func (rt *RunningTest) Check(step string, req *model.RenderRequest) (*job.Job, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.state.AcceptsChecks() {
		if rt.handle != nil {
			return nil, rt.stateError("check", model.ErrTestClosed)
		}
		return nil, rt.stateError("check", model.ErrNotOpened)
	}

	j := job.NewCheck(rt.id, step, rt.now())
	if req != nil {
		req.TestID = rt.id
		if err := j.Resolve(req); err != nil {
			return nil, err
		}
	}
	if err := rt.queue.Append(j); err != nil {
		return nil, rt.stateError("check", err)
	}
	rt.transition(model.TestStateCheckIssued)
	rt.logger.Debug("check enqueued", "job_id", j.ID(), "step", step)
	return j, nil
}

// FailCheck fails a CHECK job whose payload could not be produced and puts the
// test in exception mode. It reports whether the job was still pending.
func (rt *RunningTest) FailCheck(j *job.Job, err error) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rejected := j.Reject(err, rt.now())
	rt.setExceptionLocked(err)
	rt.settleChecksLocked()
	return rejected
}

// SetException puts the test in exception mode. Only the first error is kept;
// the eventual TestOutcome carries it.
func (rt *RunningTest) SetException(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.setExceptionLocked(err)
}

func (rt *RunningTest) setExceptionLocked(err error) {
	if err != nil && rt.exception == nil {
		rt.exception = err
	}
}

// Close appends the CLOSE job and refuses further checks. It is idempotent:
// once close or abort was issued, the existing handle is returned.
//
// A test that was never opened resolves at once with an empty outcome.
func (rt *RunningTest) Close() *Handle {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.handle != nil {
		return rt.handle
	}
	rt.handle = newHandle()

	if rt.state == model.TestStateNotOpened {
		rt.transition(model.TestStateClosed)
		rt.handle.resolve(rt.outcomeLocked(model.JobOutcome{}, false))
		return rt.handle
	}

	j := job.New(model.JobKindClose, rt.id, rt.now())
	rt.queue.Append(j)
	rt.transition(model.TestStateReadyToClose)
	rt.logger.Debug("close enqueued", "job_id", j.ID())
	return rt.handle
}

// Abort appends an ABORT job and skips every pending job ahead of it.
// cause, when set, puts the test in exception mode.
//
// If close was already issued, force replaces a CLOSE job that has not been
// dispatched yet; without force, or once teardown is running, the existing
// handle is returned unchanged. A test that was never opened resolves at once.
func (rt *RunningTest) Abort(force bool, cause error) *Handle {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state.IsTerminal() {
		return rt.handle
	}
	now := rt.now()
	if rt.state == model.TestStateNotOpened {
		rt.setExceptionLocked(cause)
		rt.handle = newHandle()
		rt.transition(model.TestStateAborted)
		rt.handle.resolve(rt.outcomeLocked(model.JobOutcome{}, true))
		return rt.handle
	}

	abort := job.New(model.JobKindAbort, rt.id, now)
	switch {
	case rt.handle == nil:
		rt.handle = newHandle()
		rt.queue.Append(abort)
		rt.transition(model.TestStateReadyToClose)
	case force && rt.queue.Teardown().Kind() == model.JobKindClose:
		replaced := rt.queue.Teardown()
		if !rt.queue.ReplaceTeardown(abort) {
			return rt.handle
		}
		replaced.Reject(model.ErrJobSkipped, now)
	default:
		return rt.handle
	}
	rt.setExceptionLocked(cause)

	skipped := 0
	for _, j := range rt.queue.Ahead() {
		if j.Reject(model.ErrJobSkipped, now) {
			skipped++
		}
	}
	rt.logger.Debug("abort enqueued", "job_id", abort.ID(), "force", force, "skipped", skipped)
	return rt.handle
}

// IsReadyToClose reports whether a CLOSE or ABORT job is pending with every
// job ahead of it terminal.
func (rt *RunningTest) IsReadyToClose() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := rt.queue.Teardown()
	return t != nil && t.State() == model.JobStatePending && len(rt.queue.Ahead()) == 0
}

// HeadJobOfKind returns the queue head when it is of kind, still PENDING and
// ready. Any other head yields nil.
func (rt *RunningTest) HeadJobOfKind(kind model.JobKind) *job.Job {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	head := rt.queue.Head()
	if head == nil || head.Kind() != kind || head.State() != model.JobStatePending || !head.Ready() {
		return nil
	}
	return head
}

// Claim marks j RUNNING if it is still the pending head of the queue.
func (rt *RunningTest) Claim(j *job.Job) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.queue.Head() != j {
		return fmt.Errorf("job %s is not the head of test %s", j.ID(), rt.id)
	}
	if err := j.Start(rt.now()); err != nil {
		return err
	}
	if j.Kind().IsTeardown() {
		rt.transition(model.TestStateCloseIssued)
	}
	return nil
}

// Execute runs a claimed job against conn. It holds no lock while the
// request is in flight.
func (rt *RunningTest) Execute(ctx context.Context, conn connector.Connector, j *job.Job) model.JobOutcome {
	switch j.Kind() {
	case model.JobKindOpen:
		session, err := conn.SubmitOpen(ctx, *j.OpenRequest())
		if err != nil {
			return model.JobOutcome{Err: fmt.Errorf("open session for %s: %w", rt.target.Key(), err)}
		}
		return model.JobOutcome{Session: session}

	case model.JobKindCheck:
		session := rt.Session()
		if session == nil {
			return model.JobOutcome{Err: model.ErrNoSession}
		}
		req := j.Request()
		match, err := conn.SubmitCheck(ctx, session, req)
		out := model.JobOutcome{Session: session, Match: match, RenderID: req.RenderID}
		if err != nil {
			out.Err = fmt.Errorf("check %q on %s: %w", j.StepName(), rt.target.Key(), err)
		}
		return out

	default:
		session := rt.Session()
		if session == nil {
			return model.JobOutcome{}
		}
		results, err := conn.SubmitClose(ctx, session, j.Kind() == model.JobKindAbort)
		out := model.JobOutcome{Session: session, Results: results}
		if err != nil {
			out.Err = fmt.Errorf("close session %s: %w", session.ID, err)
		}
		return out
	}
}

// Complete records the outcome of a RUNNING job and advances the test. When
// the job was the CLOSE or ABORT, the test becomes terminal and its outcome is
// returned; otherwise the returned outcome is nil.
func (rt *RunningTest) Complete(j *job.Job, out model.JobOutcome) (*model.TestOutcome, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	if err := j.Finish(out, now); err != nil {
		return nil, err
	}
	rt.lastFinished = now
	logger := rt.logger.With("job_id", j.ID(), "kind", j.Kind())

	switch j.Kind() {
	case model.JobKindOpen:
		if out.Err != nil {
			logger.Warn("open failed", "error", out.Err)
			rt.setExceptionLocked(out.Err)
			for _, pending := range rt.queue.Ahead() {
				if pending.Kind() == model.JobKindCheck {
					pending.Reject(fmt.Errorf("%w: %v", model.ErrNoSession, out.Err), now)
				}
			}
		} else {
			rt.session = out.Session
		}
		if rt.state == model.TestStateOpenIssued {
			rt.transition(model.TestStateOpen)
		}
		rt.settleChecksLocked()

	case model.JobKindCheck:
		if out.Err != nil {
			logger.Warn("check failed", "step", j.StepName(), "error", out.Err)
			if rt.jobErr == nil {
				rt.jobErr = out.Err
			}
		}
		rt.settleChecksLocked()

	default:
		aborted := j.Kind() == model.JobKindAbort
		outcome := rt.outcomeLocked(out, aborted)
		if aborted {
			rt.transition(model.TestStateAborted)
		} else {
			rt.transition(model.TestStateClosed)
		}
		rt.handle.resolve(outcome)
		logger.Debug("test finished", "state", rt.state, "failed", outcome.Failed())
		return &outcome, nil
	}
	logger.Debug("job completed", "failed", out.Failed())
	return nil, nil
}

// settleChecksLocked returns the test to OPEN once no CHECK is outstanding.
func (rt *RunningTest) settleChecksLocked() {
	if rt.state != model.TestStateCheckIssued {
		return
	}
	for _, j := range rt.queue.Ahead() {
		if j.Kind() == model.JobKindCheck || j.Kind() == model.JobKindOpen {
			return
		}
	}
	rt.transition(model.TestStateOpen)
}

// outcomeLocked folds the teardown result with the test's recorded errors.
func (rt *RunningTest) outcomeLocked(out model.JobOutcome, aborted bool) model.TestOutcome {
	o := model.TestOutcome{
		TestID:      rt.id,
		Target:      rt.target,
		Results:     out.Results,
		Aborted:     aborted,
		CompletedAt: rt.now(),
	}
	switch {
	case rt.exception != nil:
		o.Err = rt.exception
	case out.Err != nil:
		o.Err = out.Err
	case rt.jobErr != nil:
		o.Err = rt.jobErr
	case !aborted && out.Results != nil && !out.Results.IsNew && !out.Results.IsPassed():
		o.Err = &model.DiffsFoundError{Results: out.Results}
	}
	return o
}

// transition moves the state machine. Callers only request transitions the
// table allows; anything else is a programming error and is logged.
func (rt *RunningTest) transition(next model.TestState) {
	if rt.state == next && next == model.TestStateCheckIssued {
		return
	}
	if !rt.state.CanTransitionTo(next) {
		rt.logger.Error("invalid state transition", "error",
			&model.InvalidTransitionError{Entity: "RunningTest", ID: rt.id, From: string(rt.state), To: string(next)})
		return
	}
	rt.state = next
}

func (rt *RunningTest) stateError(op string, err error) error {
	return &model.StateError{Op: op, ID: rt.id, State: rt.state, Err: err}
}
