// Package job defines the unit of work a RunningTest schedules against the
// comparison service and the FIFO queue that orders it.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/vgrid/pkg/model"
)

// Job is one OPEN, CHECK, CLOSE or ABORT request of a single RunningTest.
// Its state only moves forward; once terminal the outcome never changes.
type Job struct {
	id       string
	kind     model.JobKind
	testID   string
	stepName string
	open     *model.OpenRequest

	mu           sync.Mutex
	state        model.JobState
	ready        bool
	request      *model.RenderRequest
	outcome      model.JobOutcome
	enqueuedAt   time.Time
	dispatchedAt time.Time
	completedAt  time.Time
	done         chan struct{}
}

// New creates a PENDING job. OPEN, CLOSE and ABORT jobs are ready at once;
// CHECK jobs wait for Resolve.
func New(kind model.JobKind, testID string, now time.Time) *Job {
	return &Job{
		id:         "job_" + uuid.New().String(),
		kind:       kind,
		testID:     testID,
		state:      model.JobStatePending,
		ready:      kind != model.JobKindCheck,
		enqueuedAt: now,
		done:       make(chan struct{}),
	}
}

// NewOpen creates an OPEN job carrying the session parameters.
func NewOpen(testID string, req model.OpenRequest, now time.Time) *Job {
	j := New(model.JobKindOpen, testID, now)
	j.open = &req
	return j
}

// NewCheck creates a CHECK job for the named step. It stays not ready until
// its render payload is resolved.
func NewCheck(testID, stepName string, now time.Time) *Job {
	j := New(model.JobKindCheck, testID, now)
	j.stepName = stepName
	return j
}

func (j *Job) ID() string                      { return j.id }
func (j *Job) Kind() model.JobKind             { return j.kind }
func (j *Job) TestID() string                  { return j.testID }
func (j *Job) StepName() string                { return j.stepName }
func (j *Job) OpenRequest() *model.OpenRequest { return j.open }

// State returns the current state.
func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Ready reports whether the job's payload is available for dispatch.
func (j *Job) Ready() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ready
}

// Request returns the resolved render payload, or nil.
func (j *Job) Request() *model.RenderRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.request
}

// Resolve attaches the render payload and makes a CHECK job ready.
func (j *Job) Resolve(req *model.RenderRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != model.JobStatePending {
		return &model.InvalidTransitionError{Entity: "Job", ID: j.id, From: string(j.state), To: "READY"}
	}
	j.request = req
	j.ready = true
	return nil
}

// Start moves a ready PENDING job to RUNNING.
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransitionTo(model.JobStateRunning) {
		return &model.InvalidTransitionError{Entity: "Job", ID: j.id, From: string(j.state), To: string(model.JobStateRunning)}
	}
	if !j.ready {
		return fmt.Errorf("job %s not ready", j.id)
	}
	j.state = model.JobStateRunning
	j.dispatchedAt = now
	return nil
}

// Finish records the outcome of a RUNNING job. The job ends DONE when the
// outcome carries no error, FAILED otherwise.
func (j *Job) Finish(outcome model.JobOutcome, now time.Time) error {
	next := model.JobStateDone
	if outcome.Err != nil {
		next = model.JobStateFailed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != model.JobStateRunning {
		return &model.InvalidTransitionError{Entity: "Job", ID: j.id, From: string(j.state), To: string(next)}
	}
	j.complete(next, outcome, now)
	return nil
}

// Reject fails a PENDING job without dispatching it. It returns false when
// the job already left PENDING.
func (j *Job) Reject(err error, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != model.JobStatePending {
		return false
	}
	j.complete(model.JobStateFailed, model.JobOutcome{Err: err}, now)
	return true
}

func (j *Job) complete(state model.JobState, outcome model.JobOutcome, now time.Time) {
	outcome.JobID = j.id
	outcome.Kind = j.kind
	j.state = state
	j.outcome = outcome
	j.completedAt = now
	close(j.done)
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the outcome once the job is terminal.
func (j *Job) Outcome() (model.JobOutcome, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome, j.state.IsTerminal()
}

// Wait blocks until the job is terminal or ctx is done. There is no internal
// timeout; callers bound the wait through ctx.
func (j *Job) Wait(ctx context.Context) (model.JobOutcome, error) {
	select {
	case <-j.done:
		out, _ := j.Outcome()
		return out, nil
	case <-ctx.Done():
		return model.JobOutcome{}, ctx.Err()
	}
}

// Times returns when the job was enqueued, dispatched and completed.
// Zero values mean the step has not happened.
func (j *Job) Times() (enqueued, dispatched, completed time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enqueuedAt, j.dispatchedAt, j.completedAt
}
