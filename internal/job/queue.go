package job

import (
	"errors"

	"github.com/me/vgrid/pkg/model"
)

// ErrQueueSealed is returned when a job is appended after CLOSE or ABORT.
var ErrQueueSealed = errors.New("queue sealed by close or abort")

// Queue is the ordered job list of one RunningTest. Jobs are kept after they
// finish; head points at the first non-terminal job.
//
// Queue is not safe for concurrent use; the owning RunningTest serializes access.
type Queue struct {
	jobs   []*Job
	head   int
	sealed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Append adds j at the tail. A CLOSE or ABORT job seals the queue.
func (q *Queue) Append(j *Job) error {
	if q.sealed {
		return ErrQueueSealed
	}
	q.jobs = append(q.jobs, j)
	if j.Kind().IsTeardown() {
		q.sealed = true
	}
	return nil
}

// Sealed reports whether a CLOSE or ABORT job was appended.
func (q *Queue) Sealed() bool {
	return q.sealed
}

// Head advances past finished jobs and returns the first non-terminal job, or nil.
func (q *Queue) Head() *Job {
	for q.head < len(q.jobs) && q.jobs[q.head].State().IsTerminal() {
		q.head++
	}
	if q.head == len(q.jobs) {
		return nil
	}
	return q.jobs[q.head]
}

// Last returns the tail job, or nil.
func (q *Queue) Last() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[len(q.jobs)-1]
}

// Teardown returns the CLOSE or ABORT job when the queue is sealed.
func (q *Queue) Teardown() *Job {
	if !q.sealed {
		return nil
	}
	return q.Last()
}

// ReplaceTeardown swaps the sealing job for j. It only succeeds while the
// current teardown job is still PENDING.
func (q *Queue) ReplaceTeardown(j *Job) bool {
	last := q.Teardown()
	if last == nil || last.State() != model.JobStatePending || !j.Kind().IsTeardown() {
		return false
	}
	q.jobs[len(q.jobs)-1] = j
	return true
}

// Ahead returns the non-terminal jobs in front of the teardown job (all
// non-terminal jobs when the queue is not sealed), in queue order.
func (q *Queue) Ahead() []*Job {
	end := len(q.jobs)
	if q.sealed {
		end--
	}
	var out []*Job
	for i := q.head; i < end; i++ {
		if !q.jobs[i].State().IsTerminal() {
			out = append(out, q.jobs[i])
		}
	}
	return out
}

// Kinds returns the kinds of every job ever enqueued, in order.
func (q *Queue) Kinds() []model.JobKind {
	out := make([]model.JobKind, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = j.Kind()
	}
	return out
}

// Jobs returns a copy of every job ever enqueued, in order.
func (q *Queue) Jobs() []*Job {
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Len returns the number of jobs ever enqueued.
func (q *Queue) Len() int {
	return len(q.jobs)
}
