package scheduler

import (
	"sort"
	"time"

	"github.com/me/vgrid/internal/job"
	"github.com/me/vgrid/internal/runningtest"
	"github.com/me/vgrid/pkg/model"
)

// Candidate is a dispatchable head job.
type Candidate struct {
	Seq          uint64
	Test         *runningtest.RunningTest
	Job          *job.Job
	WaitingSince time.Time
}

// Order reports whether a should be dispatched before b. It must be a strict
// total order over candidates with distinct Seq values.
type Order func(a, b Candidate) bool

// LongestWaitingFirst prefers the test that has waited longest since its last
// job finished, then the earlier registration.
func LongestWaitingFirst(a, b Candidate) bool {
	if !a.WaitingSince.Equal(b.WaitingSince) {
		return a.WaitingSince.Before(b.WaitingSince)
	}
	return a.Seq < b.Seq
}

// Selector picks the next job to dispatch across RunningTests.
type Selector struct {
	order Order
}

// NewSelector creates a selector. A nil order means LongestWaitingFirst.
func NewSelector(order Order) *Selector {
	if order == nil {
		order = LongestWaitingFirst
	}
	return &Selector{order: order}
}

// Candidates returns the ready head jobs of kind, best first.
func (s *Selector) Candidates(entries []Entry, kind model.JobKind) []Candidate {
	var out []Candidate
	for _, e := range entries {
		j := e.Test.HeadJobOfKind(kind)
		if j == nil {
			continue
		}
		out = append(out, Candidate{Seq: e.Seq, Test: e.Test, Job: j, WaitingSince: e.Test.WaitingSince()})
	}
	sort.SliceStable(out, func(i, k int) bool { return s.order(out[i], out[k]) })
	return out
}

// Best returns the single best ready head job of kind.
func (s *Selector) Best(entries []Entry, kind model.JobKind) (Candidate, bool) {
	var best Candidate
	found := false
	for _, e := range entries {
		j := e.Test.HeadJobOfKind(kind)
		if j == nil {
			continue
		}
		c := Candidate{Seq: e.Seq, Test: e.Test, Job: j, WaitingSince: e.Test.WaitingSince()}
		if !found || s.order(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

// Teardowns returns the CLOSE and ABORT jobs whose tests have drained, in
// registration order. They do not compete on Order.
func (s *Selector) Teardowns(entries []Entry) []Candidate {
	var out []Candidate
	for _, e := range entries {
		if !e.Test.IsReadyToClose() {
			continue
		}
		j := e.Test.HeadJobOfKind(model.JobKindClose)
		if j == nil {
			j = e.Test.HeadJobOfKind(model.JobKindAbort)
		}
		if j == nil {
			continue
		}
		out = append(out, Candidate{Seq: e.Seq, Test: e.Test, Job: j, WaitingSince: e.Test.WaitingSince()})
	}
	return out
}
