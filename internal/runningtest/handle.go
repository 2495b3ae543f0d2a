package runningtest

import (
	"context"
	"sync"

	"github.com/me/vgrid/pkg/model"
)

// Handle resolves once with the TestOutcome of a RunningTest.
//
// Wait has no internal timeout: it blocks until the outcome is produced or the
// caller's context ends.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	outcome model.TestOutcome
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// resolve records the outcome. Later calls are ignored, so a resolved outcome never changes.
func (h *Handle) resolve(outcome model.TestOutcome) {
	h.once.Do(func() {
		h.outcome = outcome
		close(h.done)
	})
}

// Done is closed when the outcome is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the outcome without blocking.
func (h *Handle) Outcome() (model.TestOutcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return model.TestOutcome{}, false
	}
}

// Wait blocks until the outcome is available or ctx is done.
func (h *Handle) Wait(ctx context.Context) (model.TestOutcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return model.TestOutcome{}, ctx.Err()
	}
}
