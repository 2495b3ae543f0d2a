// Package scheduler drains the job queues of every registered RunningTest
// under a global concurrency budget.
package scheduler

import "context"

// Scheduler is the dispatch loop driven by a command or test harness.
type Scheduler interface {
	// Start begins the dispatch loop. Blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop shuts the loop down and waits for in-flight jobs to finish.
	Stop() error

	// Tick runs a single dispatch iteration. Used for testing.
	Tick(ctx context.Context) error
}

var _ Scheduler = (*Runner)(nil)
