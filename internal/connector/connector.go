// Package connector talks to the remote rendering and comparison service.
package connector

import (
	"context"

	"github.com/me/vgrid/pkg/model"
)

// Connector submits the jobs of a RunningTest to the comparison service.
// Every call suspends on network round trips only; implementations must be
// safe for concurrent use by the dispatcher's job goroutines.
type Connector interface {
	// SubmitOpen starts a session for one render target.
	SubmitOpen(ctx context.Context, req model.OpenRequest) (*model.Session, error)

	// SubmitCheck renders the request and matches it against the session baseline.
	SubmitCheck(ctx context.Context, session *model.Session, req *model.RenderRequest) (*model.MatchResult, error)

	// SubmitClose ends the session. aborted discards the steps instead of saving them.
	SubmitClose(ctx context.Context, session *model.Session, aborted bool) (*model.TestResults, error)
}
