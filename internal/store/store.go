// Package store persists test outcomes so runs can be compared over time.
package store

import (
	"context"

	"github.com/me/vgrid/pkg/model"
)

// Store defines the persistence layer for outcome history.
type Store interface {
	SaveOutcome(ctx context.Context, rec *model.OutcomeRecord) error
	GetOutcome(ctx context.Context, id string) (*model.OutcomeRecord, error)
	ListOutcomes(ctx context.Context, opts model.ListOptions) ([]*model.OutcomeRecord, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
