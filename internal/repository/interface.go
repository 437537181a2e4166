package repository

import (
	"context"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

// OutcomeRepo records how runners ended.
type OutcomeRepo interface {
	SaveOutcome(ctx context.Context, outcome *domain.Outcome) error
	// ListOutcomes returns outcomes newest first. An empty taskID lists all
	// tasks; limit <= 0 means no limit.
	ListOutcomes(ctx context.Context, taskID string, limit int) ([]*domain.Outcome, error)
	Close() error
}
