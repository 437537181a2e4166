package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

// OutcomeStorage keeps outcomes in memory and persists them to one JSON
// state file, written atomically through a temp file.
type OutcomeStorage struct {
	mu       sync.RWMutex
	outcomes []*domain.Outcome
	file     string
	logger   *slog.Logger
}

// NewOutcomeStorage creates an OutcomeStorage and restores the state file if
// it exists.
func NewOutcomeStorage(filePath string, logger *slog.Logger) (*OutcomeStorage, error) {
	repo := &OutcomeStorage{
		file:   filepath.Clean(filePath),
		logger: logger,
	}

	if err := repo.restore(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	logger.Info("outcome history initialized", "file_path", repo.file, "outcomes_count", len(repo.outcomes))
	return repo, nil
}

func (r *OutcomeStorage) restore() error {
	data, err := os.ReadFile(r.file)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("state file does not exist, starting with empty history", "file_path", r.file)
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		r.logger.Warn("state file is empty", "file_path", r.file)
		return nil
	}

	if err := json.Unmarshal(data, &r.outcomes); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	return nil
}

// persist must be called with mu held.
func (r *OutcomeStorage) persist() error {
	data, err := json.MarshalIndent(r.outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	r.logger.Debug("state saved to file", "outcomes_count", len(r.outcomes), "file_path", r.file)
	return nil
}

// SaveOutcome appends outcome and persists the history.
func (r *OutcomeStorage) SaveOutcome(ctx context.Context, outcome *domain.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, outcome)
	if err := r.persist(); err != nil {
		return fmt.Errorf("failed to save state after recording outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns outcomes newest first.
func (r *OutcomeStorage) ListOutcomes(ctx context.Context, taskID string, limit int) ([]*domain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var out []*domain.Outcome
	for _, o := range r.outcomes {
		if taskID == "" || o.TaskID == taskID {
			cp := *o
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutcomeStorage) Close() error { return nil }
