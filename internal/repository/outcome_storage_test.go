package repository

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOutcomeStorage_SaveAndList(t *testing.T) {
	file := filepath.Join(t.TempDir(), "outcomes.json")
	repo, err := NewOutcomeStorage(file, newTestLogger())
	require.NoError(t, err)

	now := time.Now().UTC()
	ctx := context.Background()
	require.NoError(t, repo.SaveOutcome(ctx, &domain.Outcome{TaskID: "a", Stage: domain.StageDeclined, CreatedAt: now}))
	require.NoError(t, repo.SaveOutcome(ctx, &domain.Outcome{TaskID: "b", Stage: domain.StageSuccess, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.SaveOutcome(ctx, &domain.Outcome{TaskID: "a", Stage: domain.StageAborted, CreatedAt: now.Add(2 * time.Second)}))

	all, err := repo.ListOutcomes(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.StageAborted, all[0].Stage, "newest first")
	for _, o := range all {
		assert.NotEmpty(t, o.ID)
	}

	onlyA, err := repo.ListOutcomes(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, domain.StageAborted, onlyA[0].Stage)

	reloaded, err := NewOutcomeStorage(file, newTestLogger())
	require.NoError(t, err)
	again, err := reloaded.ListOutcomes(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestOutcomeStorage_CancelledContext(t *testing.T) {
	repo, err := NewOutcomeStorage(filepath.Join(t.TempDir(), "outcomes.json"), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, repo.SaveOutcome(ctx, &domain.Outcome{TaskID: "a"}), context.Canceled)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/drops", migrateURL("postgres://u:p@db:5432/drops"))
	assert.Equal(t, "pgx5://db/drops", migrateURL("postgresql://db/drops"))
	assert.Equal(t, "pgx5://db/drops", migrateURL("pgx5://db/drops"))
}
