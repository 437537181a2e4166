package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/veranemoloko/drop-runner/internal/domain"
	"github.com/veranemoloko/drop-runner/internal/repository/migrations"
)

var outcomeColumns = []string{
	"id", "task_id", "runner_id", "stage", "message", "product",
	"variant_id", "price", "proxy_id", "receipt", "created_at",
}

// PostgresOutcomeRepo stores outcome history in PostgreSQL.
type PostgresOutcomeRepo struct {
	pool   *pgxpool.Pool
	qb     squirrel.StatementBuilderType
	url    string
	logger *slog.Logger
}

// NewPostgresOutcomeRepo connects to url and pings the database.
func NewPostgresOutcomeRepo(ctx context.Context, url string, maxConns int32, logger *slog.Logger) (*PostgresOutcomeRepo, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   slogTracer{logger: logger.With("component", "postgres")},
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresOutcomeRepo{
		pool:   pool,
		qb:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		url:    url,
		logger: logger,
	}, nil
}

// Migrate applies the embedded schema migrations.
func (r *PostgresOutcomeRepo) Migrate() error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(r.url))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (r *PostgresOutcomeRepo) SaveOutcome(ctx context.Context, o *domain.Outcome) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	query, args, err := r.qb.Insert("outcomes").
		Columns(outcomeColumns...).
		Values(o.ID, o.TaskID, o.RunnerID, string(o.Stage), o.Message, o.Product,
			o.VariantID, o.Price, o.ProxyID, o.Receipt, o.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		r.logger.Error("failed to save outcome", "task_id", o.TaskID, "error", err)
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func (r *PostgresOutcomeRepo) ListOutcomes(ctx context.Context, taskID string, limit int) ([]*domain.Outcome, error) {
	sb := r.qb.Select(outcomeColumns...).From("outcomes").OrderBy("created_at DESC")
	if taskID != "" {
		sb = sb.Where(squirrel.Eq{"task_id": taskID})
	}
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Outcome
	for rows.Next() {
		var (
			o     domain.Outcome
			stage string
		)
		if err := rows.Scan(&o.ID, &o.TaskID, &o.RunnerID, &stage, &o.Message, &o.Product,
			&o.VariantID, &o.Price, &o.ProxyID, &o.Receipt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Stage = domain.Stage(stage)
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (r *PostgresOutcomeRepo) Close() error {
	r.pool.Close()
	return nil
}

// migrateURL points golang-migrate at its pgx/v5 driver.
func migrateURL(url string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// slogTracer routes pgx query tracing into slog.
type slogTracer struct {
	logger *slog.Logger
}

func (t slogTracer) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	attrs := make([]any, 0, len(data)*2)
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	t.logger.Log(ctx, slogLevel(level), msg, attrs...)
}

func slogLevel(level tracelog.LogLevel) slog.Level {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return slog.LevelDebug
	case tracelog.LogLevelInfo:
		return slog.LevelInfo
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
