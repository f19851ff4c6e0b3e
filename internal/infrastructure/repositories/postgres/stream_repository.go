package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycast/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	token        TEXT PRIMARY KEY,
	owner        TEXT NOT NULL,
	is_live      BOOLEAN NOT NULL DEFAULT FALSE,
	start_time   TIMESTAMPTZ,
	end_time     TIMESTAMPTZ,
	viewer_count INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS streams_live_idx ON streams (is_live) WHERE is_live;
`

const uniqueViolation = "23505"

// PostgresStreamRepository keeps stream records in the streams table.
type PostgresStreamRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresStreamRepository opens a pool for dsn and creates the schema.
func NewPostgresStreamRepository(ctx context.Context, dsn string) (*PostgresStreamRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create streams schema: %w", err)
	}
	return &PostgresStreamRepository{pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresStreamRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func (r *PostgresStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	created := stream.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO streams (token, owner, is_live, start_time, end_time, viewer_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, string(stream.Token), stream.Owner, stream.IsLive, stream.StartTime, stream.EndTime, stream.ViewerCount, created.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrStreamExists, stream.Token)
		}
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func (r *PostgresStreamRepository) GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error) {
	row := r.pool.QueryRow(ctx, `
SELECT token, owner, is_live, start_time, end_time, viewer_count, created_at
FROM streams
WHERE token = $1
`, string(token))

	s, err := scanStream(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrStreamNotFound
		}
		return nil, fmt.Errorf("select stream: %w", err)
	}
	return s, nil
}

func (r *PostgresStreamRepository) MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return r.exec(ctx, token, `
UPDATE streams SET is_live = TRUE, start_time = $2, end_time = NULL
WHERE token = $1
`, string(token), at.UTC())
}

func (r *PostgresStreamRepository) MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return r.exec(ctx, token, `
UPDATE streams SET is_live = FALSE, end_time = $2, viewer_count = 0
WHERE token = $1
`, string(token), at.UTC())
}

func (r *PostgresStreamRepository) UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error {
	return r.exec(ctx, token, `UPDATE streams SET viewer_count = $2 WHERE token = $1`, string(token), count)
}

func (r *PostgresStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	rows, err := r.pool.Query(ctx, `
SELECT token, owner, is_live, start_time, end_time, viewer_count, created_at
FROM streams
WHERE is_live
ORDER BY token
`)
	if err != nil {
		return nil, fmt.Errorf("select live streams: %w", err)
	}
	defer rows.Close()

	var out []*domain.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresStreamRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// exec runs an update that must touch exactly the row for token.
func (r *PostgresStreamRepository) exec(ctx context.Context, token domain.StreamToken, sql string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update stream %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func scanStream(row pgx.Row) (*domain.Stream, error) {
	var (
		s     domain.Stream
		token string
	)
	if err := row.Scan(&token, &s.Owner, &s.IsLive, &s.StartTime, &s.EndTime, &s.ViewerCount, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Token = domain.StreamToken(token)
	return &s, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
