package journal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists run records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    chain_id BIGINT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    steps JSONB NOT NULL,
    failed_step TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    partial BOOLEAN NOT NULL DEFAULT FALSE,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	steps, err := json.Marshal(record.Steps)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO pipeline_runs (run_id, mode, chain_id, asset, amount, steps, failed_step, error, partial, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id) DO UPDATE
SET steps = EXCLUDED.steps,
    failed_step = EXCLUDED.failed_step,
    error = EXCLUDED.error,
    partial = EXCLUDED.partial,
    finished_at = EXCLUDED.finished_at
`, record.RunID, record.Mode, record.ChainID, record.Asset, record.Amount,
		steps, record.FailedStep, record.Error, record.Partial, record.StartedAt, record.FinishedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT run_id, mode, chain_id, asset, amount, steps, failed_step, error, partial, started_at, finished_at
FROM pipeline_runs
WHERE run_id = $1
`, runID)

	var rec Record
	var steps []byte
	if err := row.Scan(&rec.RunID, &rec.Mode, &rec.ChainID, &rec.Asset, &rec.Amount,
		&steps, &rec.FailedStep, &rec.Error, &rec.Partial, &rec.StartedAt, &rec.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return nil, err
	}
	return &rec, nil
}
