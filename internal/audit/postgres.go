package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandbox_runs (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	exit_code   INTEGER     NOT NULL,
	duration_ms BIGINT      NOT NULL,
	screenshots INTEGER     NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
)`

const insertRun = `
INSERT INTO sandbox_runs (session_id, kind, status, exit_code, duration_ms, screenshots, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sandbox_runs: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, run Run) error {
	_, err := p.pool.Exec(ctx, insertRun,
		run.SessionID, run.Kind, run.Status, run.ExitCode, run.DurationMs, run.Screenshots, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}
