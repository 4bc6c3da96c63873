package results

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hotosm/tm-extractor/internal/types"
)

const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS extraction_records (
	id BIGSERIAL PRIMARY KEY,
	project_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	result JSONB,
	error_detail TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	poll_count INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertRecordSQL = `
INSERT INTO extraction_records
	(project_id, title, task_id, state, result, error_detail, submitted_at, finished_at, poll_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PostgresSink persists run records into an extraction_records table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database and ensures the records table
// exists. The pool is sized for a single orchestrator process, not a fleet.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("error parsing database config: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if _, err := pool.Exec(ctx, createRecordsTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error creating extraction_records table: %w", err)
	}

	return &PostgresSink{pool: pool}, nil
}

// Record inserts one run record.
func (s *PostgresSink) Record(ctx context.Context, record types.RunRecord) error {
	// pgx encodes []byte as bytea, so the JSONB payload goes over as text
	var result any
	if len(record.Result) > 0 {
		result = string(record.Result)
	}

	_, err := s.pool.Exec(ctx, insertRecordSQL,
		record.ProjectID,
		record.Title,
		record.TaskID,
		string(record.State),
		result,
		record.ErrorDetail,
		record.SubmittedAt,
		record.FinishedAt,
		record.PollCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run record for project %d: %w", record.ProjectID, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// Status pings the database, for health reporting.
func (s *PostgresSink) Status(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
