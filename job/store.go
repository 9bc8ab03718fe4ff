package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunSummary is the persisted record of one date's billing run.
type RunSummary struct {
	RunDate          time.Time
	GeneratedCount   int
	SkippedCount     int
	FailureCount     int
	TotalBilledCents int64
	CompletedAt      time.Time
}

// PGRunStore persists run summaries and the single-row job cursor.
type PGRunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{pool: pool}
}

// LastRunDate reads the cursor. The second return is false when the job has
// never completed a run.
func (s *PGRunStore) LastRunDate(ctx context.Context) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_run_date FROM billing_job_cursor WHERE id = 1`).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("job: read cursor: %w", err)
	}
	return last, true, nil
}

// RecordRun inserts the summary row and advances the cursor in one
// transaction. The cursor only moves forward; re-billing an old date must not
// rewind it.
func (s *PGRunStore) RecordRun(ctx context.Context, summary RunSummary) error {
	const insertSQL = `
INSERT INTO billing_runs (run_date, generated_count, skipped_count, failure_count, total_billed_cents, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	const cursorSQL = `
INSERT INTO billing_job_cursor (id, last_run_date)
VALUES (1, $1)
ON CONFLICT (id) DO UPDATE
SET last_run_date = GREATEST(billing_job_cursor.last_run_date, EXCLUDED.last_run_date)`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertSQL,
		summary.RunDate, summary.GeneratedCount, summary.SkippedCount,
		summary.FailureCount, summary.TotalBilledCents, summary.CompletedAt)
	if err != nil {
		return fmt.Errorf("job: insert run summary: %w", err)
	}

	if _, err := tx.Exec(ctx, cursorSQL, summary.RunDate); err != nil {
		return fmt.Errorf("job: advance cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("job: commit tx: %w", err)
	}
	return nil
}
