package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// InsertJob enqueues a job unless one with the same (job_type, identity) is
// already enqueued or in flight. Returns ErrAlreadyExists in that case.
func (db *DB) InsertJob(ctx context.Context, jobType, identity, payload string, runAt time.Time) error {
	query := `
		INSERT OR IGNORE INTO jobs (job_type, identity, payload, status, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, jobType, identity, payload, models.JobEnqueued, runAt.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// ClaimDueJob atomically moves the oldest due job of a type from enqueued to
// processing and returns it. Returns ErrNotFound when nothing is due.
func (db *DB) ClaimDueJob(ctx context.Context, jobType string) (*models.QueuedJob, error) {
	now := time.Now().UTC()
	for {
		var job models.QueuedJob
		query := `
			SELECT * FROM jobs
			WHERE job_type = ? AND status = ? AND run_at <= ?
			ORDER BY run_at, id
			LIMIT 1
		`
		err := db.GetContext(ctx, &job, query, jobType, models.JobEnqueued, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select due job: %w", err)
		}

		// Compare-and-set; another worker may have claimed it first.
		result, err := db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.JobProcessing, time.Now().UTC(), job.ID, models.JobEnqueued,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 1 {
			job.Status = models.JobProcessing
			return &job, nil
		}
	}
}

// CompleteJob marks a job done
func (db *DB) CompleteJob(ctx context.Context, id int64) error {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.JobDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob marks a job failed with the error it terminated on
func (db *DB) FailJob(ctx context.Context, id int64, reason string) error {
	query := `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.JobFailed, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// ResetProcessingJobs requeues jobs left in processing by a previous run,
// called once at startup before the workers come up
func (db *DB) ResetProcessingJobs(ctx context.Context) (int64, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`
	result, err := db.ExecContext(ctx, query, models.JobEnqueued, time.Now().UTC(), models.JobProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// UpsertRecurringJob registers a recurring job under a stable identity.
// Re-registration updates the interval but keeps the pending next run, so
// process restarts never duplicate or reset the schedule.
func (db *DB) UpsertRecurringJob(ctx context.Context, identity, jobType string, interval time.Duration) error {
	query := `
		INSERT INTO recurring_jobs (identity, job_type, interval_seconds, next_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			job_type = excluded.job_type,
			interval_seconds = excluded.interval_seconds,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query, identity, jobType, int64(interval.Seconds()), now.Add(interval), now)
	if err != nil {
		return fmt.Errorf("failed to upsert recurring job: %w", err)
	}
	return nil
}

// ListDueRecurringJobs returns recurring registrations whose next run is due
func (db *DB) ListDueRecurringJobs(ctx context.Context) ([]*models.RecurringJob, error) {
	var jobs []*models.RecurringJob
	query := `SELECT * FROM recurring_jobs WHERE next_run_at <= ?`
	err := db.SelectContext(ctx, &jobs, query, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due recurring jobs: %w", err)
	}
	return jobs, nil
}

// AdvanceRecurringJob schedules the next run of a recurring registration
func (db *DB) AdvanceRecurringJob(ctx context.Context, identity string) error {
	query := `
		UPDATE recurring_jobs
		SET next_run_at = datetime('now', '+' || interval_seconds || ' seconds'), updated_at = ?
		WHERE identity = ?
	`
	_, err := db.ExecContext(ctx, query, time.Now().UTC(), identity)
	if err != nil {
		return fmt.Errorf("failed to advance recurring job: %w", err)
	}
	return nil
}
