package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/financial-analyzer/internal/lifecycle"
)

const jobColumns = `id, user_id, status, query, original_filename, task_ref, created_at,
	started_at, completed_at, duration_seconds, error_message, retry_count`

// CreateJob inserts a new job in the pending state
func (db *DB) CreateJob(ctx context.Context, in JobCreate) (*Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`INSERT INTO analysis_jobs (query, original_filename, user_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+jobColumns,
		in.Query, in.OriginalFilename, in.UserID, string(lifecycle.StatusPending),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID. Returns nil if not found.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := getJob(ctx, db.pool, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsForUser lists a user's jobs, newest first
func (db *DB) ListJobsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM analysis_jobs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListRecentJobs lists the newest jobs across all users
func (db *DB) ListRecentJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM analysis_jobs
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkProcessing claims a job for a worker and records the task reference.
// Returns nil if the job does not exist and lifecycle.ErrInvalidTransition if
// the job is already terminal.
func (db *DB) MarkProcessing(ctx context.Context, id uuid.UUID, taskRef string) (*Job, error) {
	return db.transition(ctx, id, lifecycle.Input{
		Event:   lifecycle.EventClaim,
		Now:     time.Now(),
		TaskRef: taskRef,
	})
}

// MarkCompleted moves a processing job to completed. Calling it again on a
// completed job returns the job unchanged.
func (db *DB) MarkCompleted(ctx context.Context, id uuid.UUID) (*Job, error) {
	return db.transition(ctx, id, lifecycle.Input{
		Event: lifecycle.EventSucceed,
		Now:   time.Now(),
	})
}

// MarkFailed moves a processing job to failed with the given message.
// Calling it again on a failed job returns the job unchanged.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*Job, error) {
	return db.transition(ctx, id, lifecycle.Input{
		Event:   lifecycle.EventFail,
		Now:     time.Now(),
		Message: message,
	})
}

// DeleteJob removes a job and, by cascade, its result. Jobs that are
// processing are refused with ErrJobProcessing.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		job, err := getJob(ctx, tx, id, true)
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job == nil {
			return ErrJobNotFound
		}
		if job.Status == lifecycle.StatusProcessing {
			return ErrJobProcessing
		}
		if _, err := tx.Exec(ctx, `DELETE FROM analysis_jobs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// transition loads the job under a row lock, asks the state machine for the
// update and writes it, all in one transaction.
func (db *DB) transition(ctx context.Context, id uuid.UUID, in lifecycle.Input) (*Job, error) {
	var job *Job
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		job, err = applyTransition(ctx, tx, id, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func applyTransition(ctx context.Context, q querier, id uuid.UUID, in lifecycle.Input) (*Job, error) {
	cur, err := getJob(ctx, q, id, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if cur == nil {
		return nil, nil
	}

	upd, err := lifecycle.Apply(cur.state(), in)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if upd.Noop {
		return cur, nil
	}

	job, err := scanJob(q.QueryRow(ctx,
		`UPDATE analysis_jobs
		 SET status = $2,
		     task_ref = COALESCE($3, task_ref),
		     started_at = $4,
		     completed_at = $5,
		     duration_seconds = $6,
		     error_message = COALESCE($7, error_message),
		     retry_count = $8
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, string(upd.Status), upd.TaskRef, upd.StartedAt, upd.CompletedAt,
		upd.DurationSeconds, upd.ErrorMessage, upd.RetryCount,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job, nil
}

func getJob(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	job, err := scanJob(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	err := row.Scan(&j.ID, &j.UserID, &status, &j.Query, &j.OriginalFilename, &j.TaskRef,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.DurationSeconds, &j.ErrorMessage, &j.RetryCount)
	if err != nil {
		return nil, err
	}
	j.Status = lifecycle.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = utcPtr(j.StartedAt)
	j.CompletedAt = utcPtr(j.CompletedAt)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}
