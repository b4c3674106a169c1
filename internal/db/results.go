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

const resultColumns = `id, job_id, verification_output, analysis_output, investment_output,
	risk_output, market_output, full_output, entity_name, document_type, reporting_period, created_at`

// CreateResult stores the output of a job. Returns ErrResultExists if the job
// already has one.
func (db *DB) CreateResult(ctx context.Context, in ResultCreate) (*Result, error) {
	return createResult(ctx, db.pool, in)
}

// CompleteJob stores the result and moves the job to completed in a single
// transaction. A job that is already completed is returned together with its
// existing result.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, in ResultCreate) (*Job, *Result, error) {
	in.JobID = id

	var job *Job
	var result *Result
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		cur, err := getJob(ctx, tx, id, true)
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if cur == nil {
			return ErrJobNotFound
		}

		if cur.Status == lifecycle.StatusCompleted {
			job = cur
			result, err = getResultForJob(ctx, tx, id)
			return err
		}

		result, err = createResult(ctx, tx, in)
		if err != nil {
			return err
		}
		job, err = applyTransition(ctx, tx, id, lifecycle.Input{
			Event: lifecycle.EventSucceed,
			Now:   time.Now(),
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, result, nil
}

// GetResultForJob retrieves the result of a job. Returns nil if none exists.
func (db *DB) GetResultForJob(ctx context.Context, jobID uuid.UUID) (*Result, error) {
	return getResultForJob(ctx, db.pool, jobID)
}

// ListJobsWithResults returns jobs created at or after since, newest first,
// each paired with its result when one exists.
func (db *DB) ListJobsWithResults(ctx context.Context, since time.Time) ([]JobExport, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT j.id, j.user_id, j.status, j.query, j.original_filename, j.task_ref, j.created_at,
		        j.started_at, j.completed_at, j.duration_seconds, j.error_message, j.retry_count,
		        r.id, r.verification_output, r.analysis_output, r.investment_output,
		        r.risk_output, r.market_output, r.full_output, r.entity_name,
		        r.document_type, r.reporting_period, r.created_at
		 FROM analysis_jobs j
		 LEFT JOIN analysis_results r ON r.job_id = j.id
		 WHERE j.created_at >= $1
		 ORDER BY j.created_at DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for export: %w", err)
	}
	defer rows.Close()

	var out []JobExport
	for rows.Next() {
		var j Job
		var status string
		var r Result
		var resultID *uuid.UUID
		var resultCreated *time.Time
		err := rows.Scan(&j.ID, &j.UserID, &status, &j.Query, &j.OriginalFilename, &j.TaskRef,
			&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.DurationSeconds, &j.ErrorMessage, &j.RetryCount,
			&resultID, &r.VerificationOutput, &r.AnalysisOutput, &r.InvestmentOutput,
			&r.RiskOutput, &r.MarketOutput, &r.FullOutput, &r.EntityName,
			&r.DocumentType, &r.ReportingPeriod, &resultCreated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		j.Status = lifecycle.Status(status)
		j.CreatedAt = j.CreatedAt.UTC()
		j.StartedAt = utcPtr(j.StartedAt)
		j.CompletedAt = utcPtr(j.CompletedAt)

		row := JobExport{Job: j}
		if resultID != nil {
			r.ID = *resultID
			r.JobID = j.ID
			if resultCreated != nil {
				r.CreatedAt = resultCreated.UTC()
			}
			row.Result = &r
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate export rows: %w", err)
	}
	return out, nil
}

func createResult(ctx context.Context, q querier, in ResultCreate) (*Result, error) {
	r, err := scanResult(q.QueryRow(ctx,
		`INSERT INTO analysis_results (job_id, verification_output, analysis_output, investment_output,
		        risk_output, market_output, full_output, entity_name, document_type, reporting_period)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+resultColumns,
		in.JobID, in.VerificationOutput, in.AnalysisOutput, in.InvestmentOutput,
		in.RiskOutput, in.MarketOutput, in.FullOutput, in.EntityName, in.DocumentType, in.ReportingPeriod,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrResultExists
		}
		return nil, fmt.Errorf("failed to create result: %w", err)
	}
	return r, nil
}

func getResultForJob(ctx context.Context, q querier, jobID uuid.UUID) (*Result, error) {
	r, err := scanResult(q.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return r, nil
}

func scanResult(row pgx.Row) (*Result, error) {
	var r Result
	err := row.Scan(&r.ID, &r.JobID, &r.VerificationOutput, &r.AnalysisOutput, &r.InvestmentOutput,
		&r.RiskOutput, &r.MarketOutput, &r.FullOutput, &r.EntityName, &r.DocumentType,
		&r.ReportingPeriod, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}
