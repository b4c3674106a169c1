package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/lifecycle"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/queue"
)

// defaultWriteTimeout bounds terminal database writes, which run detached
// from the task context so a soft time limit cannot lose them.
const defaultWriteTimeout = 30 * time.Second

// JobStore is the part of the job store the runner drives.
type JobStore interface {
	MarkProcessing(ctx context.Context, id uuid.UUID, taskRef string) (*db.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, in db.ResultCreate) (*db.Job, *db.Result, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (*db.Job, error)
}

// FileRemover deletes a stored upload. Removing a missing file is not an
// error.
type FileRemover interface {
	Remove(ctx context.Context, path string) error
}

// Pipeline runs the analysis of one document.
type Pipeline interface {
	Run(ctx context.Context, query, filePath string, onProgress ProgressCallback) (*Output, error)
}

// Runner is the queue handler for analysis tasks. It claims the job, runs the
// pipeline, records the terminal state and releases the upload.
type Runner struct {
	store        JobStore
	files        FileRemover
	pipeline     Pipeline
	policy       queue.RetryPolicy
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewRunner creates a Runner. The policy must match the one the queue
// settles outcomes with.
func NewRunner(store JobStore, files FileRemover, pipeline Pipeline, policy queue.RetryPolicy, logger *zap.Logger) *Runner {
	return &Runner{
		store:        store,
		files:        files,
		pipeline:     pipeline,
		policy:       policy,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.Named("runner"),
	}
}

// Handle executes one delivery of an analysis task.
func (r *Runner) Handle(ctx context.Context, task queue.Task) queue.Outcome {
	logger := r.logger.With(
		zap.String("job_id", task.JobID.String()),
		zap.String("task_ref", task.Ref),
		zap.Int("attempt", task.Attempt),
	)

	job, err := r.store.MarkProcessing(ctx, task.JobID, task.Ref)
	var terr *lifecycle.TransitionError
	switch {
	case errors.As(err, &terr) && terr.From == lifecycle.StatusCompleted:
		// A duplicate delivery of finished work. Ack it.
		logger.Info("job already completed, skipping task")
		return queue.Success()
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		// Already failed. The failure retry path redelivers it; leave the
		// row and upload untouched.
		logger.Info("job already failed, skipping task")
		return queue.Fail(err, true)
	case err != nil:
		logger.Error("failed to claim job", zap.Error(err))
		return queue.Fail(fmt.Errorf("failed to claim job: %w", err), true)
	case job == nil:
		logger.Warn("job not found, releasing upload")
		r.release(ctx, task.FilePath, logger)
		return queue.Fail(db.ErrJobNotFound, false)
	}

	logger.Info("analysis started", zap.Int("retry_count", job.RetryCount))
	start := time.Now()

	out, err := r.run(ctx, task, logger)
	observability.ObservePipelineDuration(time.Since(start).Seconds())

	if err == nil {
		return r.complete(ctx, task, out, logger)
	}

	rateLimited := llm.IsRateLimit(err)
	if rateLimited && r.policy.CanRetry(task.Attempt) {
		logger.Warn("rate limited, task will be retried", zap.Error(err))
		return queue.Retry(err)
	}
	return r.fail(ctx, task, err, !rateLimited, logger)
}

// run executes the pipeline, turning a panic into an error.
func (r *Runner) run(ctx context.Context, task queue.Task, logger *zap.Logger) (out *Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline panic: %v", p)
		}
	}()
	return r.pipeline.Run(ctx, task.Query, task.FilePath, func(ev ProgressEvent) {
		logger.Debug(ev.Message, zap.String("step", ev.Step), zap.String("category", ev.Category))
	})
}

func (r *Runner) complete(ctx context.Context, task queue.Task, out *Output, logger *zap.Logger) queue.Outcome {
	wctx, cancel := r.writeContext(ctx)
	defer cancel()

	job, _, err := r.store.CompleteJob(wctx, task.JobID, resultFromOutput(out))
	if err != nil {
		// The analysis succeeded but could not be saved. Record the failure
		// so the job does not sit in processing.
		logger.Error("failed to store result", zap.Error(err))
		return r.fail(ctx, task, fmt.Errorf("failed to store result: %w", err), true, logger)
	}
	r.release(ctx, task.FilePath, logger)

	observability.IncJobsFinished(string(lifecycle.StatusCompleted))
	logger.Info("analysis completed",
		zap.Float64p("duration_seconds", job.DurationSeconds),
		zap.Int("pages", out.Pages),
	)
	return queue.Success()
}

// fail records the failure, releases the upload and reports a terminal
// outcome. The upload is released even if the write fails.
func (r *Runner) fail(ctx context.Context, task queue.Task, cause error, requeue bool, logger *zap.Logger) queue.Outcome {
	wctx, cancel := r.writeContext(ctx)
	defer cancel()

	if _, err := r.store.MarkFailed(wctx, task.JobID, cause.Error()); err != nil {
		logger.Error("failed to mark job failed", zap.NamedError("cause", cause), zap.Error(err))
	} else {
		observability.IncJobsFinished(string(lifecycle.StatusFailed))
	}
	r.release(ctx, task.FilePath, logger)

	logger.Error("analysis failed", zap.Error(cause), zap.Bool("requeue", requeue))
	return queue.Fail(cause, requeue)
}

func (r *Runner) release(ctx context.Context, path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	if err := r.files.Remove(wctx, path); err != nil {
		logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
}

func resultFromOutput(out *Output) db.ResultCreate {
	return db.ResultCreate{
		VerificationOutput: &out.Verification,
		AnalysisOutput:     &out.Analysis,
		InvestmentOutput:   &out.Investment,
		RiskOutput:         &out.Risk,
		MarketOutput:       &out.Market,
		FullOutput:         &out.Full,
		EntityName:         out.Metadata.EntityName,
		DocumentType:       out.Metadata.DocumentType,
		ReportingPeriod:    out.Metadata.ReportingPeriod,
	}
}
