package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/observability"
)

// AnalysisKind is the River job kind for analysis tasks.
const AnalysisKind = "analysis"

// AnalysisArgs is stored in river_job.args.
type AnalysisArgs struct {
	JobID    uuid.UUID `json:"job_id"`
	Query    string    `json:"query"`
	FilePath string    `json:"file_path"`
	Attempt  int       `json:"attempt"`
}

// Kind returns the job kind for River registration.
func (AnalysisArgs) Kind() string {
	return AnalysisKind
}

// InsertOpts disables River's own retries; RetryPolicy schedules them.
func (AnalysisArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       DefaultQueue,
		MaxAttempts: 1,
	}
}

func argsFromTask(task Task) AnalysisArgs {
	return AnalysisArgs{
		JobID:    task.JobID,
		Query:    task.Query,
		FilePath: task.FilePath,
		Attempt:  task.Attempt,
	}
}

// Inserter is the subset of the River client used to schedule retries.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// AnalysisWorker runs analysis tasks delivered by River.
type AnalysisWorker struct {
	river.WorkerDefaults[AnalysisArgs]
	handler  Handler
	policy   RetryPolicy
	limits   Limits
	inserter Inserter
	logger   *zap.Logger
}

// NewAnalysisWorker creates a worker. The inserter may be set later with
// SetInserter once the River client exists.
func NewAnalysisWorker(handler Handler, policy RetryPolicy, limits Limits, logger *zap.Logger) *AnalysisWorker {
	return &AnalysisWorker{
		handler: handler,
		policy:  policy,
		limits:  limits,
		logger:  logger.Named("river"),
	}
}

// SetInserter sets the client used to insert retry jobs.
func (w *AnalysisWorker) SetInserter(ins Inserter) {
	w.inserter = ins
}

// Timeout lets River cancel the work context just after the hard limit.
func (w *AnalysisWorker) Timeout(*river.Job[AnalysisArgs]) time.Duration {
	return w.limits.Hard + 5*time.Second
}

// Work executes one delivery and settles it. Retries are inserted as new jobs
// scheduled after the backoff delay.
func (w *AnalysisWorker) Work(ctx context.Context, job *river.Job[AnalysisArgs]) error {
	task := Task{
		Ref:      strconv.FormatInt(job.ID, 10),
		JobID:    job.Args.JobID,
		Query:    job.Args.Query,
		FilePath: job.Args.FilePath,
		Attempt:  job.Args.Attempt,
	}
	logger := w.logger.With(
		zap.String("task_ref", task.Ref),
		zap.String("job_id", task.JobID.String()),
		zap.Int("attempt", task.Attempt),
	)

	out := runWithLimits(ctx, w.limits, func(ctx context.Context) Outcome {
		return w.handler.Handle(ctx, task)
	})
	return w.settle(ctx, task, out, logger)
}

func (w *AnalysisWorker) settle(ctx context.Context, task Task, out Outcome, logger *zap.Logger) error {
	decision := w.policy.Decide(out, task.Attempt)

	switch decision.Action {
	case ActionRetry:
		observability.IncTaskRetries(out.Kind.String())
		logger.Warn("retrying task",
			zap.Stringer("outcome", out.Kind),
			zap.Duration("delay", decision.Delay),
			zap.String("reason", out.reasonText()),
		)
		if w.inserter == nil {
			return fmt.Errorf("retry requested but no inserter configured")
		}
		next := argsFromTask(task)
		next.Attempt++
		opts := next.InsertOpts()
		opts.ScheduledAt = time.Now().Add(decision.Delay)
		if _, err := w.inserter.Insert(context.WithoutCancel(ctx), next, &opts); err != nil {
			return fmt.Errorf("failed to insert retry: %w", err)
		}
		return nil
	case ActionDeadLetter:
		observability.IncTaskDeadLetters()
		logger.Error("task exhausted retries",
			zap.Stringer("outcome", out.Kind),
			zap.String("reason", out.reasonText()),
		)
		reason := out.Reason
		if reason == nil {
			reason = fmt.Errorf("task failed")
		}
		return river.JobCancel(reason)
	default:
		return nil
	}
}

// RiverQueue runs analysis tasks on River backed by PostgreSQL.
type RiverQueue struct {
	client      *river.Client[pgx.Tx]
	concurrency int
	logger      *zap.Logger
}

// NewRiverQueue creates a River client with the analysis worker registered.
// A nil handler produces an insert-only client suitable for the API process.
func NewRiverQueue(pool *pgxpool.Pool, handler Handler, policy RetryPolicy, limits Limits, concurrency int, logger *zap.Logger) (*RiverQueue, error) {
	cfg := &river.Config{}

	var worker *AnalysisWorker
	if handler != nil {
		worker = NewAnalysisWorker(handler, policy, limits, logger)
		workers := river.NewWorkers()
		river.AddWorker(workers, worker)
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			DefaultQueue: {MaxWorkers: concurrency},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	if worker != nil {
		worker.SetInserter(client)
	}

	return &RiverQueue{client: client, concurrency: concurrency, logger: logger.Named("river")}, nil
}

// Enqueue inserts an analysis job and returns its River id.
func (q *RiverQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	res, err := q.client.Insert(ctx, argsFromTask(task), nil)
	if err != nil {
		return "", fmt.Errorf("failed to insert river job: %w", err)
	}
	return strconv.FormatInt(res.Job.ID, 10), nil
}

// Run starts the River client and blocks until ctx is cancelled.
func (q *RiverQueue) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	q.logger.Info("river worker starting", zap.Int("concurrency", q.concurrency))
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := q.client.Stop(stopCtx); err != nil {
		q.logger.Warn("river shutdown timed out, cancelling active jobs", zap.Error(err))
		return q.client.StopAndCancel(context.Background())
	}
	q.logger.Info("river worker stopped gracefully")
	return nil
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	_, err = migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	return err
}
