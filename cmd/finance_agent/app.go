package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/config"
	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/ingestion"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/pipeline"
	"github.com/jonathan/financial-analyzer/internal/queue"
	"github.com/jonathan/financial-analyzer/internal/research"
	"github.com/jonathan/financial-analyzer/internal/storage"
)

// visibilityGrace is added to the hard time limit to get the Redis
// visibility timeout, so a live task is never handed out twice.
const visibilityGrace = time.Minute

var errRiverNeedsDatabase = errors.New("the river queue backend requires a database connection")

func connectDB(ctx context.Context) (*db.DB, error) {
	return db.ConnectWithRetry(ctx, cfg.Database.URL, cfg.Database.ConnectAttempts, cfg.Database.ConnectDelay)
}

// migrateAll applies the application schema and, on the river backend,
// River's own tables.
func migrateAll(ctx context.Context, database *db.DB) error {
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if cfg.Queue.Backend == config.QueueBackendRiver {
		if err := queue.MigrateRiver(ctx, database.Pool()); err != nil {
			return fmt.Errorf("failed to run river migrations: %w", err)
		}
	}
	return nil
}

func openUploads(ctx context.Context, sc config.StorageConfig) (storage.Store, error) {
	if sc.Backend == config.StorageBackendMinIO {
		m, err := storage.NewMinio(ctx,
			storage.WithEndpoint(sc.MinIO.Endpoint),
			storage.WithBucket(sc.MinIO.Bucket),
			storage.WithCredentials(sc.MinIO.AccessKey, sc.MinIO.SecretKey),
			storage.WithSSL(sc.MinIO.UseSSL),
		)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	l, err := storage.NewLocal(sc.Dir)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func retryPolicy() queue.RetryPolicy {
	return queue.NewRetryPolicy(cfg.Queue.MaxAttempts, cfg.Queue.RateLimitBase, cfg.Queue.FailureBase)
}

func taskLimits() queue.Limits {
	return queue.Limits{Soft: cfg.Queue.SoftLimit, Hard: cfg.Queue.HardLimit}
}

// newAnalyzer builds the stage pipeline reading uploads from opener. The
// returned func releases the LLM client.
func newAnalyzer(ctx context.Context, opener ingestion.Opener) (*pipeline.Analyzer, func(), error) {
	client, err := llm.NewClient(ctx,
		llm.NewConfig(cfg.LLM.LiteModel, cfg.LLM.StandardModel, cfg.LLM.AdvancedModel),
		cfg.LLM.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client (is GEMINI_API_KEY set?): %w", err)
	}

	var opts []pipeline.AnalyzerOption
	if cfg.Search.Enabled() {
		searcher, err := research.NewGoogleSearcher(ctx, cfg.Search.APIKey, cfg.Search.EngineID)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithSearcher(searcher, cfg.Search.Results))
	} else {
		logger.Info("market search disabled, GOOGLE_SEARCH_API_KEY or GOOGLE_SEARCH_CX not set")
	}

	reader := ingestion.NewReader(opener, client, logger)
	closeFn := func() { _ = client.Close() }
	return pipeline.NewAnalyzer(reader, client, logger, opts...), closeFn, nil
}

// queueBackend is the configured task queue. consumer is nil when the queue
// was opened without a handler.
type queueBackend struct {
	enqueuer queue.Enqueuer
	consumer queue.Consumer
	broker   *queue.RedisBroker
	close    func()
}

// pinger returns the health probe for the queue, or nil when the queue lives
// in the database.
func (b *queueBackend) pinger() interface{ Ping(context.Context) error } {
	if b.broker == nil {
		return nil
	}
	return b.broker
}

// openQueue opens the configured backend. A nil handler opens it for
// enqueueing only.
func openQueue(database *db.DB, handler queue.Handler) (*queueBackend, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendRiver:
		if database == nil {
			return nil, errRiverNeedsDatabase
		}
		rq, err := queue.NewRiverQueue(database.Pool(), handler, retryPolicy(), taskLimits(), cfg.Queue.Concurrency, logger)
		if err != nil {
			return nil, err
		}
		b := &queueBackend{enqueuer: rq, close: func() {}}
		if handler != nil {
			b.consumer = rq
		}
		return b, nil

	default:
		client, err := queue.NewRedisClient(cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		broker := queue.NewRedisBroker(client, cfg.Queue.Name, cfg.Queue.HardLimit+visibilityGrace)
		b := &queueBackend{
			enqueuer: broker,
			broker:   broker,
			close:    func() { _ = client.Close() },
		}
		if handler != nil {
			b.consumer = queue.NewPool(broker, handler, logger,
				queue.WithConcurrency(cfg.Queue.Concurrency),
				queue.WithPollInterval(cfg.Queue.PollInterval),
				queue.WithRetryPolicy(retryPolicy()),
				queue.WithLimits(taskLimits()),
			)
		}
		return b, nil
	}
}

// newRunner wires the queue handler that executes analyses.
func newRunner(ctx context.Context, database *db.DB, uploads storage.Store) (*pipeline.Runner, func(), error) {
	analyzer, closeFn, err := newAnalyzer(ctx, uploads)
	if err != nil {
		return nil, nil, err
	}
	return pipeline.NewRunner(database, uploads, analyzer, retryPolicy(), logger), closeFn, nil
}

// sweepLoop deletes abandoned uploads every interval until ctx is done.
func sweepLoop(ctx context.Context, uploads storage.Store, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := uploads.Sweep(ctx, olderThan)
			if err != nil {
				logger.Warn("upload sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("swept stale uploads", zap.Int("removed", n))
			}
		}
	}
}
