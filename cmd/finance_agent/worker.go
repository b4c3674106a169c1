package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerSweepInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background analysis worker",
	Long: `Consume analysis tasks from the configured queue and run the pipeline for each.

With QUEUE_BACKEND=redis tasks are pulled by an in-process worker pool; with
QUEUE_BACKEND=river they are executed by River on the application database.
Abandoned uploads are swept periodically.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&workerSweepInterval, "sweep-interval", time.Hour, "How often to delete abandoned uploads (0 disables)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	database, err := connectDB(ctx)
	if err != nil {
		return fmt.Errorf("worker requires a database: %w", err)
	}
	defer database.Close()
	if cfg.Database.AutoMigrate {
		if err := migrateAll(ctx, database); err != nil {
			return err
		}
	}

	uploads, err := openUploads(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open upload storage: %w", err)
	}

	runner, closeRunner, err := newRunner(ctx, database, uploads)
	if err != nil {
		return err
	}
	defer closeRunner()

	qb, err := openQueue(database, runner)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer qb.close()

	logger.Info("worker starting",
		zap.String("backend", cfg.Queue.Backend),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Int("max_attempts", cfg.Queue.MaxAttempts),
		zap.Duration("soft_limit", cfg.Queue.SoftLimit),
		zap.Duration("hard_limit", cfg.Queue.HardLimit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return qb.consumer.Run(gctx, cfg.Server.ShutdownTimeout) })
	if workerSweepInterval > 0 {
		g.Go(func() error {
			return sweepLoop(gctx, uploads, workerSweepInterval, cfg.Storage.SweepAge)
		})
	}
	if cfg.Server.MetricsPort > 0 {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsPort) })
	}
	return g.Wait()
}
