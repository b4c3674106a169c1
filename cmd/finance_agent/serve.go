package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/queue"
	"github.com/jonathan/financial-analyzer/internal/server"
	"github.com/jonathan/financial-analyzer/internal/server/ratelimit"
)

var (
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the HTTP API. Uploads are stored and queued for the worker.

If the database cannot be reached the server still starts in a degraded mode:
the health endpoint reports it and database-backed routes answer 503.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Also run the analysis worker in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	uploads, err := openUploads(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open upload storage: %w", err)
	}

	database, err := connectDB(ctx)
	if err != nil {
		if serveWithWorker {
			return fmt.Errorf("worker requires a database: %w", err)
		}
		logger.Error("database unavailable, starting degraded", zap.Error(err))
		database = nil
	} else {
		defer database.Close()
		if cfg.Database.AutoMigrate {
			if err := migrateAll(ctx, database); err != nil {
				return err
			}
		}
	}

	var handler queue.Handler
	if serveWithWorker {
		runner, closeRunner, err := newRunner(ctx, database, uploads)
		if err != nil {
			return err
		}
		defer closeRunner()
		handler = runner
	}

	deps := server.Deps{Uploads: uploads, Logger: logger}
	if database != nil {
		deps.Store = database
	}

	qb, err := openQueue(database, handler)
	switch {
	case errors.Is(err, errRiverNeedsDatabase):
		logger.Error("queue unavailable", zap.Error(err))
	case err != nil:
		return fmt.Errorf("failed to open queue: %w", err)
	default:
		defer qb.close()
		deps.Queue = qb.enqueuer
		if p := qb.pinger(); p != nil {
			deps.QueueCheck = p
		}
	}

	rlCfg, err := ratelimit.LoadConfig()
	if err != nil {
		return err
	}
	deps.Limiter = ratelimit.NewLimiter(rlCfg)

	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}
	srv := server.New(server.Config{
		Port:            port,
		Version:         cfg.Server.Version,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Server.MetricsPort > 0 {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsPort) })
	}
	if qb != nil && qb.consumer != nil {
		g.Go(func() error { return qb.consumer.Run(gctx, cfg.Server.ShutdownTimeout) })
		g.Go(func() error {
			return sweepLoop(gctx, uploads, time.Hour, cfg.Storage.SweepAge)
		})
	}
	return g.Wait()
}

// serveMetrics exposes /metrics on a dedicated port until ctx is done.
func serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", zap.Int("port", port))
		errCh <- metricsServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	}
}

