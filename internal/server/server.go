// Package server provides the HTTP REST API for submitting financial reports
// and polling their analysis.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/queue"
	"github.com/jonathan/financial-analyzer/internal/server/middleware"
	"github.com/jonathan/financial-analyzer/internal/server/ratelimit"
	"github.com/jonathan/financial-analyzer/internal/storage"
)

// Store is the part of the job store the API uses.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, email string, name *string) (*db.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*db.User, error)
	CreateJob(ctx context.Context, in db.JobCreate) (*db.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListJobsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]db.Job, error)
	ListRecentJobs(ctx context.Context, limit, offset int) ([]db.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	GetResultForJob(ctx context.Context, jobID uuid.UUID) (*db.Result, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	Port            int
	Version         string
	CORSOrigins     []string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

// Deps are the collaborators the server is built from. Store may be nil when
// the database could not be reached at startup; the server then runs
// degraded and answers 503 on every endpoint that needs it.
type Deps struct {
	Store      Store
	Queue      queue.Enqueuer
	QueueCheck Pinger
	Uploads    storage.Store
	Limiter    *ratelimit.Limiter
	Logger     *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	cfg        Config
	store      Store
	queue      queue.Enqueuer
	queueCheck Pinger
	uploads    storage.Store
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	router     chi.Router
}

// New creates a new server instance
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		queue:      deps.Queue,
		queueCheck: deps.QueueCheck,
		uploads:    deps.Uploads,
		limiter:    deps.Limiter,
		logger:     deps.Logger.Named("server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()

	router.Use(
		chiMiddleware.RequestID,
		chiMiddleware.RealIP,
		observability.RequestLogger(s.logger),
		observability.RequestMetrics,
		chiMiddleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", middleware.APIKeyHeader},
			MaxAge:         300,
		}),
	)
	if s.limiter != nil {
		router.Use(s.limiter.Middleware(s.logger))
	}

	router.Get("/", s.handleHealth)
	router.Get("/health", s.handleHealth)
	router.Handle("/metrics", observability.MetricsHandler())

	router.Group(func(r chi.Router) {
		r.Use(s.requireStore, middleware.APIKeyAuth(keyResolver{s}, s.logger))

		r.Post("/users", s.handleCreateUser)
		r.With(middleware.RequireUser).Get("/users/me", s.handleGetMe)

		r.Post("/analyze", s.handleAnalyze)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.With(middleware.RequireUser).Delete("/jobs/{id}", s.handleDeleteJob)
	})

	return router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // uploads
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info("server stopped")
	return nil
}

// requireStore answers 503 while the database is not connected.
func (s *Server) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			s.writeError(w, &ErrUnavailable{Service: "Database"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyResolver adapts the store to middleware.KeyResolver.
type keyResolver struct{ s *Server }

func (k keyResolver) ResolveAPIKey(ctx context.Context, apiKey string) (uuid.UUID, bool, error) {
	user, err := k.s.store.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		return uuid.Nil, false, err
	}
	if user == nil {
		return uuid.Nil, false, nil
	}
	return user.ID, true, nil
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status. Internal errors are logged and their
// detail is not returned.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, status, "Internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}
