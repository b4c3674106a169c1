package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/lifecycle"
	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/queue"
	"github.com/jonathan/financial-analyzer/internal/server/middleware"
	"github.com/jonathan/financial-analyzer/internal/storage"
	"github.com/jonathan/financial-analyzer/internal/types"
)

const (
	defaultMaxUploadBytes = 50 << 20
	defaultListLimit      = 20
	healthCheckTimeout    = 2 * time.Second
)

var allowedUploadTypes = map[string]bool{
	"application/pdf":          true,
	"application/octet-stream": true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := types.Health{
		Status:   "ok",
		Version:  s.cfg.Version,
		Database: "connected",
		Queue:    "connected",
	}
	if s.store == nil || s.store.Ping(ctx) != nil {
		resp.Database = "disconnected"
		resp.Status = "degraded"
	}
	switch {
	case s.queue == nil:
		resp.Queue = "disconnected"
		resp.Status = "degraded"
	case s.queueCheck != nil && s.queueCheck.Ping(ctx) != nil:
		resp.Queue = "disconnected"
		resp.Status = "degraded"
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req types.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &ErrValidation{Message: "Invalid JSON body"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		s.writeError(w, validationError(err))
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, req.Name)
	if errors.Is(err, db.ErrEmailTaken) {
		s.writeError(w, &ErrEmailAlreadyExists{Email: req.Email})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("user created", zap.String("user_id", user.ID.String()))
	s.jsonResponse(w, http.StatusCreated, types.UserCreated{
		User:   types.UserFromDB(user),
		APIKey: user.APIKey,
	})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r)
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user == nil {
		s.writeError(w, &ErrNotFound{Resource: "User"})
		return
	}
	s.jsonResponse(w, http.StatusOK, types.UserFromDB(user))
}

// handleAnalyze accepts a PDF upload and schedules its analysis. The upload
// is saved before the job row exists so a worker never sees a job without
// its file.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, &ErrValidation{Field: "file", Message: "file is too large"})
			return
		}
		s.writeError(w, &ErrValidation{Message: "Invalid multipart form"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, &ErrValidation{Field: "file", Message: "file is required"})
		return
	}
	defer func() { _ = file.Close() }()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		s.writeError(w, &ErrValidation{Field: "file", Message: "Only PDF files are supported"})
		return
	}
	if !isAllowedUploadType(header.Header.Get("Content-Type")) {
		s.writeError(w, &ErrValidation{Field: "file", Message: "Only PDF files are supported"})
		return
	}
	if header.Size == 0 {
		s.writeError(w, &ErrValidation{Field: "file", Message: "Uploaded file is empty"})
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		s.writeError(w, &ErrValidation{Field: "file", Message: "file is too large"})
		return
	}

	req := types.AnalyzeRequest{Query: strings.TrimSpace(r.FormValue("query"))}
	if req.Query == "" {
		req.Query = types.DefaultQuery
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, validationError(err))
		return
	}

	var userID *uuid.UUID
	if id, err := middleware.GetUserID(r); err == nil {
		userID = &id
	}

	ctx := r.Context()
	path, size, err := s.uploads.Save(ctx, storage.NewUploadName(header.Filename), file)
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to save upload: %w", err))
		return
	}
	logger := s.logger.With(zap.String("path", path), zap.Int64("bytes", size))

	filename := filepath.Base(header.Filename)
	job, err := s.store.CreateJob(ctx, db.JobCreate{
		Query:            req.Query,
		OriginalFilename: &filename,
		UserID:           userID,
	})
	if err != nil {
		s.discardUpload(ctx, path, logger)
		s.writeError(w, err)
		return
	}
	logger = logger.With(zap.String("job_id", job.ID.String()))

	ref, err := s.queue.Enqueue(ctx, queue.Task{
		JobID:    job.ID,
		Query:    req.Query,
		FilePath: path,
	})
	if err != nil {
		// The pending row stays behind; only the upload is reclaimed.
		s.discardUpload(ctx, path, logger)
		s.writeError(w, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err))
		return
	}

	observability.IncJobsSubmitted()
	logger.Info("analysis queued", zap.String("task_ref", ref))
	s.jsonResponse(w, http.StatusAccepted, types.AnalyzeAccepted{
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: "Analysis queued. Poll the job URL for progress.",
		PollURL: fmt.Sprintf("/jobs/%s", job.ID),
	})
}

func (s *Server) discardUpload(ctx context.Context, path string, logger *zap.Logger) {
	if err := s.uploads.Remove(context.WithoutCancel(ctx), path); err != nil {
		logger.Warn("failed to remove upload", zap.Error(err))
	}
}

func isAllowedUploadType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedUploadTypes[strings.ToLower(mediaType)]
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var jobs []db.Job
	if userID, uerr := middleware.GetUserID(r); uerr == nil {
		jobs, err = s.store.ListJobsForUser(r.Context(), userID, q.Limit, q.Offset)
	} else {
		jobs, err = s.store.ListRecentJobs(r.Context(), q.Limit, q.Offset)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, types.JobList{
		Jobs:   types.JobsFromDB(jobs),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

func parseListQuery(r *http.Request) (types.ListJobsQuery, error) {
	q := types.ListJobsQuery{Limit: defaultListLimit}
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return q, &ErrValidation{Field: "limit", Message: "must be an integer"}
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil {
			return q, &ErrValidation{Field: "offset", Message: "must be an integer"}
		}
	}
	if err := q.Validate(); err != nil {
		return q, validationError(err)
	}
	return q, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, types.JobFromDB(job))
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case lifecycle.StatusPending, lifecycle.StatusProcessing:
		s.jsonResponse(w, http.StatusAccepted, types.JobPending{
			JobID:   job.ID,
			Status:  string(job.Status),
			Message: "Analysis is still in progress",
		})
		return
	case lifecycle.StatusFailed:
		msg := "unknown error"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		s.errorResponse(w, http.StatusInternalServerError, "Job failed: "+msg)
		return
	}

	result, err := s.store.GetResultForJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result == nil {
		s.writeError(w, &ErrNotFound{Resource: "Result"})
		return
	}
	s.jsonResponse(w, http.StatusOK, types.ResultFromDB(result))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r)
	if !job.OwnedBy(userID) {
		s.writeError(w, &ErrForbidden{Action: "delete this job"})
		return
	}

	err := s.store.DeleteJob(r.Context(), job.ID)
	switch {
	case errors.Is(err, db.ErrJobNotFound):
		s.writeError(w, &ErrNotFound{Resource: "Job"})
		return
	case errors.Is(err, db.ErrJobProcessing):
		s.writeError(w, &ErrConflict{Message: "Cannot delete a job that is processing"})
		return
	case err != nil:
		s.writeError(w, err)
		return
	}

	s.logger.Info("job deleted", zap.String("job_id", job.ID.String()))
	w.WriteHeader(http.StatusNoContent)
}

// loadJob resolves the {id} URL parameter and writes the error response when
// it is malformed or unknown.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, &ErrValidation{Field: "id", Message: "must be a UUID"})
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if job == nil {
		s.writeError(w, &ErrNotFound{Resource: "Job"})
		return nil, false
	}
	return job, true
}

