// Package types provides the request and response bodies of the HTTP API and
// the explicit mapping from store records onto them.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/financial-analyzer/internal/db"
)

// DefaultQuery is used when an analysis is submitted without a question.
const DefaultQuery = "Analyze this financial document for investment insights"

var validate = validator.New()

// CreateUserRequest is the body of POST /users.
type CreateUserRequest struct {
	Email string  `json:"email" validate:"required,email,max=255"`
	Name  *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
}

// Validate validates the CreateUserRequest using the validator.
func (r *CreateUserRequest) Validate() error {
	return validate.Struct(r)
}

// AnalyzeRequest holds the form fields of POST /analyze.
type AnalyzeRequest struct {
	Query string `validate:"max=2000"`
}

// Validate validates the AnalyzeRequest using the validator.
func (r *AnalyzeRequest) Validate() error {
	return validate.Struct(r)
}

// ListJobsQuery holds the query parameters of GET /jobs.
type ListJobsQuery struct {
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`
}

// Validate validates the ListJobsQuery using the validator.
func (q *ListJobsQuery) Validate() error {
	return validate.Struct(q)
}

// User is a user profile as returned by the API. The API key is only
// returned once, at creation.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserCreated is the response of POST /users.
type UserCreated struct {
	User
	APIKey string `json:"api_key"`
}

// JobStatus is the response of GET /jobs/{id} and an element of GET /jobs.
type JobStatus struct {
	JobID            uuid.UUID  `json:"job_id"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`
	Status           string     `json:"status"`
	Query            string     `json:"query"`
	OriginalFilename *string    `json:"original_filename,omitempty"`
	TaskRef          *string    `json:"task_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	RetryCount       int        `json:"retry_count"`
}

// JobList is the response of GET /jobs.
type JobList struct {
	Jobs   []JobStatus `json:"jobs"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// AnalysisResult is the response of GET /jobs/{id}/result.
type AnalysisResult struct {
	ID                 uuid.UUID `json:"id"`
	JobID              uuid.UUID `json:"job_id"`
	VerificationOutput *string   `json:"verification_output,omitempty"`
	AnalysisOutput     *string   `json:"analysis_output,omitempty"`
	InvestmentOutput   *string   `json:"investment_output,omitempty"`
	RiskOutput         *string   `json:"risk_output,omitempty"`
	MarketOutput       *string   `json:"market_output,omitempty"`
	FullOutput         *string   `json:"full_output,omitempty"`
	EntityName         *string   `json:"entity_name,omitempty"`
	DocumentType       *string   `json:"document_type,omitempty"`
	ReportingPeriod    *string   `json:"reporting_period,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// AnalyzeAccepted is the response of POST /analyze.
type AnalyzeAccepted struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	PollURL string    `json:"poll_url"`
}

// JobPending is the 202 body of the result endpoint while a job runs.
type JobPending struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// Health is the response of GET / and GET /health.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Queue    string `json:"queue"`
}

// UserFromDB maps a stored user onto the API shape.
func UserFromDB(u *db.User) User {
	return User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}

// JobFromDB maps a stored job onto the API shape. The store's ID becomes
// job_id.
func JobFromDB(j *db.Job) JobStatus {
	return JobStatus{
		JobID:            j.ID,
		UserID:           j.UserID,
		Status:           string(j.Status),
		Query:            j.Query,
		OriginalFilename: j.OriginalFilename,
		TaskRef:          j.TaskRef,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		DurationSeconds:  j.DurationSeconds,
		ErrorMessage:     j.ErrorMessage,
		RetryCount:       j.RetryCount,
	}
}

// JobsFromDB maps a slice of jobs, never returning nil.
func JobsFromDB(jobs []db.Job) []JobStatus {
	out := make([]JobStatus, 0, len(jobs))
	for i := range jobs {
		out = append(out, JobFromDB(&jobs[i]))
	}
	return out
}

// ResultFromDB maps a stored result onto the API shape.
func ResultFromDB(r *db.Result) AnalysisResult {
	return AnalysisResult{
		ID:                 r.ID,
		JobID:              r.JobID,
		VerificationOutput: r.VerificationOutput,
		AnalysisOutput:     r.AnalysisOutput,
		InvestmentOutput:   r.InvestmentOutput,
		RiskOutput:         r.RiskOutput,
		MarketOutput:       r.MarketOutput,
		FullOutput:         r.FullOutput,
		EntityName:         r.EntityName,
		DocumentType:       r.DocumentType,
		ReportingPeriod:    r.ReportingPeriod,
		CreatedAt:          r.CreatedAt,
	}
}
