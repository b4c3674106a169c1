package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/financial-analyzer/internal/lifecycle"
)

// User is a registered API caller
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is one analysis request
type Job struct {
	ID               uuid.UUID        `json:"id"`
	UserID           *uuid.UUID       `json:"user_id,omitempty"`
	Status           lifecycle.Status `json:"status"`
	Query            string           `json:"query"`
	OriginalFilename *string          `json:"original_filename,omitempty"`
	TaskRef          *string          `json:"task_ref,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds  *float64         `json:"duration_seconds,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	RetryCount       int              `json:"retry_count"`
}

// state returns the fields the state machine reads
func (j *Job) state() lifecycle.State {
	return lifecycle.State{
		Status:     j.Status,
		StartedAt:  j.StartedAt,
		RetryCount: j.RetryCount,
	}
}

// OwnedBy reports whether the job belongs to userID
func (j *Job) OwnedBy(userID uuid.UUID) bool {
	return j.UserID != nil && *j.UserID == userID
}

// JobCreate is the input for CreateJob
type JobCreate struct {
	Query            string
	OriginalFilename *string
	UserID           *uuid.UUID
}

// Result is the output of a completed job
type Result struct {
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

// ResultCreate is the input for CreateResult
type ResultCreate struct {
	JobID              uuid.UUID
	VerificationOutput *string
	AnalysisOutput     *string
	InvestmentOutput   *string
	RiskOutput         *string
	MarketOutput       *string
	FullOutput         *string
	EntityName         *string
	DocumentType       *string
	ReportingPeriod    *string
}

// JobExport pairs a job with its result, if any, for reporting
type JobExport struct {
	Job    Job
	Result *Result
}
