// Package queue moves analysis tasks from the API to background workers.
//
// Two backends implement the same contract: a Redis broker consumed by the
// in-process Pool, and River on the application's PostgreSQL database. Both
// run handlers under soft and hard time limits and settle each execution
// through the same RetryPolicy.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is the queue analysis tasks are placed on.
const DefaultQueue = "analysis"

// ErrHardTimeLimit is the outcome reason when a handler overruns the hard
// time limit and is abandoned.
var ErrHardTimeLimit = errors.New("task exceeded hard time limit")

// Task is one unit of work keyed by job id.
type Task struct {
	Ref      string    `json:"ref"`
	JobID    uuid.UUID `json:"job_id"`
	Query    string    `json:"query"`
	FilePath string    `json:"file_path"`
	// Attempt counts previous executions of this task (0 on first delivery).
	Attempt int `json:"attempt"`
}

// Enqueuer places tasks on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) (string, error)
}

// Handler executes a task and reports how it went.
type Handler interface {
	Handle(ctx context.Context, task Task) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) Outcome

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task Task) Outcome {
	return f(ctx, task)
}

// OutcomeKind tags an Outcome.
type OutcomeKind int

// Outcome kinds
const (
	// Succeeded means the task is done.
	Succeeded OutcomeKind = iota
	// Retryable means a transient failure; the task should run again later
	// and the job has not been marked failed.
	Retryable
	// Terminal means the job has reached its final state (or cannot).
	Terminal
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Outcome is the explicit result of a handler execution.
type Outcome struct {
	Kind   OutcomeKind
	Reason error
	// Requeue asks for a queue-level retry of a terminal outcome, covering
	// transient infrastructure trouble. It never changes the job's state.
	Requeue bool
}

// Success returns a Succeeded outcome.
func Success() Outcome {
	return Outcome{Kind: Succeeded}
}

// Retry returns a Retryable outcome.
func Retry(reason error) Outcome {
	return Outcome{Kind: Retryable, Reason: reason}
}

// Fail returns a Terminal outcome.
func Fail(reason error, requeue bool) Outcome {
	return Outcome{Kind: Terminal, Reason: reason, Requeue: requeue}
}

// reasonText returns the outcome's error text, or "" when there is none.
func (o Outcome) reasonText() string {
	if o.Reason == nil {
		return ""
	}
	return o.Reason.Error()
}

// Consumer runs tasks until its context is cancelled.
type Consumer interface {
	Run(ctx context.Context, shutdownTimeout time.Duration) error
}
