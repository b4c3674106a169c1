// Package lifecycle implements the analysis job state machine: which status
// transitions are legal and which fields each transition stamps.
//
// The package is pure. Stores load the current state, call Apply and persist
// exactly the returned Update inside one transaction.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Status is the persisted state of a job.
type Status string

// Job statuses
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further work will happen for a job in s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event drives a transition.
type Event string

// Events
const (
	// EventClaim is raised when a worker picks up the job's task.
	EventClaim Event = "claim"
	// EventSucceed is raised when the pipeline produced a result.
	EventSucceed Event = "succeed"
	// EventFail is raised on a terminal pipeline failure.
	EventFail Event = "fail"
)

// ErrInvalidTransition is returned for any event that has no edge from the
// current status.
var ErrInvalidTransition = errors.New("invalid job status transition")

// TransitionError reports the rejected event and the status it was raised
// against. It matches ErrInvalidTransition.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s on %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type edge struct {
	to   Status
	noop bool
}

var transitions = map[Status]map[Event]edge{
	StatusPending: {
		EventClaim: {to: StatusProcessing},
	},
	StatusProcessing: {
		// Redelivery of a task whose previous attempt died mid-run.
		EventClaim:   {to: StatusProcessing},
		EventSucceed: {to: StatusCompleted},
		EventFail:    {to: StatusFailed},
	},
	StatusCompleted: {
		EventSucceed: {to: StatusCompleted, noop: true},
	},
	StatusFailed: {
		EventFail: {to: StatusFailed, noop: true},
	},
}

// Transition returns the status reached from `from` on ev. noop is true for
// duplicate terminal events, which must leave the stored job untouched.
func Transition(from Status, ev Event) (to Status, noop bool, err error) {
	e, ok := transitions[from][ev]
	if !ok {
		return from, false, &TransitionError{From: from, Event: ev}
	}
	return e.to, e.noop, nil
}

// State is the subset of a job that transitions read.
type State struct {
	Status     Status
	StartedAt  *time.Time
	RetryCount int
}

// Update is the full set of fields a transition writes.
type Update struct {
	Status          Status
	TaskRef         *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ErrorMessage    *string
	RetryCount      int
	// Noop is true when nothing should be written.
	Noop bool
}

// Input carries the event payload.
type Input struct {
	Event   Event
	Now     time.Time
	TaskRef string
	Message string
}

// Apply computes the update for in against the current state.
func Apply(cur State, in Input) (Update, error) {
	to, noop, err := Transition(cur.Status, in.Event)
	if err != nil {
		return Update{}, err
	}

	upd := Update{
		Status:     to,
		StartedAt:  normalize(cur.StartedAt),
		RetryCount: cur.RetryCount,
		Noop:       noop,
	}
	if noop {
		return upd, nil
	}

	now := in.Now.UTC()
	switch in.Event {
	case EventClaim:
		ref := in.TaskRef
		upd.TaskRef = &ref
		// started_at is stamped once; a re-claim only moves the task ref.
		if upd.StartedAt == nil || upd.StartedAt.IsZero() {
			upd.StartedAt = &now
		}
	case EventSucceed:
		upd.CompletedAt = &now
		upd.DurationSeconds = Duration(cur.StartedAt, now)
	case EventFail:
		msg := in.Message
		upd.CompletedAt = &now
		upd.DurationSeconds = Duration(cur.StartedAt, now)
		upd.ErrorMessage = &msg
		upd.RetryCount = cur.RetryCount + 1
	}
	return upd, nil
}

// Duration returns completed-started in seconds, or nil when the job never
// started. Both instants are converted to UTC first and the result is never
// negative.
func Duration(started *time.Time, completed time.Time) *float64 {
	if started == nil || started.IsZero() {
		return nil
	}
	d := completed.UTC().Sub(started.UTC()).Seconds()
	if d < 0 {
		d = 0
	}
	return &d
}

func normalize(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
