package queue

import (
	"math"
	"time"
)

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max. Attempt is 1-indexed.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d <= 0) {
		return e.Max
	}
	return d
}

// Action is what the queue does with a finished execution.
type Action int

// Actions
const (
	ActionAck Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decision is the settled result of one execution.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// RetryPolicy decides between ack, delayed retry and dead-lettering.
type RetryPolicy struct {
	// MaxAttempts is the number of retries allowed after the first execution.
	MaxAttempts int
	// RateLimit is the backoff for Retryable outcomes.
	RateLimit Exponential
	// Failure is the backoff for Terminal outcomes that ask to be requeued.
	Failure Exponential
}

// DefaultRetryPolicy returns five retries with 60s and 30s doubling backoffs.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(5, 60*time.Second, 30*time.Second)
}

// NewRetryPolicy builds a policy from the configured bases. Delays are capped
// at one hour.
func NewRetryPolicy(maxAttempts int, rateLimitBase, failureBase time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		RateLimit:   Exponential{Initial: rateLimitBase, Max: time.Hour},
		Failure:     Exponential{Initial: failureBase, Max: time.Hour},
	}
}

// CanRetry reports whether a task that has already run attempt+1 times may
// be retried again.
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Decide settles an outcome for a task on the given attempt.
func (p RetryPolicy) Decide(out Outcome, attempt int) Decision {
	switch out.Kind {
	case Succeeded:
		return Decision{Action: ActionAck}
	case Retryable:
		if p.CanRetry(attempt) {
			return Decision{Action: ActionRetry, Delay: p.RateLimit.Delay(attempt + 1)}
		}
		return Decision{Action: ActionDeadLetter}
	default:
		if out.Requeue && p.CanRetry(attempt) {
			return Decision{Action: ActionRetry, Delay: p.Failure.Delay(attempt + 1)}
		}
		return Decision{Action: ActionDeadLetter}
	}
}
