package queue

import (
	"context"
	"fmt"
	"time"
)

// Limits bounds a single execution. The soft limit cancels the handler's
// context; the hard limit stops waiting for it altogether.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// DefaultLimits returns a 15 minute soft and 16 minute hard limit.
func DefaultLimits() Limits {
	return Limits{Soft: 900 * time.Second, Hard: 960 * time.Second}
}

// runWithLimits runs fn and returns its outcome. A panic in fn becomes a
// terminal outcome. If fn has not returned by the hard limit the goroutine is
// abandoned and ErrHardTimeLimit is reported.
func runWithLimits(parent context.Context, limits Limits, fn func(ctx context.Context) Outcome) Outcome {
	var ctx context.Context
	var cancel context.CancelFunc
	if limits.Soft > 0 {
		ctx, cancel = context.WithTimeout(parent, limits.Soft)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(fmt.Errorf("handler panic: %v", r), false)
			}
		}()
		done <- fn(ctx)
	}()

	var hard <-chan time.Time
	if limits.Hard > 0 {
		timer := time.NewTimer(limits.Hard)
		defer timer.Stop()
		hard = timer.C
	}

	select {
	case out := <-done:
		return out
	case <-hard:
		return Fail(ErrHardTimeLimit, false)
	}
}
