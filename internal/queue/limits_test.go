package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithLimits_ReturnsOutcome(t *testing.T) {
	out := runWithLimits(context.Background(), Limits{Soft: time.Second, Hard: 2 * time.Second}, func(context.Context) Outcome {
		return Success()
	})
	assert.Equal(t, Succeeded, out.Kind)
}

func TestRunWithLimits_SoftLimitCancelsContext(t *testing.T) {
	limits := Limits{Soft: 20 * time.Millisecond, Hard: 2 * time.Second}

	out := runWithLimits(context.Background(), limits, func(ctx context.Context) Outcome {
		<-ctx.Done()
		return Fail(ctx.Err(), false)
	})

	require.Equal(t, Terminal, out.Kind)
	assert.ErrorIs(t, out.Reason, context.DeadlineExceeded)
}

func TestRunWithLimits_HardLimitAbandons(t *testing.T) {
	limits := Limits{Soft: 10 * time.Millisecond, Hard: 40 * time.Millisecond}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out := runWithLimits(context.Background(), limits, func(context.Context) Outcome {
		<-release
		return Success()
	})

	assert.Less(t, time.Since(start), time.Second)
	require.Equal(t, Terminal, out.Kind)
	assert.False(t, out.Requeue)
	assert.True(t, errors.Is(out.Reason, ErrHardTimeLimit))
}

func TestRunWithLimits_RecoversPanic(t *testing.T) {
	out := runWithLimits(context.Background(), DefaultLimits(), func(context.Context) Outcome {
		panic("kaboom")
	})

	require.Equal(t, Terminal, out.Kind)
	assert.False(t, out.Requeue)
	assert.Contains(t, out.Reason.Error(), "kaboom")
}
