package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from     Status
		event    Event
		want     Status
		wantNoop bool
		wantErr  bool
	}{
		{StatusPending, EventClaim, StatusProcessing, false, false},
		{StatusPending, EventSucceed, StatusPending, false, true},
		{StatusPending, EventFail, StatusPending, false, true},
		{StatusProcessing, EventClaim, StatusProcessing, false, false},
		{StatusProcessing, EventSucceed, StatusCompleted, false, false},
		{StatusProcessing, EventFail, StatusFailed, false, false},
		{StatusCompleted, EventSucceed, StatusCompleted, true, false},
		{StatusCompleted, EventClaim, StatusCompleted, false, true},
		{StatusCompleted, EventFail, StatusCompleted, false, true},
		{StatusFailed, EventFail, StatusFailed, true, false},
		{StatusFailed, EventClaim, StatusFailed, false, true},
		{StatusFailed, EventSucceed, StatusFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			to, noop, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, to)
			assert.Equal(t, tt.wantNoop, noop)
		})
	}
}

func TestTransition_NeverLeavesTerminal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		for _, ev := range []Event{EventClaim, EventSucceed, EventFail} {
			to, _, err := Transition(from, ev)
			if err == nil {
				assert.Equal(t, from, to, "%s on %s must not change status", ev, from)
			}
		}
	}
}

func TestTransition_NeverReturnsToPending(t *testing.T) {
	for from := range transitions {
		for ev, e := range transitions[from] {
			if from != StatusPending {
				assert.NotEqual(t, StatusPending, e.to, "%s on %s", ev, from)
			}
		}
	}
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("queued").Valid())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestApply_Claim(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	upd, err := Apply(State{Status: StatusPending}, Input{Event: EventClaim, Now: now, TaskRef: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, upd.Status)
	require.NotNil(t, upd.StartedAt)
	assert.Equal(t, now, *upd.StartedAt)
	require.NotNil(t, upd.TaskRef)
	assert.Equal(t, "task-1", *upd.TaskRef)
	assert.Nil(t, upd.CompletedAt)
	assert.Nil(t, upd.DurationSeconds)
}

func TestApply_ReclaimKeepsStartedAt(t *testing.T) {
	claimed := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

	first, err := Apply(State{Status: StatusPending}, Input{Event: EventClaim, Now: claimed, TaskRef: "task-1"})
	require.NoError(t, err)

	again, err := Apply(State{Status: first.Status, StartedAt: first.StartedAt},
		Input{Event: EventClaim, Now: claimed.Add(2 * time.Minute), TaskRef: "task-2"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)
	require.NotNil(t, again.StartedAt)
	assert.Equal(t, claimed, *again.StartedAt)
	require.NotNil(t, again.TaskRef)
	assert.Equal(t, "task-2", *again.TaskRef)

	done, err := Apply(State{Status: again.Status, StartedAt: again.StartedAt},
		Input{Event: EventSucceed, Now: claimed.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, done.DurationSeconds)
	assert.InDelta(t, 180.0, *done.DurationSeconds, 1e-9)
}

func TestApply_SucceedComputesDuration(t *testing.T) {
	started := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)

	upd, err := Apply(State{Status: StatusProcessing, StartedAt: &started}, Input{Event: EventSucceed, Now: now})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, upd.Status)
	require.NotNil(t, upd.CompletedAt)
	require.NotNil(t, upd.DurationSeconds)
	assert.InDelta(t, 90.0, *upd.DurationSeconds, 1e-9)
	assert.Equal(t, 0, upd.RetryCount)
}

func TestApply_FailStoresMessageAndIncrementsRetryCount(t *testing.T) {
	started := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	upd, err := Apply(
		State{Status: StatusProcessing, StartedAt: &started, RetryCount: 2},
		Input{Event: EventFail, Now: started.Add(time.Minute), Message: "boom"},
	)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, upd.Status)
	require.NotNil(t, upd.ErrorMessage)
	assert.Equal(t, "boom", *upd.ErrorMessage)
	assert.Equal(t, 3, upd.RetryCount)
	require.NotNil(t, upd.DurationSeconds)
	assert.InDelta(t, 60.0, *upd.DurationSeconds, 1e-9)
}

func TestApply_FailWithoutStartSkipsDuration(t *testing.T) {
	upd, err := Apply(State{Status: StatusProcessing}, Input{Event: EventFail, Now: time.Now(), Message: "x"})
	require.NoError(t, err)

	assert.NotNil(t, upd.CompletedAt)
	assert.Nil(t, upd.DurationSeconds)
}

func TestApply_DuplicateTerminalIsNoop(t *testing.T) {
	started := time.Date(2025, 7, 1, 12, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))

	upd, err := Apply(State{Status: StatusFailed, StartedAt: &started, RetryCount: 1}, Input{Event: EventFail, Now: time.Now(), Message: "again"})
	require.NoError(t, err)

	assert.True(t, upd.Noop)
	assert.Equal(t, StatusFailed, upd.Status)
	assert.Equal(t, 1, upd.RetryCount)
	assert.Nil(t, upd.ErrorMessage)
	require.NotNil(t, upd.StartedAt)
	assert.Equal(t, time.UTC, upd.StartedAt.Location())
}

func TestApply_ClaimOnTerminalIsRejected(t *testing.T) {
	_, err := Apply(State{Status: StatusCompleted}, Input{Event: EventClaim, Now: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDuration_MixedZones(t *testing.T) {
	// The same instant expressed in two zones must yield the wall-clock
	// difference, not the zone offset.
	startedUTC := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	startedLocal := startedUTC.In(time.FixedZone("EST", -5*3600))
	completed := startedUTC.Add(42 * time.Second).In(time.FixedZone("CET", 3600))

	d1 := Duration(&startedUTC, completed)
	d2 := Duration(&startedLocal, completed)

	require.NotNil(t, d1)
	require.NotNil(t, d2)
	assert.InDelta(t, 42.0, *d1, 1e-9)
	assert.InDelta(t, *d1, *d2, 1e-9)
}

func TestDuration_NilAndNegative(t *testing.T) {
	assert.Nil(t, Duration(nil, time.Now()))

	zero := time.Time{}
	assert.Nil(t, Duration(&zero, time.Now()))

	started := time.Now()
	d := Duration(&started, started.Add(-5*time.Second))
	require.NotNil(t, d)
	assert.Equal(t, 0.0, *d)
}
