package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/lifecycle"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/queue"
)

// memStore applies the real state machine to in-memory jobs.
type memStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*db.Job
	results    map[uuid.UUID]db.ResultCreate
	completeFn func() error
	// claimedAt records started_at as seen after each claim.
	claimedAt []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*db.Job),
		results: make(map[uuid.UUID]db.ResultCreate),
	}
}

func (s *memStore) add() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.jobs[id] = &db.Job{ID: id, Status: lifecycle.StatusPending, Query: "Analyze revenue", CreatedAt: time.Now()}
	return id
}

func (s *memStore) get(id uuid.UUID) db.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) apply(id uuid.UUID, in lifecycle.Input) (*db.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	upd, err := lifecycle.Apply(lifecycle.State{
		Status:     job.Status,
		StartedAt:  job.StartedAt,
		RetryCount: job.RetryCount,
	}, in)
	if err != nil {
		return nil, err
	}
	if upd.Noop {
		cp := *job
		return &cp, nil
	}
	job.Status = upd.Status
	if upd.TaskRef != nil {
		job.TaskRef = upd.TaskRef
	}
	job.StartedAt = upd.StartedAt
	job.CompletedAt = upd.CompletedAt
	job.DurationSeconds = upd.DurationSeconds
	if upd.ErrorMessage != nil {
		job.ErrorMessage = upd.ErrorMessage
	}
	job.RetryCount = upd.RetryCount
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkProcessing(_ context.Context, id uuid.UUID, taskRef string) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.apply(id, lifecycle.Input{Event: lifecycle.EventClaim, Now: time.Now(), TaskRef: taskRef})
	if job != nil && job.StartedAt != nil {
		s.claimedAt = append(s.claimedAt, *job.StartedAt)
	}
	return job, err
}

func (s *memStore) CompleteJob(ctx context.Context, id uuid.UUID, in db.ResultCreate) (*db.Job, *db.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeFn != nil {
		if err := s.completeFn(); err != nil {
			return nil, nil, err
		}
	}
	if _, ok := s.jobs[id]; !ok {
		return nil, nil, db.ErrJobNotFound
	}
	job, err := s.apply(id, lifecycle.Input{Event: lifecycle.EventSucceed, Now: time.Now()})
	if err != nil {
		return nil, nil, err
	}
	in.JobID = id
	s.results[id] = in
	return job, &db.Result{ID: uuid.New(), JobID: id}, nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*db.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(id, lifecycle.Input{Event: lifecycle.EventFail, Now: time.Now(), Message: message})
}

type countingFiles struct {
	mu      sync.Mutex
	removed map[string]int
}

func (f *countingFiles) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = make(map[string]int)
	}
	f.removed[path]++
	return nil
}

func (f *countingFiles) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[path]
}

// scriptedPipeline returns errs in order, then succeeds.
type scriptedPipeline struct {
	mu    sync.Mutex
	errs  []error
	calls int
	panic bool
}

func (p *scriptedPipeline) Run(_ context.Context, _, _ string, onProgress ProgressCallback) (*Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panic {
		panic("boom")
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	emitProgress(onProgress, "verify", "verification", "done", nil)
	entity := "Example Corp"
	out := &Output{
		Pages:        2,
		Verification: sampleVerification,
		Analysis:     "analysis",
		Investment:   "investment",
		Risk:         "risk",
		Market:       "market",
	}
	out.Metadata.EntityName = &entity
	out.Full = combine(out)
	return out, nil
}

func rateLimitErr() error {
	return &StageError{Stage: "analyze", Err: &llm.RateLimitError{Err: errors.New("429 quota exceeded")}}
}

type runnerFixture struct {
	store    *memStore
	files    *countingFiles
	pipeline *scriptedPipeline
	policy   queue.RetryPolicy
	runner   *Runner
}

func newRunnerFixture(errs ...error) *runnerFixture {
	f := &runnerFixture{
		store:    newMemStore(),
		files:    &countingFiles{},
		pipeline: &scriptedPipeline{errs: errs},
		policy:   queue.NewRetryPolicy(3, time.Minute, 30*time.Second),
	}
	f.runner = NewRunner(f.store, f.files, f.pipeline, f.policy, zap.NewNop())
	return f
}

// deliver runs the task the way a consumer would, redelivering until the
// policy acks or dead-letters it.
func (f *runnerFixture) deliver(task queue.Task) []queue.Outcome {
	var outcomes []queue.Outcome
	for {
		out := f.runner.Handle(context.Background(), task)
		outcomes = append(outcomes, out)
		if f.policy.Decide(out, task.Attempt).Action != queue.ActionRetry {
			return outcomes
		}
		task.Attempt++
	}
}

func newTask(jobID uuid.UUID) queue.Task {
	return queue.Task{
		Ref:      uuid.NewString(),
		JobID:    jobID,
		Query:    "Analyze revenue",
		FilePath: "data/upload_" + jobID.String() + ".pdf",
	}
}

func TestRunner_Success(t *testing.T) {
	f := newRunnerFixture()
	id := f.store.add()
	task := newTask(id)

	outcomes := f.deliver(task)
	require.Len(t, outcomes, 1)
	assert.Equal(t, queue.Succeeded, outcomes[0].Kind)

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusCompleted, job.Status)
	assert.Equal(t, task.Ref, *job.TaskRef)
	require.NotNil(t, job.DurationSeconds)
	assert.GreaterOrEqual(t, *job.DurationSeconds, 0.0)

	result, ok := f.store.results[id]
	require.True(t, ok, "exactly one result stored")
	assert.Equal(t, "risk", *result.RiskOutput)
	assert.Equal(t, "Example Corp", *result.EntityName)
	assert.Contains(t, *result.FullOutput, "## Financial Analysis")

	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_RateLimitThenSuccess(t *testing.T) {
	f := newRunnerFixture(rateLimitErr(), rateLimitErr())
	id := f.store.add()
	task := newTask(id)

	outcomes := f.deliver(task)
	require.Len(t, outcomes, 3)
	assert.Equal(t, queue.Retryable, outcomes[0].Kind)
	assert.Equal(t, queue.Retryable, outcomes[1].Kind)
	assert.Equal(t, queue.Succeeded, outcomes[2].Kind)

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusCompleted, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 1, f.files.count(task.FilePath))

	require.Len(t, f.store.claimedAt, 3)
	for _, started := range f.store.claimedAt {
		assert.Equal(t, f.store.claimedAt[0], started, "started_at moved on redelivery")
	}
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, f.store.claimedAt[0], *job.StartedAt)
}

func TestRunner_RateLimitKeepsFileUntilDone(t *testing.T) {
	f := newRunnerFixture(rateLimitErr())
	id := f.store.add()
	task := newTask(id)

	out := f.runner.Handle(context.Background(), task)
	assert.Equal(t, queue.Retryable, out.Kind)
	assert.Equal(t, lifecycle.StatusProcessing, f.store.get(id).Status)
	assert.Zero(t, f.files.count(task.FilePath))
}

func TestRunner_FailureExhaustsRetries(t *testing.T) {
	f := newRunnerFixture(errors.New("model returned malformed output"))
	id := f.store.add()
	task := newTask(id)

	outcomes := f.deliver(task)
	require.Len(t, outcomes, f.policy.MaxAttempts+1)
	for _, out := range outcomes {
		assert.Equal(t, queue.Terminal, out.Kind)
		assert.True(t, out.Requeue)
	}
	assert.Equal(t, 1, f.pipeline.calls, "redeliveries of a failed job do not rerun the pipeline")

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "model returned malformed output", *job.ErrorMessage)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_RateLimitExhausted(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = rateLimitErr()
	}
	f := newRunnerFixture(errs...)
	id := f.store.add()
	task := newTask(id)

	outcomes := f.deliver(task)
	require.Len(t, outcomes, f.policy.MaxAttempts+1)
	last := outcomes[len(outcomes)-1]
	assert.Equal(t, queue.Terminal, last.Kind)
	assert.False(t, last.Requeue)
	assert.True(t, llm.IsRateLimit(last.Reason))

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "429")
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_AlreadyCompleted(t *testing.T) {
	f := newRunnerFixture()
	id := f.store.add()
	task := newTask(id)

	require.Equal(t, queue.Succeeded, f.runner.Handle(context.Background(), task).Kind)
	before := f.store.get(id)

	outcomes := f.deliver(task)
	require.Len(t, outcomes, 1, "a completed job is acked, not redelivered")
	assert.Equal(t, queue.Succeeded, outcomes[0].Kind)

	assert.Equal(t, before, f.store.get(id))
	assert.Equal(t, 1, f.pipeline.calls)
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_AlreadyFailed(t *testing.T) {
	f := newRunnerFixture(errors.New("model returned malformed output"))
	id := f.store.add()
	task := newTask(id)

	require.Equal(t, queue.Terminal, f.runner.Handle(context.Background(), task).Kind)
	before := f.store.get(id)

	out := f.runner.Handle(context.Background(), task)
	assert.Equal(t, queue.Terminal, out.Kind)
	assert.True(t, out.Requeue)
	assert.ErrorIs(t, out.Reason, lifecycle.ErrInvalidTransition)

	var terr *lifecycle.TransitionError
	require.ErrorAs(t, out.Reason, &terr)
	assert.Equal(t, lifecycle.StatusFailed, terr.From)

	assert.Equal(t, before, f.store.get(id))
	assert.Equal(t, 1, f.pipeline.calls)
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_MissingJob(t *testing.T) {
	f := newRunnerFixture()
	task := newTask(uuid.New())

	out := f.runner.Handle(context.Background(), task)
	assert.Equal(t, queue.Terminal, out.Kind)
	assert.False(t, out.Requeue)
	assert.ErrorIs(t, out.Reason, db.ErrJobNotFound)
	assert.Zero(t, f.pipeline.calls)
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_StoreResultFails(t *testing.T) {
	f := newRunnerFixture()
	f.store.completeFn = func() error { return errors.New("connection reset") }
	id := f.store.add()
	task := newTask(id)

	out := f.runner.Handle(context.Background(), task)
	assert.Equal(t, queue.Terminal, out.Kind)
	assert.True(t, out.Requeue)

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "failed to store result")
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_PipelinePanic(t *testing.T) {
	f := newRunnerFixture()
	f.pipeline.panic = true
	id := f.store.add()
	task := newTask(id)

	out := f.runner.Handle(context.Background(), task)
	assert.Equal(t, queue.Terminal, out.Kind)

	job := f.store.get(id)
	assert.Equal(t, lifecycle.StatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "pipeline panic")
	assert.Equal(t, 1, f.files.count(task.FilePath))
}

func TestRunner_CancelledContextStillRecordsFailure(t *testing.T) {
	f := newRunnerFixture(context.Canceled)
	id := f.store.add()
	task := newTask(id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.runner.Handle(ctx, task)
	assert.Equal(t, queue.Terminal, out.Kind)
	assert.Equal(t, lifecycle.StatusFailed, f.store.get(id).Status)
	assert.Equal(t, 1, f.files.count(task.FilePath))
}
