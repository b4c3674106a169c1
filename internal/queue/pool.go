package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/observability"
)

// Pool manages a set of worker goroutines that poll a Broker and run each
// task through a Handler. Each worker holds at most one task at a time.
type Pool struct {
	broker       Broker
	handler      Handler
	policy       RetryPolicy
	limits       Limits
	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration
	logger       *zap.Logger

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithReapInterval sets how often expired in-flight tasks are requeued.
// Zero disables reaping.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) PoolOption {
	return func(p *Pool) { p.policy = policy }
}

// WithLimits overrides DefaultLimits.
func WithLimits(limits Limits) PoolOption {
	return func(p *Pool) { p.limits = limits }
}

// NewPool creates a worker pool.
func NewPool(broker Broker, handler Handler, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:       broker,
		handler:      handler,
		policy:       DefaultRetryPolicy(),
		limits:       DefaultLimits(),
		concurrency:  2,
		pollInterval: time.Second,
		reapInterval: time.Minute,
		logger:       logger.Named("pool"),
		stopCh:       make(chan struct{}),
		activeTasks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Duration("soft_limit", p.limits.Soft),
		zap.Duration("hard_limit", p.limits.Hard),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.reapInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If ctx expires first, active tasks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}
	return nil
}

// Run starts the pool, blocks until ctx is cancelled and then stops it,
// allowing in-flight tasks up to shutdownTimeout to finish.
func (p *Pool) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.Stop(stopCtx)
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		task, err := p.broker.Dequeue(context.Background())
		if err != nil {
			p.logger.Error("dequeue error", zap.Error(err))
			p.sleep()
			continue
		}
		if task == nil {
			p.sleep()
			continue
		}

		p.process(*task)
	}
}

// process executes one task and settles it with the broker.
func (p *Pool) process(task Task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackTask(task.Ref, cancel)
	defer func() {
		p.untrackTask(task.Ref)
		cancel()
	}()

	logger := p.logger.With(
		zap.String("task_ref", task.Ref),
		zap.String("job_id", task.JobID.String()),
		zap.Int("attempt", task.Attempt),
	)

	out := runWithLimits(ctx, p.limits, func(ctx context.Context) Outcome {
		return p.handler.Handle(ctx, task)
	})
	if errors.Is(out.Reason, ErrHardTimeLimit) {
		logger.Error("task abandoned at hard time limit")
	}

	p.settle(context.Background(), task, out, logger)
}

func (p *Pool) settle(ctx context.Context, task Task, out Outcome, logger *zap.Logger) {
	decision := p.policy.Decide(out, task.Attempt)

	switch decision.Action {
	case ActionAck:
		if err := p.broker.Ack(ctx, task); err != nil {
			logger.Error("failed to ack task", zap.Error(err))
		}
	case ActionRetry:
		observability.IncTaskRetries(out.Kind.String())
		logger.Warn("retrying task",
			zap.Stringer("outcome", out.Kind),
			zap.Duration("delay", decision.Delay),
			zap.String("reason", out.reasonText()),
		)
		next := task
		next.Attempt++
		if err := p.broker.Retry(ctx, next, time.Now().Add(decision.Delay)); err != nil {
			logger.Error("failed to reschedule task", zap.Error(err))
		}
	case ActionDeadLetter:
		observability.IncTaskDeadLetters()
		logger.Error("task exhausted retries",
			zap.Stringer("outcome", out.Kind),
			zap.String("reason", out.reasonText()),
		)
		if err := p.broker.DeadLetter(ctx, task, out.reasonText()); err != nil {
			logger.Error("failed to dead-letter task", zap.Error(err))
		}
	}
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.broker.RequeueStale(context.Background())
			if err != nil {
				p.logger.Error("reap stale tasks error", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Warn("requeued stale tasks", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) trackTask(ref string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[ref] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(ref string) {
	p.activeMu.Lock()
	delete(p.activeTasks, ref)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.activeTasks {
		cancel()
	}
}
