package queue

import (
	"context"
	"time"
)

// Broker is the storage side of the Pool: it hands out ready tasks and
// records how each execution was settled. Delivery is at-least-once; a task
// stays owned by the broker until it is acked or dead-lettered.
type Broker interface {
	Enqueuer
	// Dequeue claims the next ready task, or returns nil when none is ready.
	Dequeue(ctx context.Context) (*Task, error)
	// Ack removes a finished task.
	Ack(ctx context.Context, task Task) error
	// Retry schedules task to run again at runAt.
	Retry(ctx context.Context, task Task, runAt time.Time) error
	// DeadLetter parks a task that will not be retried.
	DeadLetter(ctx context.Context, task Task, reason string) error
	// RequeueStale returns claimed tasks whose visibility window expired to
	// the ready queue, covering workers that died mid-task.
	RequeueStale(ctx context.Context) (int, error)
	// Ping checks broker connectivity.
	Ping(ctx context.Context) error
}
