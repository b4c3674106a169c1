package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "fa:"

// RedisBroker stores each task as a hash and orders ready tasks in a sorted
// set scored by run-at (unix milliseconds). Claimed tasks move to an
// in-flight sorted set scored by their visibility deadline.
type RedisBroker struct {
	client     goredis.UniversalClient
	queue      string
	visibility time.Duration
}

// NewRedisBroker creates a broker for one queue. visibility is how long a
// claimed task may stay unacknowledged before RequeueStale hands it out again.
func NewRedisBroker(client goredis.UniversalClient, queue string, visibility time.Duration) *RedisBroker {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisBroker{client: client, queue: queue, visibility: visibility}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

func (b *RedisBroker) queueKey() string    { return keyPrefix + "queue:" + b.queue }
func (b *RedisBroker) inflightKey() string { return keyPrefix + "inflight:" + b.queue }
func (b *RedisBroker) dlqKey() string      { return keyPrefix + "dlq:" + b.queue }
func taskKey(ref string) string            { return keyPrefix + "task:" + ref }

// Enqueue stores the task and makes it ready immediately.
func (b *RedisBroker) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.Ref == "" {
		task.Ref = uuid.NewString()
	}
	if err := b.schedule(ctx, task, time.Now()); err != nil {
		return "", err
	}
	return task.Ref, nil
}

// Retry reschedules the task.
func (b *RedisBroker) Retry(ctx context.Context, task Task, runAt time.Time) error {
	return b.schedule(ctx, task, runAt)
}

func (b *RedisBroker) schedule(ctx context.Context, task Task, runAt time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue/redis: marshal task: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, taskKey(task.Ref),
		"payload", string(payload),
		"queue", b.queue,
		"run_at", runAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.ZRem(ctx, b.inflightKey(), task.Ref)
	pipe.ZAdd(ctx, b.queueKey(), goredis.Z{Score: float64(runAt.UnixMilli()), Member: task.Ref})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: schedule task: %w", err)
	}
	return nil
}

// claimScript moves the earliest ready ref from the queue to the in-flight
// set in one step, so a crash can never leave a ref in neither.
//
// KEYS[1] queue, KEYS[2] in-flight. ARGV[1] now (ms), ARGV[2] deadline (ms).
var claimScript = goredis.NewScript(`
local refs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #refs == 0 then
  return false
end
redis.call('ZREM', KEYS[1], refs[1])
redis.call('ZADD', KEYS[2], ARGV[2], refs[1])
return refs[1]
`)

// Dequeue claims the earliest task whose run-at has passed.
func (b *RedisBroker) Dequeue(ctx context.Context) (*Task, error) {
	now := time.Now()
	deadline := now.Add(b.visibility)
	ref, err := claimScript.Run(ctx, b.client,
		[]string{b.queueKey(), b.inflightKey()},
		now.UnixMilli(), deadline.UnixMilli(),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: dequeue claim: %w", err)
	}

	payload, err := b.client.HGet(ctx, taskKey(ref), "payload").Result()
	if errors.Is(err, goredis.Nil) {
		// Hash vanished (acked elsewhere); drop the dangling reference.
		b.client.ZRem(ctx, b.inflightKey(), ref)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: load task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("queue/redis: decode task %s: %w", ref, err)
	}
	task.Ref = ref
	return &task, nil
}

// Ack deletes the task.
func (b *RedisBroker) Ack(ctx context.Context, task Task) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, taskKey(task.Ref))
	pipe.ZRem(ctx, b.inflightKey(), task.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: ack task: %w", err)
	}
	return nil
}

type deadLetter struct {
	Task   Task      `json:"task"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// DeadLetter moves the task to the dead-letter list.
func (b *RedisBroker) DeadLetter(ctx context.Context, task Task, reason string) error {
	entry, err := json.Marshal(deadLetter{Task: task, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue/redis: marshal dead letter: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.dlqKey(), string(entry))
	pipe.Del(ctx, taskKey(task.Ref))
	pipe.ZRem(ctx, b.inflightKey(), task.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: dead letter task: %w", err)
	}
	return nil
}

// RequeueStale makes expired in-flight tasks ready again.
func (b *RedisBroker) RequeueStale(ctx context.Context) (int, error) {
	now := time.Now()
	refs, err := b.client.ZRangeByScore(ctx, b.inflightKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: list stale: %w", err)
	}

	requeued := 0
	for _, ref := range refs {
		removed, err := b.client.ZRem(ctx, b.inflightKey(), ref).Result()
		if err != nil {
			return requeued, fmt.Errorf("queue/redis: release stale: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.ZAdd(ctx, b.queueKey(), goredis.Z{Score: float64(now.UnixMilli()), Member: ref}).Err(); err != nil {
			return requeued, fmt.Errorf("queue/redis: requeue stale: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// DeadLetters returns up to n dead-lettered entries, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, n int64) ([]string, error) {
	entries, err := b.client.LRange(ctx, b.dlqKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: list dead letters: %w", err)
	}
	return entries, nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
