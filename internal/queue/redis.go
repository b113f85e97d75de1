/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces queue keys.
const DefaultRedisPrefix = "ingest:queue:"

// Redis key suffixes.
const (
	taskKeyPrefix = "task:"
	readyKey      = "ready"      // zset: id -> enqueue sequence
	delayedKey    = "delayed"    // zset: id -> not-before (ms)
	processingKey = "processing" // zset: id -> lease deadline (ms)
	failedKey     = "failed"     // zset: id -> completion (ms)
	orderKey      = "order"      // hash: id -> enqueue sequence
	seqKey        = "seq"
)

// promotePopScript moves due delayed tasks into the ready set, then leases
// the ready task with the lowest sequence.
var promotePopScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 256)
for _, id in ipairs(due) do
  local seq = redis.call('HGET', KEYS[3], id)
  if seq then
    redis.call('ZADD', KEYS[2], seq, id)
  end
  redis.call('ZREM', KEYS[1], id)
end
local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[4], ARGV[2], id)
return id
`)

// RedisQueue implements TaskQueue on Redis so any number of worker
// processes can share one queue.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   Options

	mu     sync.RWMutex
	closed bool
}

// NewRedisQueue creates a Redis-backed task queue on an existing client.
// The client is owned by the caller and is not closed by Close.
func NewRedisQueue(client redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

// Push stores the task and adds it to the ready or delayed set.
func (q *RedisQueue) Push(ctx context.Context, task *Task) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	now := q.opts.Clock.Now()
	prepare(task, q.opts, now)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	stored, err := q.client.SetNX(ctx, q.taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	if !stored {
		return ErrTaskExists
	}

	seq, err := q.client.Incr(ctx, q.key(seqKey)).Result()
	if err != nil {
		q.client.Del(ctx, q.taskKey(task.ID))
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(orderKey), task.ID, seq)
		if task.Due(now) {
			pipe.ZAdd(ctx, q.key(readyKey), redis.Z{Score: float64(seq), Member: task.ID})
		} else {
			pipe.ZAdd(ctx, q.key(delayedKey), redis.Z{Score: msScore(task.NotBefore), Member: task.ID})
		}
		return nil
	})
	if err != nil {
		q.client.Del(ctx, q.taskKey(task.ID))
		return fmt.Errorf("failed to push task to Redis: %w", err)
	}
	return nil
}

// Pop leases the oldest due task.
func (q *RedisQueue) Pop(ctx context.Context) (*Task, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	now := q.opts.Clock.Now()
	keys := []string{q.key(delayedKey), q.key(readyKey), q.key(orderKey), q.key(processingKey)}

	id, err := promotePopScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(q.opts.LeaseTimeout).UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	task, err := q.getTask(ctx, id)
	if err != nil {
		// Task data missing, drop the dangling lease
		q.client.ZRem(ctx, q.key(processingKey), id)
		q.client.HDel(ctx, q.key(orderKey), id)
		return nil, fmt.Errorf("failed to get task data: %w", err)
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.Attempt++
	if err := q.saveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return task, nil
}

// Ack removes a running task.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if err := q.release(ctx, id); err != nil {
		return err
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.taskKey(id))
		pipe.HDel(ctx, q.key(orderKey), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	return nil
}

// Nack requeues or terminally fails a running task.
func (q *RedisQueue) Nack(ctx context.Context, id string, cause error, delay time.Duration) (Status, error) {
	if err := q.release(ctx, id); err != nil {
		return "", err
	}
	task, err := q.getTask(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get task: %w", err)
	}

	now := q.opts.Clock.Now()
	retryOrFail(task, cause, delay, now)
	if task.Status == StatusFailedTerminal {
		return task.Status, q.storeFailed(ctx, task, now)
	}
	return task.Status, q.storeDelayed(ctx, task)
}

// Fail terminally fails a running task.
func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) error {
	if err := q.release(ctx, id); err != nil {
		return err
	}
	task, err := q.getTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	now := q.opts.Clock.Now()
	failTerminal(task, cause, now)
	return q.storeFailed(ctx, task, now)
}

// Defer requeues a running task after delay without consuming an attempt.
func (q *RedisQueue) Defer(ctx context.Context, id string, delay time.Duration) error {
	if err := q.release(ctx, id); err != nil {
		return err
	}
	task, err := q.getTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	requeue(task, q.opts.Clock.Now().Add(delay))
	task.Attempt--
	return q.storeDelayed(ctx, task)
}

// Cancel removes a queued task.
func (q *RedisQueue) Cancel(ctx context.Context, id string) (*Task, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	task, err := q.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusRunning {
		return nil, ErrTaskRunning
	}
	if task.Status != StatusQueued {
		return nil, ErrTaskNotFound
	}

	var readyCmd, delayedCmd *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		readyCmd = pipe.ZRem(ctx, q.key(readyKey), id)
		delayedCmd = pipe.ZRem(ctx, q.key(delayedKey), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	if readyCmd.Val()+delayedCmd.Val() == 0 {
		// Popped between the read and the removal.
		return nil, ErrTaskRunning
	}

	q.client.Del(ctx, q.taskKey(id))
	q.client.HDel(ctx, q.key(orderKey), id)
	task.Status = StatusCancelled
	return task, nil
}

// Get returns a task.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Task, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.getTask(ctx, id)
}

// Stats returns counts by state. Delayed tasks that are already due are
// counted as delayed until the next Pop promotes them.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if err := q.checkOpen(); err != nil {
		return Stats{}, err
	}
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.key(readyKey))
	delayed := pipe.ZCard(ctx, q.key(delayedKey))
	running := pipe.ZCard(ctx, q.key(processingKey))
	failed := pipe.ZCard(ctx, q.key(failedKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return Stats{
		Ready:   int(ready.Val()),
		Delayed: int(delayed.Val()),
		Running: int(running.Val()),
		Failed:  int(failed.Val()),
	}, nil
}

// RequeueExpired moves tasks whose lease has passed back to the queue. This
// should be called periodically to recover from workers that crashed.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}
	now := q.opts.Clock.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.key(processingKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get expired tasks: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key(processingKey), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		task, err := q.getTask(ctx, id)
		if err != nil {
			continue
		}
		requeue(task, now)
		if err := q.storeDelayed(ctx, task); err != nil {
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Close marks the queue as closed. The shared client stays open.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

func (q *RedisQueue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// release drops the lease on a running task.
func (q *RedisQueue) release(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	removed, err := q.client.ZRem(ctx, q.key(processingKey), id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from processing: %w", err)
	}
	if removed == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *RedisQueue) storeDelayed(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.ZAdd(ctx, q.key(delayedKey), redis.Z{Score: msScore(task.NotBefore), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) storeFailed(ctx context.Context, task *Task, now time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.HDel(ctx, q.key(orderKey), task.ID)
		pipe.ZAdd(ctx, q.key(failedKey), redis.Z{Score: msScore(now), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record failed task: %w", err)
	}
	return nil
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + suffix
}

func (q *RedisQueue) taskKey(id string) string {
	return q.prefix + taskKeyPrefix + id
}

func (q *RedisQueue) getTask(ctx context.Context, id string) (*Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *RedisQueue) saveTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.taskKey(task.ID), data, 0).Err()
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Ensure RedisQueue implements TaskQueue interface.
var _ TaskQueue = (*RedisQueue)(nil)
