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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements TaskQueue using in-memory data structures.
// It is suitable for development, testing, and single-process deployments.
type MemoryQueue struct {
	mu     sync.Mutex
	closed bool
	opts   Options

	seq   uint64
	tasks map[string]*memoryEntry
}

// memoryEntry holds a task and its queue bookkeeping.
type memoryEntry struct {
	task  Task
	seq   uint64
	lease time.Time
}

// NewMemoryQueue creates a new in-memory task queue with the given options.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:  opts.withDefaults(),
		tasks: make(map[string]*memoryEntry),
	}
}

// NewMemoryQueueWithDefaults creates a new in-memory task queue with default options.
func NewMemoryQueueWithDefaults() *MemoryQueue {
	return NewMemoryQueue(DefaultOptions())
}

// Push adds a task to the queue.
func (q *MemoryQueue) Push(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	prepare(task, q.opts, q.opts.Clock.Now())
	if _, exists := q.tasks[task.ID]; exists {
		return ErrTaskExists
	}

	q.seq++
	q.tasks[task.ID] = &memoryEntry{task: *task, seq: q.seq}
	return nil
}

// Pop leases the due task with the lowest enqueue sequence.
func (q *MemoryQueue) Pop(_ context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := q.opts.Clock.Now()
	var next *memoryEntry
	for _, e := range q.tasks {
		if e.task.Status != StatusQueued || !e.task.Due(now) {
			continue
		}
		if next == nil || e.seq < next.seq {
			next = e
		}
	}
	if next == nil {
		return nil, ErrQueueEmpty
	}

	next.task.Status = StatusRunning
	next.task.StartedAt = &now
	next.task.Attempt++
	next.lease = now.Add(q.opts.LeaseTimeout)

	// Return a copy to prevent external modification
	taskCopy := next.task
	return &taskCopy, nil
}

// Ack removes a running task.
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.running(id)
	if err != nil {
		return err
	}
	delete(q.tasks, e.task.ID)
	return nil
}

// Nack requeues a running task after delay, or fails it once its attempts
// are exhausted.
func (q *MemoryQueue) Nack(_ context.Context, id string, cause error, delay time.Duration) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.running(id)
	if err != nil {
		return "", err
	}
	now := q.opts.Clock.Now()
	retryOrFail(&e.task, cause, delay, now)
	return e.task.Status, nil
}

// Fail marks a running task failed terminally.
func (q *MemoryQueue) Fail(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.running(id)
	if err != nil {
		return err
	}
	failTerminal(&e.task, cause, q.opts.Clock.Now())
	return nil
}

// Defer returns a running task to the queue without consuming an attempt.
func (q *MemoryQueue) Defer(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.running(id)
	if err != nil {
		return err
	}
	requeue(&e.task, q.opts.Clock.Now().Add(delay))
	e.task.Attempt--
	return nil
}

// Cancel removes a queued task and returns it.
func (q *MemoryQueue) Cancel(_ context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	e, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch e.task.Status {
	case StatusQueued:
	case StatusRunning:
		return nil, ErrTaskRunning
	default:
		return nil, ErrTaskNotFound
	}

	delete(q.tasks, id)
	taskCopy := e.task
	taskCopy.Status = StatusCancelled
	return &taskCopy, nil
}

// Get returns a copy of a task.
func (q *MemoryQueue) Get(_ context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	e, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	taskCopy := e.task
	return &taskCopy, nil
}

// Stats returns counts by state.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Stats{}, ErrQueueClosed
	}
	now := q.opts.Clock.Now()
	var s Stats
	for _, e := range q.tasks {
		switch e.task.Status {
		case StatusQueued:
			if e.task.Due(now) {
				s.Ready++
			} else {
				s.Delayed++
			}
		case StatusRunning:
			s.Running++
		case StatusFailedTerminal:
			s.Failed++
		}
	}
	return s, nil
}

// RequeueExpired returns running tasks whose lease has passed to the queue.
func (q *MemoryQueue) RequeueExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	now := q.opts.Clock.Now()
	requeued := 0
	for _, e := range q.tasks {
		if e.task.Status == StatusRunning && !now.Before(e.lease) {
			requeue(&e.task, now)
			requeued++
		}
	}
	return requeued, nil
}

// Close releases resources and marks the queue as closed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.tasks = nil
	return nil
}

// running returns the entry for a leased task. Must be called with q.mu held.
func (q *MemoryQueue) running(id string) (*memoryEntry, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	e, ok := q.tasks[id]
	if !ok || e.task.Status != StatusRunning {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

// prepare fills in the fields Push owns.
func prepare(task *Task, opts Options, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = opts.MaxAttempts
	}
	if task.ScheduleTime.IsZero() {
		task.ScheduleTime = now
	}
	task.Status = StatusQueued
	task.CreatedAt = now
	task.Attempt = 0
	task.StartedAt = nil
	task.CompletedAt = nil
}

func requeue(task *Task, notBefore time.Time) {
	task.Status = StatusQueued
	task.StartedAt = nil
	task.NotBefore = notBefore
}

func retryOrFail(task *Task, cause error, delay time.Duration, now time.Time) {
	task.Error = errorText(cause)
	task.ErrorKind = failureKind(cause)
	if task.Attempt < task.MaxAttempts {
		requeue(task, now.Add(delay))
		return
	}
	failTerminal(task, cause, now)
}

func failTerminal(task *Task, cause error, now time.Time) {
	task.Status = StatusFailedTerminal
	task.CompletedAt = &now
	task.Error = errorText(cause)
	task.ErrorKind = failureKind(cause)
}

// Ensure MemoryQueue implements TaskQueue interface.
var _ TaskQueue = (*MemoryQueue)(nil)
