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
	"errors"
	"time"
)

// InstrumentedQueue wraps a TaskQueue implementation with Prometheus metrics.
// It delegates all operations to the underlying queue while recording metrics
// for each operation.
type InstrumentedQueue struct {
	queue   TaskQueue
	metrics QueueMetricsRecorder
}

// NewInstrumentedQueue creates a new instrumented queue wrapper.
func NewInstrumentedQueue(queue TaskQueue, metrics QueueMetricsRecorder) *InstrumentedQueue {
	if metrics == nil {
		metrics = &NoOpQueueMetrics{}
	}
	return &InstrumentedQueue{
		queue:   queue,
		metrics: metrics,
	}
}

func (q *InstrumentedQueue) observe(op string, start time.Time, err error) {
	q.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
}

// Push records push metrics.
func (q *InstrumentedQueue) Push(ctx context.Context, task *Task) error {
	start := time.Now()
	err := q.queue.Push(ctx, task)
	q.observe(OpPush, start, err)
	if err == nil {
		q.metrics.RecordPushed(task.Kind)
	}
	return err
}

// Pop records pop metrics. ErrQueueEmpty is not considered an error.
func (q *InstrumentedQueue) Pop(ctx context.Context) (*Task, error) {
	start := time.Now()
	task, err := q.queue.Pop(ctx)
	if errors.Is(err, ErrQueueEmpty) {
		q.observe(OpPop, start, nil)
	} else {
		q.observe(OpPop, start, err)
	}
	return task, err
}

// Ack records ack metrics.
func (q *InstrumentedQueue) Ack(ctx context.Context, id string) error {
	start := time.Now()
	err := q.queue.Ack(ctx, id)
	q.observe(OpAck, start, err)
	return err
}

// Nack records nack metrics and whether the task was retried or failed.
func (q *InstrumentedQueue) Nack(ctx context.Context, id string, cause error, delay time.Duration) (Status, error) {
	kind := q.kindOf(ctx, id)
	start := time.Now()
	status, err := q.queue.Nack(ctx, id, cause, delay)
	q.observe(OpNack, start, err)
	if err == nil {
		if status == StatusFailedTerminal {
			q.metrics.RecordTerminal(kind, status)
		} else {
			q.metrics.RecordRetry(kind)
		}
	}
	return status, err
}

// Fail records fail metrics.
func (q *InstrumentedQueue) Fail(ctx context.Context, id string, cause error) error {
	kind := q.kindOf(ctx, id)
	start := time.Now()
	err := q.queue.Fail(ctx, id, cause)
	q.observe(OpFail, start, err)
	if err == nil {
		q.metrics.RecordTerminal(kind, StatusFailedTerminal)
	}
	return err
}

// Defer records defer metrics.
func (q *InstrumentedQueue) Defer(ctx context.Context, id string, delay time.Duration) error {
	start := time.Now()
	err := q.queue.Defer(ctx, id, delay)
	q.observe(OpDefer, start, err)
	return err
}

// Cancel records cancel metrics.
func (q *InstrumentedQueue) Cancel(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	task, err := q.queue.Cancel(ctx, id)
	q.observe(OpCancel, start, err)
	if err == nil {
		q.metrics.RecordTerminal(task.Kind, StatusCancelled)
	}
	return task, err
}

// Get is a read-only operation and does not record operation metrics.
func (q *InstrumentedQueue) Get(ctx context.Context, id string) (*Task, error) {
	return q.queue.Get(ctx, id)
}

// Stats is a read-only operation and does not record operation metrics.
func (q *InstrumentedQueue) Stats(ctx context.Context) (Stats, error) {
	return q.queue.Stats(ctx)
}

// RequeueExpired records how many tasks were redelivered.
func (q *InstrumentedQueue) RequeueExpired(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := q.queue.RequeueExpired(ctx)
	q.observe(OpRequeue, start, err)
	if n > 0 {
		q.metrics.RecordRedelivered(n)
	}
	return n, err
}

// Close releases any resources held by the queue.
func (q *InstrumentedQueue) Close() error {
	return q.queue.Close()
}

func (q *InstrumentedQueue) kindOf(ctx context.Context, id string) Kind {
	if task, err := q.queue.Get(ctx, id); err == nil {
		return task.Kind
	}
	return ""
}

// Ensure InstrumentedQueue implements TaskQueue interface.
var _ TaskQueue = (*InstrumentedQueue)(nil)
