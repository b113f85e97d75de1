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

// Package worker runs ingestion tasks from the queue with bounded
// concurrency and prefetch, serializing execution per (tenant, provider).
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/queue"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/internal/tracing"
	"github.com/altairalabs/costflow/pkg/logctx"
	"github.com/altairalabs/costflow/pkg/metrics"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultConcurrency     = 1
	DefaultPollInterval    = time.Second
	DefaultRetryBackoff    = 30 * time.Second
	DefaultRetryBackoffCap = 30 * time.Minute
	DefaultLockTTL         = 30 * time.Minute
	DefaultRequeueInterval = time.Minute
)

// Task outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed_terminal"
	OutcomeDeferred  = "deferred"
)

// Handler executes one task and reports how many report objects it
// published. A TransientUpstreamError result is retried with backoff. Any
// other error fails the task terminally.
type Handler interface {
	Handle(ctx context.Context, task *queue.Task) (int, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *queue.Task) (int, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *queue.Task) (int, error) {
	return f(ctx, task)
}

// Releaser drops a task's dispatch marker. *dispatch.Dispatcher satisfies it.
type Releaser interface {
	Release(ctx context.Context, task *queue.Task) error
}

// Options configures a Pool.
type Options struct {
	// Concurrency is the number of tasks executed at once.
	Concurrency int
	// PrefetchMultiplier sizes the prefetch buffer as a multiple of
	// Concurrency. Popped-but-unfinished tasks never exceed
	// Concurrency * (1 + PrefetchMultiplier).
	PrefetchMultiplier int
	// PollInterval is the wait after an empty Pop.
	PollInterval time.Duration
	// RetryBackoff is the delay before the first retry. It doubles per
	// attempt up to RetryBackoffCap.
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
	// DeferDelay is how long a task waits when its pair is already running.
	// Defaults to PollInterval.
	DeferDelay time.Duration
	// LockTTL bounds a per-pair run lock left behind by a crashed worker.
	LockTTL time.Duration
	// RequeueInterval is how often expired leases are redelivered.
	RequeueInterval time.Duration
	// Clock stamps outcomes.
	Clock clock.PassiveClock
	// Metrics records task executions.
	Metrics metrics.TaskRecorder
	// Tracing creates task spans.
	Tracing *tracing.Provider
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PrefetchMultiplier < 0 {
		o.PrefetchMultiplier = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.RetryBackoffCap <= 0 {
		o.RetryBackoffCap = DefaultRetryBackoffCap
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = o.PollInterval
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.RequeueInterval <= 0 {
		o.RequeueInterval = DefaultRequeueInterval
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NoOpIngestMetrics{}
	}
	if o.Tracing == nil {
		o.Tracing = tracing.Noop()
	}
	return o
}

// Pool pops tasks and runs them through a Handler.
type Pool struct {
	queue    queue.TaskQueue
	handler  Handler
	locks    cache.Store
	outcomes store.OutcomeRecorder
	releaser Releaser
	log      logr.Logger
	opts     Options
}

// New creates a Pool. locks is normally cache.Layer.Worker.
func New(q queue.TaskQueue, h Handler, locks cache.Store, outcomes store.OutcomeRecorder, releaser Releaser, log logr.Logger, opts Options) *Pool {
	return &Pool{
		queue:    q,
		handler:  h,
		locks:    locks,
		outcomes: outcomes,
		releaser: releaser,
		log:      log.WithName("worker"),
		opts:     opts.withDefaults(),
	}
}

// Capacity is the maximum number of popped-but-unfinished tasks.
func (p *Pool) Capacity() int {
	return p.opts.Concurrency * (1 + p.opts.PrefetchMultiplier)
}

// Run processes tasks until ctx is cancelled. Prefetched tasks that never
// started are returned to the queue without consuming an attempt. Run
// returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	capacity := p.Capacity()
	sem := semaphore.NewWeighted(int64(capacity))
	tasks := make(chan *queue.Task, capacity)

	p.log.Info("worker pool started", "concurrency", p.opts.Concurrency, "capacity", capacity)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		return p.fetch(gctx, sem, tasks)
	})
	for range p.opts.Concurrency {
		g.Go(func() error {
			for task := range tasks {
				if gctx.Err() != nil {
					p.giveBack(gctx, task)
				} else {
					p.process(gctx, task)
				}
				sem.Release(1)
			}
			return nil
		})
	}
	g.Go(func() error {
		p.requeueLoop(gctx)
		return nil
	})

	err := g.Wait()
	p.log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// fetch pops tasks while capacity is available.
func (p *Pool) fetch(ctx context.Context, sem *semaphore.Weighted, tasks chan<- *queue.Task) error {
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		task, err := p.queue.Pop(ctx)
		switch {
		case err == nil:
			tasks <- task
			continue
		case errors.Is(err, queue.ErrQueueEmpty):
		case errors.Is(err, queue.ErrQueueClosed):
			sem.Release(1)
			return fmt.Errorf("worker: %w", err)
		default:
			if ctx.Err() == nil {
				p.log.Error(err, "pop failed")
			}
		}
		sem.Release(1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Pool) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RequeueExpired(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error(err, "requeue of expired leases failed")
			} else if n > 0 {
				p.log.Info("redelivered tasks with expired leases", "count", n)
			}
		}
	}
}

// giveBack returns a task that will not run now to the queue.
func (p *Pool) giveBack(ctx context.Context, task *queue.Task) {
	if err := p.queue.Defer(context.WithoutCancel(ctx), task.ID, 0); err != nil {
		p.log.Error(err, "failed to return task to the queue", "taskID", task.ID)
	}
}

// process runs one task under the pair's run lock and settles it.
func (p *Pool) process(ctx context.Context, task *queue.Task) {
	ctx = logctx.WithLoggingContext(ctx, &logctx.LoggingFields{
		TenantID:     task.TenantID,
		ProviderType: string(task.ProviderType),
		ProviderID:   task.ProviderID,
		TaskID:       task.ID,
		TaskKind:     string(task.Kind),
	})
	log := logctx.LoggerWithContext(p.log, ctx)
	settle := context.WithoutCancel(ctx)

	lockKey, err := cache.Key(task.TenantID, task.ProviderType, "run/"+task.ProviderID)
	if err != nil {
		p.fail(settle, log, task, provider.Internal("invalid run lock key", err), 0, p.opts.Clock.Now())
		return
	}
	acquired, err := p.locks.SetNX(ctx, lockKey, []byte(task.ID), p.opts.LockTTL)
	if err != nil || !acquired {
		if err != nil {
			log.Error(err, "run lock unavailable, deferring task")
		} else {
			log.V(1).Info("provider already running, deferring task")
		}
		if err := p.queue.Defer(settle, task.ID, p.opts.DeferDelay); err != nil {
			log.Error(err, "failed to defer task")
		}
		p.opts.Metrics.RecordTask(string(task.ProviderType), string(task.Kind), OutcomeDeferred, 0)
		return
	}
	defer func() {
		if _, err := p.locks.CompareAndDelete(settle, lockKey, []byte(task.ID)); err != nil {
			log.Error(err, "failed to release run lock")
		}
	}()

	ctx, span := p.opts.Tracing.StartTaskSpan(ctx, tracing.TaskAttributes{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		ProviderType: string(task.ProviderType),
		ProviderID:   task.ProviderID,
		Kind:         string(task.Kind),
		Attempt:      task.Attempt,
	})
	defer span.End()

	started := p.opts.Clock.Now()
	p.opts.Metrics.TaskStarted()
	objects, err := p.handler.Handle(ctx, task)
	p.opts.Metrics.TaskFinished()
	elapsed := p.opts.Clock.Since(started).Seconds()
	tracing.AddObjectCount(span, objects)

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(settle, task.ID); ackErr != nil {
			log.Error(ackErr, "failed to ack task")
		}
		tracing.SetSuccess(span)
		log.Info("task succeeded", "objects", objects, "attempt", task.Attempt)
		p.opts.Metrics.RecordTask(string(task.ProviderType), string(task.Kind), OutcomeSucceeded, elapsed)
		p.finish(settle, log, task, queue.StatusSucceeded, nil, objects, started)

	case ctx.Err() != nil:
		// Shutdown interrupted the handler. The attempt is not charged.
		log.Info("task interrupted by shutdown, returning to queue")
		p.giveBack(settle, task)

	case provider.IsRetryable(err):
		tracing.RecordErrorKind(span, string(provider.KindOf(err)), err)
		delay := RetryDelay(p.opts.RetryBackoff, p.opts.RetryBackoffCap, task.Attempt)
		status, nackErr := p.queue.Nack(settle, task.ID, err, delay)
		if nackErr != nil {
			log.Error(nackErr, "failed to nack task")
			return
		}
		if status == queue.StatusFailedTerminal {
			log.Info("task failed after exhausting retries", "attempt", task.Attempt, "reason", err.Error())
			p.opts.Metrics.RecordTask(string(task.ProviderType), string(task.Kind), OutcomeFailed, elapsed)
			p.finish(settle, log, task, status, err, objects, started)
			return
		}
		log.Info("task will be retried", "attempt", task.Attempt, "delay", delay, "reason", err.Error())
		p.opts.Metrics.RecordTask(string(task.ProviderType), string(task.Kind), OutcomeRetry, elapsed)

	default:
		tracing.RecordErrorKind(span, string(provider.KindOf(err)), err)
		p.fail(settle, log, task, err, objects, started)
		p.opts.Metrics.RecordTask(string(task.ProviderType), string(task.Kind), OutcomeFailed, elapsed)
	}
}

func (p *Pool) fail(ctx context.Context, log logr.Logger, task *queue.Task, cause error, objects int, started time.Time) {
	if err := p.queue.Fail(ctx, task.ID, cause); err != nil {
		log.Error(err, "failed to fail task")
	}
	log.Info("task failed", "kind", provider.KindOf(cause), "reason", cause.Error())
	p.finish(ctx, log, task, queue.StatusFailedTerminal, cause, objects, started)
}

// finish records a terminal outcome and releases the dispatch marker.
func (p *Pool) finish(ctx context.Context, log logr.Logger, task *queue.Task, status queue.Status, cause error, objects int, started time.Time) {
	outcome := store.TaskOutcome{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		ProviderID:   task.ProviderID,
		ProviderType: task.ProviderType,
		Kind:         string(task.Kind),
		Status:       string(status),
		Attempts:     task.Attempt,
		Objects:      objects,
		StartedAt:    started,
		CompletedAt:  p.opts.Clock.Now(),
	}
	if cause != nil {
		outcome.ErrorKind = provider.KindOf(cause)
		outcome.Error = cause.Error()
	}
	if p.outcomes != nil {
		if err := p.outcomes.RecordTaskOutcome(ctx, outcome); err != nil {
			log.Error(err, "failed to record task outcome")
		}
	}
	if p.releaser != nil {
		if err := p.releaser.Release(ctx, task); err != nil {
			log.Error(err, "failed to release dispatch marker")
		}
	}
}

// RetryDelay is base * 2^(attempt-1), capped at maxDelay.
func RetryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}
