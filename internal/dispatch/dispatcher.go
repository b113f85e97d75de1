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

// Package dispatch turns validated providers into ingestion tasks. It keeps
// at most one task in flight per (tenant, provider) and kind, schedules
// delayed cold-storage retrievals, and drives periodic ingestion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
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
	DefaultDedupTTL        = 24 * time.Hour
	DefaultColdStorageWait = 3 * time.Hour
)

// coldStorageSuffix keeps retrieval markers apart from ingest markers for
// the same provider.
const coldStorageSuffix = "/cold-storage"

// Options configures a Dispatcher.
type Options struct {
	// DedupTTL bounds how long a marker is held if its task never reaches a
	// terminal state. It must exceed the longest expected task runtime.
	DedupTTL time.Duration
	// ColdStorageWait delays retrieval tasks so archived objects can be
	// restored first.
	ColdStorageWait time.Duration
	// MaxAttempts is set on new tasks. Zero leaves the queue default.
	MaxAttempts int
	// Clock stamps schedule times.
	Clock clock.PassiveClock
	// Metrics records dispatch outcomes.
	Metrics metrics.DispatchRecorder
	// Tracing creates dispatch spans.
	Tracing *tracing.Provider
}

// Dispatcher enqueues ingestion tasks with one-in-flight deduplication.
// Markers live in a shared cache so several dispatcher processes agree.
type Dispatcher struct {
	queue     queue.TaskQueue
	markers   cache.Store
	providers store.Reader
	log       logr.Logger
	opts      Options
}

// New creates a Dispatcher. markers is normally cache.Layer.Dispatch.
func New(q queue.TaskQueue, markers cache.Store, providers store.Reader, log logr.Logger, opts Options) *Dispatcher {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.ColdStorageWait <= 0 {
		opts.ColdStorageWait = DefaultColdStorageWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOpIngestMetrics{}
	}
	if opts.Tracing == nil {
		opts.Tracing = tracing.Noop()
	}
	return &Dispatcher{
		queue:     q,
		markers:   markers,
		providers: providers,
		log:       log.WithName("dispatcher"),
		opts:      opts,
	}
}

// DispatchOnValidation enqueues an ingest task for a provider that just
// validated. If a task for the pair is already queued or running it
// returns a DispatchConflict error and enqueues nothing.
func (d *Dispatcher) DispatchOnValidation(ctx context.Context, tenantID string, t provider.Type, providerID string) (*queue.Task, error) {
	key, err := cache.Key(tenantID, t, providerID)
	if err != nil {
		return nil, provider.Internal("invalid dispatch key", err)
	}
	now := d.opts.Clock.Now()
	return d.dispatch(ctx, &queue.Task{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ProviderType: t,
		ProviderID:   providerID,
		Kind:         queue.KindIngest,
		ScheduleTime: now,
		NotBefore:    now,
		DedupKey:     key,
		MaxAttempts:  d.opts.MaxAttempts,
	})
}

// DispatchColdStorageRetrieval enqueues a retrieval task that becomes due
// after ColdStorageWait. The provider type is looked up by ID within the
// tenant. It returns as soon as the task is queued.
func (d *Dispatcher) DispatchColdStorageRetrieval(ctx context.Context, tenantID, providerID string) (*queue.Task, error) {
	rec, err := d.providers.GetProvider(ctx, tenantID, providerID)
	if err != nil {
		return nil, fmt.Errorf("cold storage retrieval for %s: %w", providerID, err)
	}
	key, err := cache.Key(tenantID, rec.Type, providerID+coldStorageSuffix)
	if err != nil {
		return nil, provider.Internal("invalid dispatch key", err)
	}
	now := d.opts.Clock.Now()
	return d.dispatch(ctx, &queue.Task{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ProviderType:    rec.Type,
		ProviderID:      providerID,
		Kind:            queue.KindColdStorageRetrieval,
		ScheduleTime:    now,
		ColdStorageWait: d.opts.ColdStorageWait,
		NotBefore:       now.Add(d.opts.ColdStorageWait),
		DedupKey:        key,
		MaxAttempts:     d.opts.MaxAttempts,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, task *queue.Task) (*queue.Task, error) {
	ctx = logctx.WithTenantID(ctx, task.TenantID)
	ctx = logctx.WithProviderType(ctx, string(task.ProviderType))
	ctx = logctx.WithProviderID(ctx, task.ProviderID)
	ctx = logctx.WithTaskKind(ctx, string(task.Kind))
	log := logctx.LoggerWithContext(d.log, ctx)

	ctx, span := d.opts.Tracing.StartDispatchSpan(ctx, task.TenantID, string(task.ProviderType), task.ProviderID, string(task.Kind))
	defer span.End()

	acquired, err := d.markers.SetNX(ctx, task.DedupKey, []byte(task.ID), d.opts.DedupTTL)
	if err != nil {
		return nil, d.fail(span, task, provider.Transient("dispatch marker store unavailable", err))
	}
	if !acquired {
		log.Info("task already in flight, dispatch coalesced")
		d.opts.Metrics.RecordDispatch(string(task.ProviderType), string(task.Kind), metrics.DispatchCoalesced)
		conflict := provider.DispatchConflict(fmt.Sprintf("a %s task is already in flight for provider %s", task.Kind, task.ProviderID))
		tracing.RecordErrorKind(span, string(conflict.Kind), conflict)
		return nil, conflict
	}

	if err := d.queue.Push(ctx, task); err != nil {
		if _, relErr := d.markers.CompareAndDelete(ctx, task.DedupKey, []byte(task.ID)); relErr != nil {
			log.Error(relErr, "failed to release dispatch marker after enqueue failure")
		}
		return nil, d.fail(span, task, provider.Transient("enqueue failed", err))
	}

	log.Info("task dispatched", "taskID", task.ID, "notBefore", task.NotBefore)
	d.opts.Metrics.RecordDispatch(string(task.ProviderType), string(task.Kind), metrics.DispatchQueued)
	tracing.SetSuccess(span)
	return task, nil
}

func (d *Dispatcher) fail(span trace.Span, task *queue.Task, err *provider.Error) error {
	d.opts.Metrics.RecordDispatch(string(task.ProviderType), string(task.Kind), metrics.DispatchError)
	tracing.RecordErrorKind(span, string(err.Kind), err)
	return err
}

// Cancel removes the pair's not-yet-started tasks of both kinds and releases
// their markers. Running tasks are left alone. It returns the number of
// tasks cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID string, t provider.Type, providerID string) (int, error) {
	ctx = logctx.WithTenantID(ctx, tenantID)
	ctx = logctx.WithProviderType(ctx, string(t))
	ctx = logctx.WithProviderID(ctx, providerID)
	log := logctx.LoggerWithContext(d.log, ctx)
	cancelled := 0
	for _, resource := range []string{providerID, providerID + coldStorageSuffix} {
		key, err := cache.Key(tenantID, t, resource)
		if err != nil {
			return cancelled, provider.Internal("invalid dispatch key", err)
		}
		marker, err := d.markers.Get(ctx, key)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return cancelled, provider.Transient("dispatch marker store unavailable", err)
		}

		_, err = d.queue.Cancel(ctx, string(marker))
		switch {
		case errors.Is(err, queue.ErrTaskRunning):
			log.V(1).Info("task already started, not cancelled", "taskID", string(marker))
			continue
		case errors.Is(err, queue.ErrTaskNotFound):
			// The task finished without releasing its marker.
		case err != nil:
			return cancelled, provider.Transient("cancel failed", err)
		default:
			cancelled++
		}
		if _, err := d.markers.CompareAndDelete(ctx, key, marker); err != nil {
			return cancelled, provider.Transient("dispatch marker store unavailable", err)
		}
	}
	if cancelled > 0 {
		log.Info("queued tasks cancelled", "count", cancelled)
	}
	return cancelled, nil
}

// Release drops the task's dispatch marker if the task still holds it.
// Workers call it when a task reaches a terminal state.
func (d *Dispatcher) Release(ctx context.Context, task *queue.Task) error {
	if task.DedupKey == "" {
		return nil
	}
	if _, err := d.markers.CompareAndDelete(ctx, task.DedupKey, []byte(task.ID)); err != nil {
		return fmt.Errorf("release dispatch marker: %w", err)
	}
	return nil
}
