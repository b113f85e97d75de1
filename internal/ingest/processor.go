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

// Package ingest executes ingestion tasks: it lists a provider's report
// objects, skips those already processed, handles objects parked in cold
// storage, and publishes the rest to a downstream sink.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers"
	"github.com/altairalabs/costflow/internal/queue"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/logctx"
	"github.com/altairalabs/costflow/pkg/provider"
)

// DefaultMarkTTL is how long a processed-object mark is kept. Sources keep
// roughly three months of reports, and an object whose mark has expired is
// published again.
const DefaultMarkTTL = 90 * 24 * time.Hour

// ColdStorageDispatcher schedules a delayed retrieval task.
// *dispatch.Dispatcher satisfies it.
type ColdStorageDispatcher interface {
	DispatchColdStorageRetrieval(ctx context.Context, tenantID, providerID string) (*queue.Task, error)
}

// Options configures a Processor.
type Options struct {
	// MarkTTL bounds processed-object marks in the worker cache.
	MarkTTL time.Duration
	// Classify maps object store errors onto the taxonomy. Defaults to
	// providers.ClassifyError.
	Classify func(t provider.Type, err error) error
}

// Processor is the worker.Handler for ingestion tasks.
type Processor struct {
	providers store.Reader
	opener    objectstore.Opener
	marks     cache.Store
	sink      Sink
	cold      ColdStorageDispatcher
	log       logr.Logger
	opts      Options
}

// New creates a Processor. marks is normally cache.Layer.Worker.
func New(providersReader store.Reader, opener objectstore.Opener, marks cache.Store, sink Sink, cold ColdStorageDispatcher, log logr.Logger, opts Options) *Processor {
	if opts.MarkTTL <= 0 {
		opts.MarkTTL = DefaultMarkTTL
	}
	if opts.Classify == nil {
		opts.Classify = providers.ClassifyError
	}
	return &Processor{
		providers: providersReader,
		opener:    opener,
		marks:     marks,
		sink:      sink,
		cold:      cold,
		log:       log.WithName("ingest"),
		opts:      opts,
	}
}

// Handle runs one task and returns the number of objects published.
func (p *Processor) Handle(ctx context.Context, task *queue.Task) (int, error) {
	log := logctx.LoggerWithContext(p.log, ctx)

	rec, err := p.load(ctx, task)
	if err != nil {
		return 0, err
	}

	objects, err := p.opener.Open(ctx, rec.Type, rec.Credentials, rec.DataSource)
	if err != nil {
		return 0, p.opts.Classify(rec.Type, err)
	}
	defer func() { _ = objects.Close() }()

	listed, err := objects.List(ctx, rec.DataSource.Get(provider.FieldReportPrefix))
	if err != nil {
		return 0, p.opts.Classify(rec.Type, err)
	}

	ctx = logctx.WithStage(ctx, "publish")
	run := &run{p: p, task: task, rec: rec, store: objects, log: logctx.LoggerWithContext(p.log, ctx)}
	for _, obj := range listed {
		if err := ctx.Err(); err != nil {
			return run.published, err
		}
		if err := run.object(ctx, obj); err != nil {
			return run.published, err
		}
	}
	log.V(1).Info("listing processed", "listed", len(listed), "published", run.published,
		"skipped", run.skipped, "archived", len(run.archived), "pending", run.pending)

	return run.published, run.finish(ctx)
}

func (p *Processor) load(ctx context.Context, task *queue.Task) (*store.ProviderRecord, error) {
	rec, err := p.providers.GetProvider(ctx, task.TenantID, task.ProviderID)
	if errors.Is(err, store.ErrProviderNotFound) {
		return nil, provider.Internal(fmt.Sprintf("provider %s no longer exists", task.ProviderID), err)
	}
	if err != nil {
		return nil, provider.Transient("provider lookup failed", err)
	}
	if !rec.Active {
		return nil, provider.Internal(fmt.Sprintf("provider %s is inactive", task.ProviderID), nil)
	}
	if rec.Type != task.ProviderType {
		return nil, provider.Internal(fmt.Sprintf("provider %s changed type from %s to %s", rec.ID, task.ProviderType, rec.Type), nil)
	}
	return rec, nil
}

// run is the state of one Handle call.
type run struct {
	p     *Processor
	task  *queue.Task
	rec   *store.ProviderRecord
	store objectstore.Store
	log   logr.Logger

	published int
	skipped   int
	pending   int
	archived  []string
}

func (r *run) object(ctx context.Context, obj objectstore.Object) error {
	markKey, err := cache.Key(r.rec.TenantID, r.rec.Type, "processed/"+r.rec.ID+"/"+objectDigest(obj.Key))
	if err != nil {
		return provider.Internal("invalid processed-object key", err)
	}
	version := []byte(obj.LastModified.UTC().Format(time.RFC3339Nano) + "/" + strconv.FormatInt(obj.Size, 10))
	if seen, err := r.p.marks.Get(ctx, markKey); err == nil && string(seen) == string(version) {
		r.skipped++
		return nil
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		r.log.Error(err, "processed-object lookup failed, reprocessing", "object", obj.Key)
	}

	// Listings keep reporting a cold storage class after a restore, so
	// retrieval tasks read archived objects and let Get decide.
	readable := !obj.Archived || r.task.Kind == queue.KindColdStorageRetrieval
	var data []byte
	if readable {
		data, err = r.store.Get(ctx, obj.Key)
	}
	switch {
	case !readable || errors.Is(err, objectstore.ErrObjectArchived):
		return r.coldObject(ctx, obj.Key)
	case errors.Is(err, objectstore.ErrObjectNotFound):
		r.log.V(1).Info("object disappeared after listing", "object", obj.Key)
		return nil
	case err != nil:
		return r.p.opts.Classify(r.rec.Type, err)
	}

	sum := sha256.Sum256(data)
	if err := r.p.sink.Publish(ctx, Report{
		TaskID:       r.task.ID,
		TenantID:     r.rec.TenantID,
		ProviderID:   r.rec.ID,
		ProviderType: r.rec.Type,
		Key:          obj.Key,
		Size:         int64(len(data)),
		LastModified: obj.LastModified,
		Checksum:     hex.EncodeToString(sum[:]),
		Data:         data,
	}); err != nil {
		var perr *provider.Error
		if !errors.As(err, &perr) {
			err = provider.Transient("publish to sink failed", err)
		}
		return err
	}
	r.published++

	if err := r.p.marks.Set(ctx, markKey, version, r.p.opts.MarkTTL); err != nil {
		// The object may be published again on the next run.
		r.log.Error(err, "failed to mark object processed", "object", obj.Key)
	}
	return nil
}

// coldObject handles an object that is not readable yet. Ingest tasks ask
// for a restore and leave the object to a retrieval task. Retrieval tasks
// count it as pending.
func (r *run) coldObject(ctx context.Context, key string) error {
	if r.task.Kind == queue.KindColdStorageRetrieval {
		r.pending++
		return nil
	}
	if restorer, ok := r.store.(objectstore.Restorer); ok {
		if err := restorer.Restore(ctx, key); err != nil {
			return r.p.opts.Classify(r.rec.Type, err)
		}
	}
	r.archived = append(r.archived, key)
	return nil
}

func (r *run) finish(ctx context.Context) error {
	if r.pending > 0 {
		return provider.Transient(fmt.Sprintf("%d archived objects are not restored yet", r.pending), nil)
	}
	if len(r.archived) == 0 || r.p.cold == nil {
		return nil
	}
	task, err := r.p.cold.DispatchColdStorageRetrieval(ctx, r.rec.TenantID, r.rec.ID)
	switch {
	case errors.Is(err, provider.ErrDispatchConflict):
		r.log.V(1).Info("cold storage retrieval already scheduled", "archived", len(r.archived))
	case err != nil:
		return err
	default:
		r.log.Info("restore requested for archived objects", "archived", len(r.archived), "retrievalTask", task.ID, "notBefore", task.NotBefore)
	}
	return nil
}

func objectDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
