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

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/queue"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

type coldStub struct {
	calls []string
	err   error
}

func (c *coldStub) DispatchColdStorageRetrieval(_ context.Context, tenantID, providerID string) (*queue.Task, error) {
	c.calls = append(c.calls, tenantID+"/"+providerID)
	if c.err != nil {
		return nil, c.err
	}
	return &queue.Task{ID: "cold-1", Kind: queue.KindColdStorageRetrieval, NotBefore: time.Now().Add(3 * time.Hour)}, nil
}

type openerFunc func(ctx context.Context, t provider.Type, creds provider.Credentials, ds provider.DataSource) (objectstore.Store, error)

func (f openerFunc) Open(ctx context.Context, t provider.Type, creds provider.Credentials, ds provider.DataSource) (objectstore.Store, error) {
	return f(ctx, t, creds, ds)
}

type procFixture struct {
	objects *objectstore.MemoryStore
	sink    *MemorySink
	cold    *coldStub
	marks   *cache.MemoryStore
	clock   *testingclock.FakeClock
	p       *Processor
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	f := &procFixture{
		objects: objectstore.NewMemoryStore(),
		sink:    NewMemorySink(),
		cold:    &coldStub{},
		clock:   testingclock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.marks = cache.NewMemoryStoreWithClock(f.clock)
	providers := store.NewMemoryStore(
		store.ProviderRecord{
			TenantID: "org1", ID: "p1", Type: provider.TypeAWS, Active: true,
			DataSource: provider.DataSource{provider.FieldReportPrefix: "cur/"},
		},
		store.ProviderRecord{
			TenantID: "org1", ID: "p2", Type: provider.TypeAWS, Active: true,
			DataSource: provider.DataSource{provider.FieldReportPrefix: "cur/"},
		},
		store.ProviderRecord{TenantID: "org1", ID: "off", Type: provider.TypeAWS},
	)
	f.p = New(providers, objectstore.Static(f.objects), f.marks, f.sink, f.cold, logr.Discard(), Options{})
	return f
}

func ingestTask(providerID string) *queue.Task {
	return &queue.Task{ID: "t-" + providerID, TenantID: "org1", ProviderType: provider.TypeAWS, ProviderID: providerID, Kind: queue.KindIngest}
}

func TestProcessor_PublishesNewObjects(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/2026-03/a.csv.gz", []byte("alpha"))
	f.objects.Put("cur/2026-03/b.csv.gz", []byte("beta"))
	f.objects.Put("other/ignored.csv", []byte("x"))

	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reports := f.sink.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "cur/2026-03/a.csv.gz", reports[0].Key)
	assert.Equal(t, []byte("alpha"), reports[0].Data)
	assert.Equal(t, int64(5), reports[0].Size)
	assert.Equal(t, "org1", reports[0].TenantID)
	assert.Equal(t, "p1", reports[0].ProviderID)
	assert.Equal(t, "t-p1", reports[0].TaskID)
	sum := sha256.Sum256([]byte("alpha"))
	assert.Equal(t, hex.EncodeToString(sum[:]), reports[0].Checksum)
	assert.Empty(t, f.cold.calls)
}

func TestProcessor_SkipsProcessedObjects(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))

	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.sink.Reports(), 1)
}

func TestProcessor_MarksOutliveDailyRefresh(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))
	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)

	f.clock.Step(25 * time.Hour)
	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an unchanged object must not be re-published the next day")

	f.clock.Step(DefaultMarkTTL)
	n, err = f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the mark expires after DefaultMarkTTL")
}

func TestProcessor_ReprocessesModifiedObject(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))
	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)

	f.objects.Put("cur/a.csv", []byte("alpha, restated"))
	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessor_MarksArePerProvider(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))

	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	n, err := f.p.Handle(context.Background(), ingestTask("p2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessor_ArchivedObjectsScheduleRetrieval(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))
	f.objects.PutArchived("cur/old.csv", []byte("old"))

	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"cur/old.csv"}, f.objects.Restores())
	assert.Equal(t, []string{"org1/p1"}, f.cold.calls)
}

func TestProcessor_RetrievalAlreadyScheduled(t *testing.T) {
	f := newProcFixture(t)
	f.objects.PutArchived("cur/old.csv", []byte("old"))
	f.cold.err = provider.DispatchConflict("org1|aws|p1")

	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Len(t, f.cold.calls, 1)
}

func TestProcessor_RetrievalDispatchFailure(t *testing.T) {
	f := newProcFixture(t)
	f.objects.PutArchived("cur/old.csv", []byte("old"))
	f.cold.err = provider.Transient("redis down", nil)

	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	assert.True(t, provider.IsRetryable(err))
}

func TestProcessor_ColdRetrievalTask(t *testing.T) {
	f := newProcFixture(t)
	f.objects.PutArchived("cur/old.csv", []byte("old"))
	task := ingestTask("p1")
	task.Kind = queue.KindColdStorageRetrieval

	_, err := f.p.Handle(context.Background(), task)
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err), "objects still archived should be retried")
	assert.Empty(t, f.objects.Restores())
	assert.Empty(t, f.cold.calls)

	f.objects.CompleteRestore("cur/old.csv")
	n, err := f.p.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// coldListing reports every object in a cold tier, as S3 does for restored
// Glacier objects.
type coldListing struct {
	*objectstore.MemoryStore
}

func (c coldListing) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	objects, err := c.MemoryStore.List(ctx, prefix)
	for i := range objects {
		objects[i].Archived = true
	}
	return objects, err
}

func TestProcessor_ColdRetrievalReadsRestoredObjects(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/restored.csv", []byte("thawed"))
	f.p.opener = objectstore.Static(coldListing{f.objects})
	task := ingestTask("p1")
	task.Kind = queue.KindColdStorageRetrieval

	n, err := f.p.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.sink.Reports(), 1)
	assert.Equal(t, []byte("thawed"), f.sink.Reports()[0].Data)
}

func TestProcessor_ProviderErrors(t *testing.T) {
	f := newProcFixture(t)

	_, err := f.p.Handle(context.Background(), ingestTask("missing"))
	assert.Equal(t, provider.KindInternal, provider.KindOf(err))

	_, err = f.p.Handle(context.Background(), ingestTask("off"))
	assert.Equal(t, provider.KindInternal, provider.KindOf(err))

	task := ingestTask("p1")
	task.ProviderType = provider.TypeGCP
	_, err = f.p.Handle(context.Background(), task)
	assert.Equal(t, provider.KindInternal, provider.KindOf(err))
}

func TestProcessor_OpenErrorClassified(t *testing.T) {
	f := newProcFixture(t)
	f.p.opener = openerFunc(func(context.Context, provider.Type, provider.Credentials, provider.DataSource) (objectstore.Store, error) {
		return nil, provider.AuthenticationFailed(provider.FieldAccessKeyID, "bad key", nil)
	})

	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	assert.Equal(t, provider.KindAuthenticationFailed, provider.KindOf(err))
}

func TestProcessor_SinkFailureIsTransient(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))
	f.sink.FailWith(errors.New("broker unavailable"))

	_, err := f.p.Handle(context.Background(), ingestTask("p1"))
	assert.True(t, provider.IsRetryable(err))

	f.sink.FailWith(nil)
	n, err := f.p.Handle(context.Background(), ingestTask("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unpublished object is not marked")
}

func TestProcessor_CancelledContext(t *testing.T) {
	f := newProcFixture(t)
	f.objects.Put("cur/a.csv", []byte("alpha"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.p.Handle(ctx, ingestTask("p1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.sink.Reports())
}
