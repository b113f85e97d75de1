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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (h *recordingHandler) OnProviderCreated(_ context.Context, tenantID, providerID string) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, tenantID+"/"+providerID)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return Outcome{}, err
	}
	return Outcome{}, nil
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func newEventClient(t *testing.T) goredis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runConsumer(t *testing.T, c *EventConsumer) context.CancelFunc {
	t.Helper()
	c.block = 20 * time.Millisecond
	c.retryDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel
}

func TestEventConsumer_HandlesProviderCreated(t *testing.T) {
	client := newEventClient(t)
	h := &recordingHandler{}
	ctx := context.Background()

	require.NoError(t, PublishProviderCreated(ctx, client, "", "org1", "p1"))
	runConsumer(t, NewEventConsumer(client, "", "", "worker-1", h, logr.Discard()))
	require.NoError(t, PublishProviderCreated(ctx, client, "", "org1", "p2"))

	require.Eventually(t, func() bool { return len(h.Calls()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"org1/p1", "org1/p2"}, h.Calls())

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, DefaultEventStream, DefaultConsumerGroup).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEventConsumer_RetriesTransientFailures(t *testing.T) {
	client := newEventClient(t)
	h := &recordingHandler{errs: []error{provider.Transient("validator unavailable", nil)}}

	require.NoError(t, PublishProviderCreated(context.Background(), client, "events", "org1", "p1"))
	runConsumer(t, NewEventConsumer(client, "events", "g", "worker-1", h, logr.Discard()))

	require.Eventually(t, func() bool { return len(h.Calls()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"org1/p1", "org1/p1"}, h.Calls())
}

func TestEventConsumer_DropsFinalFailures(t *testing.T) {
	client := newEventClient(t)
	h := &recordingHandler{errs: []error{store.ErrProviderNotFound}}
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &goredis.XAddArgs{
		Stream: "events", Values: map[string]interface{}{"payload": "not json"},
	}).Err())
	require.NoError(t, PublishProviderCreated(ctx, client, "events", "org1", "gone"))
	require.NoError(t, PublishProviderCreated(ctx, client, "events", "org1", "p1"))
	runConsumer(t, NewEventConsumer(client, "events", "g", "worker-1", h, logr.Discard()))

	require.Eventually(t, func() bool { return len(h.Calls()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"org1/gone", "org1/p1"}, h.Calls())
}

func TestEventConsumer_WithCoordinator(t *testing.T) {
	f := newFixture(t, Options{})
	client := newEventClient(t)
	coord := NewCoordinator(&stubValidator{}, f.d, f.providers, true, logr.Discard())

	require.NoError(t, PublishProviderCreated(context.Background(), client, "", "org1", "p1"))
	runConsumer(t, NewEventConsumer(client, "", "", "worker-1", coord, logr.Discard()))

	require.Eventually(t, func() bool {
		s, err := f.queue.Stats(context.Background())
		return err == nil && s.Ready == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRetryableEventError(t *testing.T) {
	assert.False(t, retryableEventError(store.ErrProviderNotFound))
	assert.False(t, retryableEventError(provider.Internal("bad", nil)))
	assert.True(t, retryableEventError(provider.Transient("later", nil)))
	assert.True(t, retryableEventError(assert.AnError))
}
