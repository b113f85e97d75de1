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

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

// stubValidator fails providers listed in unreachable and counts calls.
type stubValidator struct {
	mu          sync.Mutex
	calls       int
	unreachable map[string]*provider.Error
}

func (s *stubValidator) Validate(_ context.Context, _ string, _ provider.Type, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.unreachable[ds[provider.FieldBucket]]; ok {
		return provider.Unreachable(err)
	}
	return provider.Reachable()
}

func TestValidateAndDispatch(t *testing.T) {
	f := newFixture(t, Options{})
	v := &stubValidator{}
	c := NewCoordinator(v, f.d, f.providers, true, logr.Discard())
	ctx := context.Background()

	rec, err := f.providers.GetProvider(ctx, "org1", "p1")
	require.NoError(t, err)

	out, err := c.ValidateAndDispatch(ctx, *rec)
	require.NoError(t, err)
	assert.True(t, out.Validation.OK)
	require.NotNil(t, out.Task)
	assert.Equal(t, "p1", out.Task.ProviderID)

	out, err = c.ValidateAndDispatch(ctx, *rec)
	require.NoError(t, err)
	assert.True(t, out.Coalesced)
	assert.Nil(t, out.Task)
	assert.Equal(t, 1, f.ready(t))
}

func TestValidateAndDispatch_UnreachableIsNotDispatched(t *testing.T) {
	f := newFixture(t, Options{})
	v := &stubValidator{unreachable: map[string]*provider.Error{
		"cur": provider.PermissionDenied(provider.FieldBucket, "access denied", nil),
	}}
	c := NewCoordinator(v, f.d, f.providers, true, logr.Discard())
	ctx := context.Background()

	rec, err := f.providers.GetProvider(ctx, "org1", "p1")
	require.NoError(t, err)
	out, err := c.ValidateAndDispatch(ctx, *rec)
	require.NoError(t, err)
	assert.False(t, out.Validation.OK)
	assert.Equal(t, provider.KindPermissionDenied, out.Validation.Error.Kind)
	assert.Nil(t, out.Task)
	assert.Zero(t, f.ready(t))
}

func TestValidateAndDispatch_SkipsInactive(t *testing.T) {
	f := newFixture(t, Options{})
	v := &stubValidator{}
	c := NewCoordinator(v, f.d, f.providers, true, logr.Discard())

	out, err := c.ValidateAndDispatch(context.Background(), store.ProviderRecord{TenantID: "org1", ID: "off"})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, v.calls)
}

func TestOnProviderCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("auto ingest on", func(t *testing.T) {
		f := newFixture(t, Options{})
		c := NewCoordinator(&stubValidator{}, f.d, f.providers, true, logr.Discard())
		out, err := c.OnProviderCreated(ctx, "org1", "p2")
		require.NoError(t, err)
		require.NotNil(t, out.Task)
		assert.Equal(t, provider.TypeGCP, out.Task.ProviderType)
	})

	t.Run("auto ingest off", func(t *testing.T) {
		f := newFixture(t, Options{})
		v := &stubValidator{}
		c := NewCoordinator(v, f.d, f.providers, false, logr.Discard())
		out, err := c.OnProviderCreated(ctx, "org1", "p2")
		require.NoError(t, err)
		assert.True(t, out.Skipped)
		assert.Zero(t, v.calls)
		assert.Zero(t, f.ready(t))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t, Options{})
		c := NewCoordinator(&stubValidator{}, f.d, f.providers, true, logr.Discard())
		_, err := c.OnProviderCreated(ctx, "org2", "p2")
		assert.ErrorIs(t, err, store.ErrProviderNotFound)
	})
}
