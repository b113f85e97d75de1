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

package gcp

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/pkg/provider"
)

// permStore is a memory store that also answers IAM permission tests.
type permStore struct {
	*objectstore.MemoryStore
	granted []string
	err     error
}

func (p *permStore) TestPermissions(context.Context, []string) ([]string, error) {
	return p.granted, p.err
}

func validCreds() provider.Credentials {
	return provider.Credentials{provider.FieldProjectID: "billing-project"}
}

func validSource() provider.DataSource {
	return provider.DataSource{provider.FieldBucket: "billing-export"}
}

func TestContract_MissingBucket(t *testing.T) {
	res := New(objectstore.Static(objectstore.NewMemoryStore())).VerifyReachable(context.Background(), validCreds(), provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindMissingField, res.Error.Kind)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)
	assert.Equal(t, "bucket is a required parameter for GCP.", res.Error.Message)
}

func TestContract_ChecksPermissions(t *testing.T) {
	store := &permStore{MemoryStore: objectstore.NewMemoryStore(), granted: RequiredPermissions}
	res := New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
	assert.True(t, res.OK)

	store.granted = []string{"storage.objects.list"}
	res = New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
	require.False(t, res.OK)
	assert.Equal(t, provider.KindPermissionDenied, res.Error.Kind)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)
	assert.Contains(t, res.Error.Message, "storage.objects.get")

	store.granted = nil
	store.err = &googleapi.Error{Code: http.StatusServiceUnavailable}
	res = New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
	require.False(t, res.OK)
	assert.Equal(t, provider.KindTransient, res.Error.Kind)
}

func TestContract_ClassifiesPingErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind provider.Kind
	}{
		{"bucket missing", storage.ErrBucketNotExist, provider.KindPermissionDenied},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, provider.KindAuthenticationFailed},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, provider.KindPermissionDenied},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, provider.KindTransient},
		{"backend error", &googleapi.Error{Code: http.StatusInternalServerError}, provider.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := objectstore.NewMemoryStore()
			store.SetPingError(fmt.Errorf("gcs bucket attrs: %w", tt.err))

			res := New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
			require.False(t, res.OK)
			assert.Equal(t, tt.wantKind, res.Error.Kind)
		})
	}
}

func TestLocalContract(t *testing.T) {
	res := LocalContract{}.VerifyReachable(context.Background(), nil, provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)
	assert.Equal(t, "bucket is a required parameter for GCP-local.", res.Error.Message)

	res = LocalContract{}.VerifyReachable(context.Background(), nil, validSource())
	assert.True(t, res.OK)
}
