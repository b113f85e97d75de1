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

package azure

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/pkg/provider"
)

func validCreds() provider.Credentials {
	return provider.Credentials{
		provider.FieldTenantID:       "tenant",
		provider.FieldClientID:       "client",
		provider.FieldClientSecret:   "secret",
		provider.FieldSubscriptionID: "sub",
	}
}

func validSource() provider.DataSource {
	return provider.DataSource{
		provider.FieldStorageAccount: "costexports",
		provider.FieldContainer:      "exports",
		provider.FieldResourceGroup:  "rg",
	}
}

func TestContract_MissingFields(t *testing.T) {
	c := New(objectstore.Static(objectstore.NewMemoryStore()))

	creds := validCreds()
	delete(creds, provider.FieldSubscriptionID)
	res := c.VerifyReachable(context.Background(), creds, validSource())
	require.False(t, res.OK)
	assert.Equal(t, provider.KindMissingField, res.Error.Kind)
	assert.Equal(t, provider.FieldSubscriptionID, res.Error.Field)

	res = c.VerifyReachable(context.Background(), validCreds(), provider.DataSource{provider.FieldStorageAccount: "a"})
	require.False(t, res.OK)
	assert.Equal(t, provider.FieldContainer, res.Error.Field)
}

func TestContract_Reachable(t *testing.T) {
	res := New(objectstore.Static(objectstore.NewMemoryStore())).VerifyReachable(context.Background(), validCreds(), validSource())
	assert.True(t, res.OK)
}

func TestContract_ClassifiesPingErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  provider.Kind
		wantField string
	}{
		{"aad rejected", &azidentity.AuthenticationFailedError{}, provider.KindAuthenticationFailed, provider.FieldClientSecret},
		{"401", &azcore.ResponseError{StatusCode: http.StatusUnauthorized}, provider.KindAuthenticationFailed, provider.FieldClientSecret},
		{"permission mismatch", &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationPermissionMismatch"}, provider.KindPermissionDenied, provider.FieldContainer},
		{"container not found", &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ContainerNotFound"}, provider.KindPermissionDenied, provider.FieldContainer},
		{"unknown account", &net.DNSError{Err: "no such host", Name: "nope.blob.core.windows.net", IsNotFound: true}, provider.KindPermissionDenied, provider.FieldStorageAccount},
		{"throttled", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, provider.KindTransient, ""},
		{"server busy", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable, ErrorCode: "ServerBusy"}, provider.KindTransient, ""},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "x", IsTimeout: true}, provider.KindTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := objectstore.NewMemoryStore()
			store.SetPingError(fmt.Errorf("azure container properties: %w", tt.err))

			res := New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
			require.False(t, res.OK)
			assert.Equal(t, tt.wantKind, res.Error.Kind)
			assert.Equal(t, tt.wantField, res.Error.Field)
		})
	}
}

func TestLocalContract(t *testing.T) {
	res := LocalContract{}.VerifyReachable(context.Background(), nil, provider.DataSource{provider.FieldContainer: "c"})
	require.False(t, res.OK)
	assert.Equal(t, provider.FieldStorageAccount, res.Error.Field)

	res = LocalContract{}.VerifyReachable(context.Background(), nil, validSource())
	assert.True(t, res.OK)
}
