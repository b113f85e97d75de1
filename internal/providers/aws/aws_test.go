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

package aws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/pkg/provider"
)

func validCreds() provider.Credentials {
	return provider.Credentials{provider.FieldRoleARN: "arn:aws:iam::111111111111:role/CostManagement"}
}

func validSource() provider.DataSource {
	return provider.DataSource{provider.FieldBucket: "cur-bucket", provider.FieldRegion: "us-east-1"}
}

func TestContract_Identity(t *testing.T) {
	assert.Equal(t, provider.TypeAWS, New(nil).Identity())
	assert.Equal(t, provider.TypeAWSLocal, LocalContract{}.Identity())
}

func TestContract_MissingFields(t *testing.T) {
	c := New(objectstore.Static(objectstore.NewMemoryStore()))

	res := c.VerifyReachable(context.Background(), validCreds(), provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindMissingField, res.Error.Kind)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)

	res = c.VerifyReachable(context.Background(), provider.Credentials{}, validSource())
	require.False(t, res.OK)
	assert.Equal(t, provider.FieldRoleARN, res.Error.Field)
}

func TestContract_Reachable(t *testing.T) {
	store := objectstore.NewMemoryStore()
	res := New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
	assert.True(t, res.OK)
	assert.Nil(t, res.Error)
	assert.Equal(t, 1, store.Pings())
}

func TestContract_ClassifiesPingErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  provider.Kind
		wantField string
	}{
		{"signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, provider.KindAuthenticationFailed, provider.FieldRoleARN},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, provider.KindAuthenticationFailed, provider.FieldRoleARN},
		{"s3 access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, provider.KindPermissionDenied, provider.FieldBucket},
		{"forbidden", &smithy.GenericAPIError{Code: "Forbidden"}, provider.KindPermissionDenied, provider.FieldBucket},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, provider.KindPermissionDenied, provider.FieldBucket},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, provider.KindTransient, ""},
		{"deadline", context.DeadlineExceeded, provider.KindTransient, ""},
		{"unrecognized", errors.New("socket closed"), provider.KindTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := objectstore.NewMemoryStore()
			store.SetPingError(fmt.Errorf("s3 head bucket: %w", tt.err))

			res := New(objectstore.Static(store)).VerifyReachable(context.Background(), validCreds(), validSource())
			require.False(t, res.OK)
			assert.Equal(t, tt.wantKind, res.Error.Kind)
			assert.Equal(t, tt.wantField, res.Error.Field)
			assert.ErrorIs(t, res.Error, tt.err, "cause must be kept for logging")
		})
	}
}

func TestClassify_STSAccessDenied(t *testing.T) {
	err := &smithy.OperationError{
		ServiceID:     "STS",
		OperationName: "AssumeRole",
		Err:           &smithy.GenericAPIError{Code: "AccessDenied"},
	}
	pErr := Classify(err)
	require.NotNil(t, pErr)
	assert.Equal(t, provider.KindAuthenticationFailed, pErr.Kind)
	assert.Equal(t, provider.FieldRoleARN, pErr.Field)
}

func TestClassify_HTTPStatusFallback(t *testing.T) {
	respErr := func(status int) error {
		return &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
				Err:      errors.New("http error"),
			},
		}
	}

	assert.Equal(t, provider.KindAuthenticationFailed, Classify(respErr(http.StatusUnauthorized)).Kind)
	assert.Equal(t, provider.KindPermissionDenied, Classify(respErr(http.StatusNotFound)).Kind)
	assert.Equal(t, provider.KindTransient, Classify(respErr(http.StatusServiceUnavailable)).Kind)
	assert.Nil(t, Classify(respErr(http.StatusTeapot)))
}

func TestContract_OpenFailure(t *testing.T) {
	factory := objectstore.NewFactory(objectstore.FactoryOptions{}).With(provider.TypeAWS,
		func(context.Context, provider.Credentials, provider.DataSource) (objectstore.Store, error) {
			return nil, errors.New("invalid role arn")
		})

	res := New(factory).VerifyReachable(context.Background(), validCreds(), validSource())
	require.False(t, res.OK)
	assert.Equal(t, provider.KindAuthenticationFailed, res.Error.Kind)
	assert.Equal(t, provider.FieldRoleARN, res.Error.Field)
}

func TestLocalContract(t *testing.T) {
	res := LocalContract{}.VerifyReachable(context.Background(), nil, provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindMissingField, res.Error.Kind)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)

	res = LocalContract{}.VerifyReachable(context.Background(), nil, provider.DataSource{provider.FieldBucket: "/tmp/local_bucket"})
	assert.True(t, res.OK)
}
