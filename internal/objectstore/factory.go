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

package objectstore

import (
	"context"
	"fmt"
	"maps"

	"github.com/altairalabs/costflow/pkg/provider"
)

// Directory names under FactoryOptions.LocalRoot.
const (
	localDirAWS   = "aws"
	localDirAzure = "azure"
	localDirGCP   = "gcp"
	localDirOCP   = "ocp"
)

// OpenFunc opens the store described by a provider's credentials and data
// source.
type OpenFunc func(ctx context.Context, creds provider.Credentials, ds provider.DataSource) (Store, error)

// Opener opens a Store for a provider type. Factory is the production
// implementation.
type Opener interface {
	Open(ctx context.Context, t provider.Type, creds provider.Credentials, ds provider.DataSource) (Store, error)
}

// FactoryOptions configures NewFactory.
type FactoryOptions struct {
	// LocalRoot is the directory holding "-local" buckets and OCP uploads.
	LocalRoot string
	// S3Endpoint and S3UsePathStyle target an S3-compatible service.
	S3Endpoint     string
	S3UsePathStyle bool
	// AzureServiceURL replaces the public blob endpoint, e.g. for Azurite.
	AzureServiceURL string
	// GCSEndpoint targets a GCS emulator.
	GCSEndpoint string
}

// Factory maps provider types to store constructors.
type Factory struct {
	openers map[provider.Type]OpenFunc
}

var _ Opener = (*Factory)(nil)

// NewFactory creates a Factory with a constructor for every provider type.
func NewFactory(opts FactoryOptions) *Factory {
	f := &Factory{openers: make(map[provider.Type]OpenFunc, len(provider.ValidTypes))}

	f.openers[provider.TypeAWS] = func(ctx context.Context, creds provider.Credentials, ds provider.DataSource) (Store, error) {
		return NewS3Store(ctx, S3Config{
			Bucket:          ds.Get(provider.FieldBucket),
			Region:          ds.Get(provider.FieldRegion),
			Endpoint:        opts.S3Endpoint,
			UsePathStyle:    opts.S3UsePathStyle,
			RoleARN:         creds.Get(provider.FieldRoleARN),
			ExternalID:      creds.Get(provider.FieldExternalID),
			AccessKeyID:     creds.Get(provider.FieldAccessKeyID),
			SecretAccessKey: creds.Get(provider.FieldSecretKey),
		})
	}
	f.openers[provider.TypeAzure] = func(_ context.Context, creds provider.Credentials, ds provider.DataSource) (Store, error) {
		return NewAzureStore(AzureConfig{
			AccountName:  ds.Get(provider.FieldStorageAccount),
			Container:    ds.Get(provider.FieldContainer),
			ServiceURL:   opts.AzureServiceURL,
			TenantID:     creds.Get(provider.FieldTenantID),
			ClientID:     creds.Get(provider.FieldClientID),
			ClientSecret: creds.Get(provider.FieldClientSecret),
		})
	}
	f.openers[provider.TypeGCP] = func(ctx context.Context, creds provider.Credentials, ds provider.DataSource) (Store, error) {
		var credJSON []byte
		if v := creds.Get(provider.FieldCredentialJSON); v != "" {
			credJSON = []byte(v)
		}
		return NewGCSStore(ctx, GCSConfig{
			Bucket:          ds.Get(provider.FieldBucket),
			ProjectID:       creds.Get(provider.FieldProjectID),
			CredentialsJSON: credJSON,
			Endpoint:        opts.GCSEndpoint,
		})
	}

	local := func(dir string, fields ...string) OpenFunc {
		return func(_ context.Context, _ provider.Credentials, ds provider.DataSource) (Store, error) {
			elems := []string{dir}
			for _, field := range fields {
				v := ds.Get(field)
				if v == "" {
					return nil, fmt.Errorf("%s is required", field)
				}
				elems = append(elems, v)
			}
			return NewLocalStore(opts.LocalRoot, elems...)
		}
	}
	f.openers[provider.TypeAWSLocal] = local(localDirAWS, provider.FieldBucket)
	f.openers[provider.TypeAzureLocal] = local(localDirAzure, provider.FieldStorageAccount, provider.FieldContainer)
	f.openers[provider.TypeGCPLocal] = local(localDirGCP, provider.FieldBucket)
	f.openers[provider.TypeOCP] = local(localDirOCP, provider.FieldClusterID)

	return f
}

// With returns a copy of f using fn for provider type t.
func (f *Factory) With(t provider.Type, fn OpenFunc) *Factory {
	openers := maps.Clone(f.openers)
	openers[t] = fn
	return &Factory{openers: openers}
}

// Open implements Opener.
func (f *Factory) Open(ctx context.Context, t provider.Type, creds provider.Credentials, ds provider.DataSource) (Store, error) {
	fn, ok := f.openers[t]
	if !ok {
		return nil, provider.UnknownProvider(t)
	}
	store, err := fn(ctx, creds, ds)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", t, err)
	}
	return store, nil
}

// Static returns an Opener that always yields store, for tests and for
// single-bucket tools.
func Static(store Store) Opener {
	return staticOpener{store: store}
}

type staticOpener struct {
	store Store
}

func (s staticOpener) Open(context.Context, provider.Type, provider.Credentials, provider.DataSource) (Store, error) {
	return s.store, nil
}
