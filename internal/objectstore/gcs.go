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
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig contains GCS-specific settings.
type GCSConfig struct {
	// Bucket holding the billing export.
	Bucket string
	// ProjectID is recorded for the bucket's billing project.
	ProjectID string
	// CredentialsJSON contains the service account key JSON (optional, uses
	// ADC if not set).
	CredentialsJSON []byte
	// Endpoint overrides the API endpoint, e.g. for fake-gcs-server. Requests
	// are sent without authentication when set.
	Endpoint string
}

// GCSStore implements Store and PermissionTester using Google Cloud Storage.
// Archive-class objects are directly readable, so it has no Restorer.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

var (
	_ Store            = (*GCSStore)(nil)
	_ PermissionTester = (*GCSStore)(nil)
)

// NewGCSStore creates a GCS-backed Store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(cfg.Bucket)
	if cfg.ProjectID != "" {
		bucket = bucket.UserProject(cfg.ProjectID)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Ping implements Store with a bucket metadata read.
func (g *GCSStore) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket attrs: %w", err)
	}
	return nil
}

// TestPermissions implements PermissionTester.
func (g *GCSStore) TestPermissions(ctx context.Context, permissions []string) ([]string, error) {
	granted, err := g.bucket.IAM().TestPermissions(ctx, permissions)
	if err != nil {
		return nil, fmt.Errorf("gcs test permissions: %w", err)
	}
	return granted, nil
}

// List implements Store.
func (g *GCSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		objects = append(objects, Object{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			StorageClass: attrs.StorageClass,
		})
	}
	return objects, nil
}

// Get implements Store.
func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("gcs get: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read body: %w", err)
	}
	return data, nil
}

// Close implements Store.
func (g *GCSStore) Close() error {
	return g.client.Close()
}
