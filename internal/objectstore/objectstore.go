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

// Package objectstore provides read access to the buckets and containers
// where cloud vendors deliver billing reports (S3, Azure Blob, GCS) and to
// local directories that stand in for them.
package objectstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrObjectNotFound is returned when a requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectArchived is returned by Get when the object sits in a cold
	// storage tier and must be restored before it can be read.
	ErrObjectArchived = errors.New("object archived in cold storage")
)

// Object describes one report object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	// StorageClass is the vendor's tier name, e.g. "GLACIER" or "Archive".
	StorageClass string
	// Archived is set when the tier requires a restore before reads.
	Archived bool
}

// Store abstracts read-only report access across vendors.
type Store interface {
	// List returns all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Get retrieves the object at key. Returns ErrObjectNotFound if it does
	// not exist and ErrObjectArchived if it must be restored first.
	Get(ctx context.Context, key string) ([]byte, error)

	// Ping performs the cheapest request proving the bucket or container is
	// reachable with the configured credentials.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Restorer is implemented by stores with a cold tier. Restore requests that
// key be copied back to a readable tier; it returns before the copy completes.
type Restorer interface {
	Restore(ctx context.Context, key string) error
}

// PermissionTester is implemented by stores that can ask the vendor which of
// a set of permissions the caller holds on the bucket.
type PermissionTester interface {
	TestPermissions(ctx context.Context, permissions []string) ([]string, error)
}
