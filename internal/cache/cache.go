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

// Package cache provides the key-value stores shared by the validator, the
// dispatcher and the worker pool. Every key is scoped to a tenant and a
// provider type so entries can never leak across tenants.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/altairalabs/costflow/pkg/provider"
)

// Sentinel errors.
var (
	// ErrCacheMiss is returned by Get when the key is absent or expired.
	ErrCacheMiss = errors.New("cache: miss")
	// ErrInvalidKey is returned by Key for identifiers that would break the
	// tenant boundary.
	ErrInvalidKey = errors.New("cache: invalid key")
)

// Store is a TTL key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent. It reports whether the value
	// was stored. The check and the write are atomic.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases resources owned by the store.
	Close() error
}

// TTLStore is implemented by stores that can report the remaining lifetime
// of an entry along with its value.
type TTLStore interface {
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// Key builds the tenant-scoped key "{tenant}:{type}:{resource}". Tenant IDs
// and provider types must be non-empty and must not contain ':'.
func Key(tenantID string, t provider.Type, resource string) (string, error) {
	if tenantID == "" || strings.Contains(tenantID, ":") {
		return "", fmt.Errorf("%w: tenant id %q", ErrInvalidKey, tenantID)
	}
	if t == "" || strings.Contains(string(t), ":") {
		return "", fmt.Errorf("%w: provider type %q", ErrInvalidKey, t)
	}
	if resource == "" {
		return "", fmt.Errorf("%w: empty resource", ErrInvalidKey)
	}
	return tenantID + ":" + string(t) + ":" + resource, nil
}
