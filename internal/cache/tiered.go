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

package cache

import (
	"context"
	"errors"
	"time"
)

var _ Store = (*Tiered)(nil)

// Tiered reads through a per-process front store to a shared back store.
// The back store is authoritative: writes go to it first and atomic
// operations are decided by it alone.
type Tiered struct {
	front Store
	back  Store
}

// NewTiered creates a Tiered store.
func NewTiered(front, back Store) *Tiered {
	return &Tiered{front: front, back: back}
}

// Get implements Store. A back hit is copied to the front with the back
// entry's remaining TTL when the back store can report it.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := t.front.Get(ctx, key); err == nil {
		return v, nil
	}

	var (
		v   []byte
		ttl time.Duration
		err error
	)
	if ts, ok := t.back.(TTLStore); ok {
		v, ttl, err = ts.GetWithTTL(ctx, key)
	} else {
		v, err = t.back.Get(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		_ = t.front.Set(ctx, key, v, ttl)
	}
	return v, nil
}

// Set implements Store.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.back.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return t.front.Set(ctx, key, value, ttl)
}

// SetNX implements Store. Only the back store decides.
func (t *Tiered) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := t.back.SetNX(ctx, key, value, ttl)
	if err != nil || !ok {
		return ok, err
	}
	return true, t.front.Set(ctx, key, value, ttl)
}

// CompareAndDelete implements Store. Only the back store decides.
func (t *Tiered) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ok, err := t.back.CompareAndDelete(ctx, key, expected)
	if err != nil {
		return false, err
	}
	_ = t.front.Delete(ctx, key)
	return ok, nil
}

// Delete implements Store.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(t.back.Delete(ctx, key), t.front.Delete(ctx, key))
}

// Close implements Store.
func (t *Tiered) Close() error {
	return errors.Join(t.front.Close(), t.back.Close())
}
