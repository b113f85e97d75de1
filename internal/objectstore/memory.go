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
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryArchiveClass = "ARCHIVE"

type memoryObject struct {
	data     []byte
	modified time.Time
	archived bool
}

// MemoryStore is an in-memory Store and Restorer for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]memoryObject
	restores []string
	pingErr  error
	pings    int
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Restorer = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put stores a readable object.
func (m *MemoryStore) Put(key string, data []byte) {
	m.put(key, data, false)
}

// PutArchived stores an object in the simulated cold tier.
func (m *MemoryStore) PutArchived(key string, data []byte) {
	m.put(key, data, true)
}

func (m *MemoryStore) put(key string, data []byte, archived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: bytes.Clone(data), modified: time.Now(), archived: archived}
}

// SetPingError makes subsequent Ping calls return err.
func (m *MemoryStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// CompleteRestore moves an archived object back to the readable tier.
func (m *MemoryStore) CompleteRestore(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.archived = false
		m.objects[key] = obj
	}
}

// Restores returns the keys passed to Restore, in call order.
func (m *MemoryStore) Restores() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.restores...)
}

// Pings returns the number of Ping calls.
func (m *MemoryStore) Pings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pings
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []Object
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		o := Object{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified, Archived: obj.archived}
		if obj.archived {
			o.StorageClass = memoryArchiveClass
		}
		objects = append(objects, o)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	if obj.archived {
		return nil, ErrObjectArchived
	}
	return bytes.Clone(obj.data), nil
}

// Restore implements Restorer. It records the request; CompleteRestore
// finishes it.
func (m *MemoryStore) Restore(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrObjectNotFound
	}
	m.restores = append(m.restores, key)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
