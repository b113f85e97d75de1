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

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Reader and OutcomeRecorder for tests and
// single-process setups that load providers from a file.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]map[string]ProviderRecord
	outcomes  []TaskOutcome
}

// NewMemoryStore creates a MemoryStore seeded with records.
func NewMemoryStore(records ...ProviderRecord) *MemoryStore {
	m := &MemoryStore{providers: make(map[string]map[string]ProviderRecord)}
	for _, r := range records {
		m.Put(r)
	}
	return m
}

// Put inserts or replaces a record.
func (m *MemoryStore) Put(r ProviderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.providers[r.TenantID]
	if !ok {
		byID = make(map[string]ProviderRecord)
		m.providers[r.TenantID] = byID
	}
	byID[r.ID] = cloneRecord(r)
}

// Delete removes a record.
func (m *MemoryStore) Delete(tenantID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers[tenantID], id)
}

// GetProvider implements Reader.
func (m *MemoryStore) GetProvider(_ context.Context, tenantID, id string) (*ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.providers[tenantID][id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	out := cloneRecord(r)
	return &out, nil
}

// ListActiveProviders implements Reader. Records are ordered by tenant and ID.
func (m *MemoryStore) ListActiveProviders(_ context.Context) ([]ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ProviderRecord
	for _, byID := range m.providers {
		for _, r := range byID {
			if r.Active {
				out = append(out, cloneRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordTaskOutcome implements OutcomeRecorder.
func (m *MemoryStore) RecordTaskOutcome(_ context.Context, o TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

// ListTaskOutcomes returns recorded outcomes matching f, newest first.
func (m *MemoryStore) ListTaskOutcomes(_ context.Context, f OutcomeFilter) ([]TaskOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TaskOutcome
	for _, o := range slices.Backward(m.outcomes) {
		if !f.Matches(o) {
			continue
		}
		out = append(out, o)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func cloneRecord(r ProviderRecord) ProviderRecord {
	r.Credentials = maps.Clone(r.Credentials)
	r.DataSource = maps.Clone(r.DataSource)
	r.SealedCredentials = slices.Clone(r.SealedCredentials)
	return r
}

var (
	_ Reader          = (*MemoryStore)(nil)
	_ OutcomeRecorder = (*MemoryStore)(nil)
)
