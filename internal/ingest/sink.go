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

package ingest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/altairalabs/costflow/pkg/provider"
)

// ErrSinkClosed is returned by Publish after Close.
var ErrSinkClosed = errors.New("ingest: sink is closed")

// Report is one fetched report object on its way downstream.
type Report struct {
	TaskID       string
	TenantID     string
	ProviderID   string
	ProviderType provider.Type
	Key          string
	Size         int64
	LastModified time.Time
	// Checksum is the hex SHA-256 of Data.
	Checksum string
	Data     []byte
}

// Sink receives fetched report objects. Publish must return a
// TransientUpstreamError for failures worth retrying.
type Sink interface {
	Publish(ctx context.Context, report Report) error
	Close() error
}

// MemorySink collects reports in memory, for tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	reports []Report
	err     error
	closed  bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent Publish calls return err. Nil clears it.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.err != nil {
		return s.err
	}
	r.Data = slices.Clone(r.Data)
	s.reports = append(s.reports, r)
	return nil
}

// Reports returns the published reports in order.
func (s *MemorySink) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports)
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Sink = (*MemorySink)(nil)
