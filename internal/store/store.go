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

// Package store gives the pipeline read access to tenant provider records
// and records terminal task outcomes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/altairalabs/costflow/pkg/provider"
)

// ErrProviderNotFound is returned when no provider with the given ID exists
// for the tenant.
var ErrProviderNotFound = errors.New("store: provider not found")

// ProviderRecord is a configured cost data source owned by one tenant.
type ProviderRecord struct {
	TenantID    string               `json:"tenantId" yaml:"tenant_id"`
	ID          string               `json:"id" yaml:"id"`
	Name        string               `json:"name,omitempty" yaml:"name"`
	Type        provider.Type        `json:"type" yaml:"type"`
	Credentials provider.Credentials `json:"-" yaml:"credentials"`
	DataSource  provider.DataSource  `json:"dataSource" yaml:"data_source"`
	Active      bool                 `json:"active" yaml:"active"`
	CreatedAt   time.Time            `json:"createdAt,omitempty" yaml:"-"`

	// SealedCredentials holds encrypted credentials. When set, Credentials
	// is empty until an unsealing reader fills it in.
	SealedCredentials []byte `json:"-" yaml:"-"`
}

// Reader reads provider records. Every lookup is tenant scoped.
type Reader interface {
	// GetProvider returns the provider with id owned by tenantID, or
	// ErrProviderNotFound.
	GetProvider(ctx context.Context, tenantID, id string) (*ProviderRecord, error)
	// ListActiveProviders returns active providers across all tenants.
	ListActiveProviders(ctx context.Context) ([]ProviderRecord, error)
}

// TaskOutcome is the terminal result of an ingestion task.
type TaskOutcome struct {
	TaskID       string        `json:"taskId"`
	TenantID     string        `json:"tenantId"`
	ProviderID   string        `json:"providerId"`
	ProviderType provider.Type `json:"providerType"`
	Kind         string        `json:"kind"`
	Status       string        `json:"status"`
	Attempts     int           `json:"attempts"`
	ErrorKind    provider.Kind `json:"errorKind,omitempty"`
	Error        string        `json:"error,omitempty"`
	Objects      int           `json:"objects"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  time.Time     `json:"completedAt"`
}

// OutcomeRecorder persists terminal task outcomes.
type OutcomeRecorder interface {
	RecordTaskOutcome(ctx context.Context, outcome TaskOutcome) error
}

// OutcomeFilter narrows ListTaskOutcomes. Zero fields match everything.
type OutcomeFilter struct {
	TenantID   string
	ProviderID string
	Status     string
	Limit      int
}

// Matches reports whether o satisfies the filter.
func (f OutcomeFilter) Matches(o TaskOutcome) bool {
	return (f.TenantID == "" || f.TenantID == o.TenantID) &&
		(f.ProviderID == "" || f.ProviderID == o.ProviderID) &&
		(f.Status == "" || f.Status == o.Status)
}
