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

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/altairalabs/costflow/internal/queue"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/logctx"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Validator is the reachability check the coordinator runs before
// dispatching. *validator.Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, tenantID string, t provider.Type, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult
}

// Outcome describes what ValidateAndDispatch did for one provider.
type Outcome struct {
	// Validation is the reachability result. Nothing is dispatched unless
	// it is OK.
	Validation provider.ValidationResult
	// Task is the queued task, or nil.
	Task *queue.Task
	// Coalesced is set when a task for the pair was already in flight.
	Coalesced bool
	// Skipped is set for inactive providers and when auto ingest is off.
	Skipped bool
}

// Coordinator validates a provider and dispatches ingestion on success.
type Coordinator struct {
	validator  Validator
	dispatcher *Dispatcher
	providers  store.Reader
	autoIngest bool
	log        logr.Logger
}

// NewCoordinator creates a Coordinator. autoIngest controls whether
// OnProviderCreated dispatches.
func NewCoordinator(v Validator, d *Dispatcher, providers store.Reader, autoIngest bool, log logr.Logger) *Coordinator {
	return &Coordinator{
		validator:  v,
		dispatcher: d,
		providers:  providers,
		autoIngest: autoIngest,
		log:        log.WithName("coordinator"),
	}
}

// ValidateAndDispatch validates rec and, when reachable, dispatches an
// ingest task. An in-flight task for the pair is not an error.
func (c *Coordinator) ValidateAndDispatch(ctx context.Context, rec store.ProviderRecord) (Outcome, error) {
	if !rec.Active {
		return Outcome{Skipped: true}, nil
	}
	ctx = logctx.WithTenantID(ctx, rec.TenantID)
	ctx = logctx.WithProviderType(ctx, string(rec.Type))
	ctx = logctx.WithProviderID(ctx, rec.ID)
	log := logctx.LoggerWithContext(c.log, ctx)

	res := c.validator.Validate(ctx, rec.TenantID, rec.Type, rec.Credentials, rec.DataSource)
	out := Outcome{Validation: res}
	if !res.OK {
		log.Info("provider not dispatched, validation failed", "kind", res.Error.Kind, "field", res.Error.Field)
		return out, nil
	}

	task, err := c.dispatcher.DispatchOnValidation(ctx, rec.TenantID, rec.Type, rec.ID)
	if errors.Is(err, provider.ErrDispatchConflict) {
		out.Coalesced = true
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Task = task
	return out, nil
}

// OnProviderCreated handles a newly created provider record. It does
// nothing when auto ingest is disabled.
func (c *Coordinator) OnProviderCreated(ctx context.Context, tenantID, providerID string) (Outcome, error) {
	if !c.autoIngest {
		return Outcome{Skipped: true}, nil
	}
	rec, err := c.providers.GetProvider(ctx, tenantID, providerID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load provider %s: %w", providerID, err)
	}
	return c.ValidateAndDispatch(ctx, *rec)
}
