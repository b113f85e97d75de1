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

// Package logctx carries tenant and task identifiers on a context.Context so
// every log line emitted while handling a provider includes them.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyTenantID identifies the tenant owning the provider.
	ContextKeyTenantID contextKey = "tenant_id"

	// ContextKeyProviderType identifies the provider type, e.g. "AWS".
	ContextKeyProviderType contextKey = "provider_type"

	// ContextKeyProviderID identifies the provider record.
	ContextKeyProviderID contextKey = "provider_id"

	// ContextKeyTaskID identifies the ingestion task.
	ContextKeyTaskID contextKey = "task_id"

	// ContextKeyTaskKind is "ingest" or "cold_storage_retrieval".
	ContextKeyTaskKind contextKey = "task_kind"

	// ContextKeyStage identifies the processing stage.
	ContextKeyStage contextKey = "stage"
)

// allContextKeys lists the keys extracted for logging, in output order.
var allContextKeys = []contextKey{
	ContextKeyTenantID,
	ContextKeyProviderType,
	ContextKeyProviderID,
	ContextKeyTaskID,
	ContextKeyTaskKind,
	ContextKeyStage,
}

// WithTenantID returns a new context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ContextKeyTenantID, tenantID)
}

// WithProviderType returns a new context with the provider type set.
func WithProviderType(ctx context.Context, providerType string) context.Context {
	return context.WithValue(ctx, ContextKeyProviderType, providerType)
}

// WithProviderID returns a new context with the provider ID set.
func WithProviderID(ctx context.Context, providerID string) context.Context {
	return context.WithValue(ctx, ContextKeyProviderID, providerID)
}

// WithTaskID returns a new context with the task ID set.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// WithTaskKind returns a new context with the task kind set.
func WithTaskKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskKind, kind)
}

// WithStage returns a new context with the processing stage set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ContextKeyStage, stage)
}

// LoggingFields holds all standard logging context fields.
type LoggingFields struct {
	TenantID     string
	ProviderType string
	ProviderID   string
	TaskID       string
	TaskKind     string
	Stage        string
}

// WithLoggingContext sets multiple logging fields at once. Empty values are
// skipped.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	set := func(key contextKey, v string) {
		if v != "" {
			ctx = context.WithValue(ctx, key, v)
		}
	}
	set(ContextKeyTenantID, fields.TenantID)
	set(ContextKeyProviderType, fields.ProviderType)
	set(ContextKeyProviderID, fields.ProviderID)
	set(ContextKeyTaskID, fields.TaskID)
	set(ContextKeyTaskKind, fields.TaskKind)
	set(ContextKeyStage, fields.Stage)
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	return LoggingFields{
		TenantID:     stringValue(ctx, ContextKeyTenantID),
		ProviderType: stringValue(ctx, ContextKeyProviderType),
		ProviderID:   stringValue(ctx, ContextKeyProviderID),
		TaskID:       stringValue(ctx, ContextKeyTaskID),
		TaskKind:     stringValue(ctx, ContextKeyTaskKind),
		Stage:        stringValue(ctx, ContextKeyStage),
	}
}

// LogrValues returns the non-empty context values as key-value pairs for
// logr.Logger.WithValues.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if s := stringValue(ctx, key); s != "" {
			values = append(values, string(key), s)
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// TenantID extracts the tenant ID from the context.
func TenantID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyTenantID)
}

// TaskID extracts the task ID from the context.
func TaskID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyTaskID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
