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

package logctx

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/altairalabs/costflow/pkg/logging"
)

func TestWithTenantID(t *testing.T) {
	ctx := WithTenantID(context.Background(), "org1234")

	if got := TenantID(ctx); got != "org1234" {
		t.Errorf("TenantID() = %q, want %q", got, "org1234")
	}
}

func TestWithTaskID(t *testing.T) {
	ctx := WithTaskID(context.Background(), "task-1")

	if got := TaskID(ctx); got != "task-1" {
		t.Errorf("TaskID() = %q, want %q", got, "task-1")
	}
}

func TestExtractLoggingFields_Empty(t *testing.T) {
	fields := ExtractLoggingFields(context.Background())
	if fields != (LoggingFields{}) {
		t.Errorf("expected empty fields, got %+v", fields)
	}
}

func TestWithLoggingContext(t *testing.T) {
	ctx := WithLoggingContext(context.Background(), &LoggingFields{
		TenantID:     "org1234",
		ProviderType: "AWS",
		ProviderID:   "p-1",
		TaskKind:     "ingest",
	})

	fields := ExtractLoggingFields(ctx)
	if fields.TenantID != "org1234" || fields.ProviderType != "AWS" || fields.ProviderID != "p-1" {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if fields.TaskKind != "ingest" {
		t.Errorf("TaskKind = %q", fields.TaskKind)
	}
	if fields.TaskID != "" {
		t.Errorf("TaskID should be empty, got %q", fields.TaskID)
	}
}

func TestWithLoggingContext_Nil(t *testing.T) {
	ctx := context.Background()
	if got := WithLoggingContext(ctx, nil); got != ctx {
		t.Error("expected the same context for nil fields")
	}
}

func TestLogrValues_Order(t *testing.T) {
	ctx := WithStage(context.Background(), "fetch")
	ctx = WithProviderType(ctx, "GCP")
	ctx = WithTenantID(ctx, "org1")

	values := LogrValues(ctx)
	want := []interface{}{"tenant_id", "org1", "provider_type", "GCP", "stage", "fetch"}
	if len(values) != len(want) {
		t.Fatalf("LogrValues() = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values[%d] = %v, want %v", i, values[i], want[i])
		}
	}
}

func TestLoggerWithContext(t *testing.T) {
	log, logs := logging.NewObserved(zapcore.InfoLevel)
	ctx := WithProviderID(WithTenantID(context.Background(), "org1"), "p-9")

	LoggerWithContext(log, ctx).Info("dispatched")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tenant_id"] != "org1" || fields["provider_id"] != "p-9" {
		t.Errorf("unexpected context: %v", fields)
	}
}

func TestLoggerWithContext_NoValues(t *testing.T) {
	log := logr.Discard()
	got := LoggerWithContext(log, context.Background())
	if got != log {
		t.Error("expected the original logger when context has no values")
	}
}
