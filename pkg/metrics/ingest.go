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

// Package metrics holds the Prometheus collectors for provider validation,
// dispatch and task execution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values.
const (
	OutcomeOK = "ok"

	CacheHit  = "hit"
	CacheMiss = "miss"

	DispatchQueued    = "queued"
	DispatchCoalesced = "coalesced"
	DispatchError     = "error"
)

// IngestMetrics holds Prometheus metrics for the ingestion pipeline. Labels
// stay low-cardinality: tenant and provider IDs belong in traces and logs.
type IngestMetrics struct {
	// ValidationsTotal counts reachability checks by provider_type, outcome
	// (ok or an error kind) and cache (hit/miss).
	ValidationsTotal *prometheus.CounterVec

	// ValidationDuration tracks upstream reachability call latency.
	ValidationDuration *prometheus.HistogramVec

	// BreakerTransitions counts circuit breaker state changes by provider
	// type and new state. Breakers are per tenant data source, so a gauge
	// per type would not mean anything.
	BreakerTransitions *prometheus.CounterVec

	// DispatchTotal counts dispatch attempts by provider_type, task kind and outcome.
	DispatchTotal *prometheus.CounterVec

	// TasksTotal counts task executions by provider_type, kind and outcome.
	TasksTotal *prometheus.CounterVec

	// TaskDuration tracks task handler latency.
	TaskDuration *prometheus.HistogramVec

	// TasksInFlight tracks popped-but-unfinished tasks.
	TasksInFlight prometheus.Gauge
}

// IngestMetricsConfig configures the ingest metrics.
type IngestMetricsConfig struct {
	// Component is set as a constant label, e.g. "ingest-worker".
	Component string
	// ValidationBuckets overrides DefaultValidationBuckets.
	ValidationBuckets []float64
	// TaskBuckets overrides DefaultTaskBuckets.
	TaskBuckets []float64
}

// DefaultValidationBuckets covers local checks (sub-millisecond) up to a
// timed-out vendor call.
var DefaultValidationBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// DefaultTaskBuckets covers small OCP uploads up to multi-gigabyte CUR runs.
var DefaultTaskBuckets = []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}

// NewIngestMetrics creates and registers ingest metrics on the default registry.
func NewIngestMetrics(cfg IngestMetricsConfig) *IngestMetrics {
	return NewIngestMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewIngestMetricsWithRegisterer creates ingest metrics registered against
// reg. Use prometheus.NewRegistry() in tests for isolation.
func NewIngestMetricsWithRegisterer(reg prometheus.Registerer, cfg IngestMetricsConfig) *IngestMetrics {
	var labels prometheus.Labels
	if cfg.Component != "" {
		labels = prometheus.Labels{"component": cfg.Component}
	}
	validationBuckets := cfg.ValidationBuckets
	if validationBuckets == nil {
		validationBuckets = DefaultValidationBuckets
	}
	taskBuckets := cfg.TaskBuckets
	if taskBuckets == nil {
		taskBuckets = DefaultTaskBuckets
	}

	factory := promauto.With(reg)
	return &IngestMetrics{
		ValidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_validations_total",
			Help:        "Total reachability checks by provider type, outcome and cache result",
			ConstLabels: labels,
		}, []string{"provider_type", "outcome", "cache"}),

		ValidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "costflow_validation_duration_seconds",
			Help:        "Upstream reachability call duration in seconds",
			ConstLabels: labels,
			Buckets:     validationBuckets,
		}, []string{"provider_type"}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_validation_breaker_transitions_total",
			Help:        "Circuit breaker state changes by provider type and new state",
			ConstLabels: labels,
		}, []string{"provider_type", "state"}),

		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_dispatch_total",
			Help:        "Total dispatch attempts by provider type, task kind and outcome",
			ConstLabels: labels,
		}, []string{"provider_type", "kind", "outcome"}),

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_tasks_total",
			Help:        "Total task executions by provider type, task kind and outcome",
			ConstLabels: labels,
		}, []string{"provider_type", "kind", "outcome"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "costflow_task_duration_seconds",
			Help:        "Task handler duration in seconds",
			ConstLabels: labels,
			Buckets:     taskBuckets,
		}, []string{"provider_type", "kind"}),

		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "costflow_tasks_in_flight",
			Help:        "Tasks popped from the queue and not yet finished",
			ConstLabels: labels,
		}),
	}
}

// RecordValidation implements ValidationRecorder.
func (m *IngestMetrics) RecordValidation(providerType, outcome string, cacheHit bool, durationSec float64) {
	cache := CacheMiss
	if cacheHit {
		cache = CacheHit
	}
	m.ValidationsTotal.WithLabelValues(providerType, outcome, cache).Inc()
	if !cacheHit {
		m.ValidationDuration.WithLabelValues(providerType).Observe(durationSec)
	}
}

// RecordBreakerTransition implements ValidationRecorder.
func (m *IngestMetrics) RecordBreakerTransition(providerType, state string) {
	m.BreakerTransitions.WithLabelValues(providerType, state).Inc()
}

// RecordDispatch implements DispatchRecorder.
func (m *IngestMetrics) RecordDispatch(providerType, kind, outcome string) {
	m.DispatchTotal.WithLabelValues(providerType, kind, outcome).Inc()
}

// RecordTask implements TaskRecorder.
func (m *IngestMetrics) RecordTask(providerType, kind, outcome string, durationSec float64) {
	m.TasksTotal.WithLabelValues(providerType, kind, outcome).Inc()
	m.TaskDuration.WithLabelValues(providerType, kind).Observe(durationSec)
}

// TaskStarted implements TaskRecorder.
func (m *IngestMetrics) TaskStarted() { m.TasksInFlight.Inc() }

// TaskFinished implements TaskRecorder.
func (m *IngestMetrics) TaskFinished() { m.TasksInFlight.Dec() }

// ValidationRecorder records reachability checks.
type ValidationRecorder interface {
	RecordValidation(providerType, outcome string, cacheHit bool, durationSec float64)
	RecordBreakerTransition(providerType, state string)
}

// DispatchRecorder records dispatch attempts.
type DispatchRecorder interface {
	RecordDispatch(providerType, kind, outcome string)
}

// TaskRecorder records task executions.
type TaskRecorder interface {
	RecordTask(providerType, kind, outcome string, durationSec float64)
	TaskStarted()
	TaskFinished()
}

// Ensure implementations satisfy the interfaces.
var (
	_ ValidationRecorder = (*IngestMetrics)(nil)
	_ DispatchRecorder   = (*IngestMetrics)(nil)
	_ TaskRecorder       = (*IngestMetrics)(nil)
	_ ValidationRecorder = NoOpIngestMetrics{}
	_ DispatchRecorder   = NoOpIngestMetrics{}
	_ TaskRecorder       = NoOpIngestMetrics{}
)

// NoOpIngestMetrics is used when metrics are disabled.
type NoOpIngestMetrics struct{}

// RecordValidation does nothing.
func (NoOpIngestMetrics) RecordValidation(string, string, bool, float64) {}

// RecordBreakerTransition does nothing.
func (NoOpIngestMetrics) RecordBreakerTransition(string, string) {}

// RecordDispatch does nothing.
func (NoOpIngestMetrics) RecordDispatch(string, string, string) {}

// RecordTask does nothing.
func (NoOpIngestMetrics) RecordTask(string, string, string, float64) {}

// TaskStarted does nothing.
func (NoOpIngestMetrics) TaskStarted() {}

// TaskFinished does nothing.
func (NoOpIngestMetrics) TaskFinished() {}
