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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric status constants.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation name constants.
const (
	OpPush    = "push"
	OpPop     = "pop"
	OpAck     = "ack"
	OpNack    = "nack"
	OpFail    = "fail"
	OpDefer   = "defer"
	OpCancel  = "cancel"
	OpRequeue = "requeue_expired"
)

var allOps = []string{OpPush, OpPop, OpAck, OpNack, OpFail, OpDefer, OpCancel, OpRequeue}

// QueueMetrics holds Prometheus metrics for task queue operations.
type QueueMetrics struct {
	// OperationsTotal tracks total operations by operation and status.
	OperationsTotal *prometheus.CounterVec

	// OperationDuration tracks operation latency.
	OperationDuration *prometheus.HistogramVec

	// TasksPushed tracks tasks accepted by kind.
	TasksPushed *prometheus.CounterVec

	// TaskRetries tracks retry scheduling by kind.
	TaskRetries *prometheus.CounterVec

	// TasksTerminal tracks tasks that ended, by kind and final status.
	TasksTerminal *prometheus.CounterVec

	// TasksRedelivered tracks tasks requeued after their lease expired.
	TasksRedelivered prometheus.Counter
}

// QueueMetricsConfig configures the queue metrics.
type QueueMetricsConfig struct {
	// Component is set as a constant label (optional).
	Component string

	// OperationDurationBuckets for operation duration histogram.
	// If nil, defaults to DefaultOperationDurationBuckets.
	OperationDurationBuckets []float64
}

// DefaultOperationDurationBuckets are the default histogram buckets for queue operation durations.
// Queue operations are typically fast (Redis/memory operations).
var DefaultOperationDurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// NewQueueMetrics creates and registers queue metrics on the default registry.
func NewQueueMetrics(cfg QueueMetricsConfig) *QueueMetrics {
	return NewQueueMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewQueueMetricsWithRegisterer creates queue metrics registered against reg.
func NewQueueMetricsWithRegisterer(reg prometheus.Registerer, cfg QueueMetricsConfig) *QueueMetrics {
	var constLabels prometheus.Labels
	if cfg.Component != "" {
		constLabels = prometheus.Labels{"component": cfg.Component}
	}

	durationBuckets := cfg.OperationDurationBuckets
	if durationBuckets == nil {
		durationBuckets = DefaultOperationDurationBuckets
	}

	factory := promauto.With(reg)
	return &QueueMetrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_queue_operations_total",
			Help:        "Total number of task queue operations",
			ConstLabels: constLabels,
		}, []string{"operation", "status"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "costflow_queue_operation_duration_seconds",
			Help:        "Task queue operation duration in seconds",
			ConstLabels: constLabels,
			Buckets:     durationBuckets,
		}, []string{"operation"}),

		TasksPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_queue_tasks_pushed_total",
			Help:        "Total number of tasks pushed by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		TaskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_queue_retries_total",
			Help:        "Total number of task retries scheduled by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		TasksTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_queue_tasks_terminal_total",
			Help:        "Total number of tasks that reached a terminal status",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),

		TasksRedelivered: factory.NewCounter(prometheus.CounterOpts{
			Name:        "costflow_queue_tasks_redelivered_total",
			Help:        "Total number of tasks requeued after lease expiry",
			ConstLabels: constLabels,
		}),
	}
}

// Initialize pre-registers queue metrics.
// This ensures metrics appear in /metrics output immediately at startup.
func (m *QueueMetrics) Initialize() {
	for _, op := range allOps {
		m.OperationsTotal.WithLabelValues(op, StatusSuccess).Add(0)
		m.OperationsTotal.WithLabelValues(op, StatusError).Add(0)
		m.OperationDuration.WithLabelValues(op)
	}
}

// RecordOperation records metrics for a queue operation.
func (m *QueueMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}

	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordPushed records an accepted task.
func (m *QueueMetrics) RecordPushed(kind Kind) {
	m.TasksPushed.WithLabelValues(string(kind)).Inc()
}

// RecordRetry records a scheduled retry.
func (m *QueueMetrics) RecordRetry(kind Kind) {
	m.TaskRetries.WithLabelValues(string(kind)).Inc()
}

// RecordTerminal records a task reaching a terminal status.
func (m *QueueMetrics) RecordTerminal(kind Kind, status Status) {
	m.TasksTerminal.WithLabelValues(string(kind), string(status)).Inc()
}

// RecordRedelivered records tasks requeued after lease expiry.
func (m *QueueMetrics) RecordRedelivered(count int) {
	m.TasksRedelivered.Add(float64(count))
}

// QueueMetricsRecorder is the interface for recording queue metrics.
// This allows for no-op implementations when metrics are disabled.
type QueueMetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
	RecordPushed(kind Kind)
	RecordRetry(kind Kind)
	RecordTerminal(kind Kind, status Status)
	RecordRedelivered(count int)
}

// NoOpQueueMetrics is a no-op implementation for when metrics are disabled.
type NoOpQueueMetrics struct{}

// RecordOperation does nothing.
func (n *NoOpQueueMetrics) RecordOperation(_ string, _ float64, _ bool) {}

// RecordPushed does nothing.
func (n *NoOpQueueMetrics) RecordPushed(_ Kind) {}

// RecordRetry does nothing.
func (n *NoOpQueueMetrics) RecordRetry(_ Kind) {}

// RecordTerminal does nothing.
func (n *NoOpQueueMetrics) RecordTerminal(_ Kind, _ Status) {}

// RecordRedelivered does nothing.
func (n *NoOpQueueMetrics) RecordRedelivered(_ int) {}

// Ensure implementations satisfy interfaces.
var (
	_ QueueMetricsRecorder = (*QueueMetrics)(nil)
	_ QueueMetricsRecorder = (*NoOpQueueMetrics)(nil)
)
