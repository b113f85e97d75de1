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

// Package queue provides the durable task broker for ingestion tasks.
// Delivery is at-least-once: a popped task holds a lease, and tasks whose
// lease expires are redelivered by RequeueExpired.
package queue

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"

	"github.com/altairalabs/costflow/pkg/provider"
)

// Sentinel errors.
var (
	ErrQueueEmpty   = errors.New("queue: no task is due")
	ErrQueueClosed  = errors.New("queue: closed")
	ErrTaskNotFound = errors.New("queue: task not found")
	ErrTaskExists   = errors.New("queue: task already exists")
	ErrTaskRunning  = errors.New("queue: task already started")
)

// Kind is the work a task performs.
type Kind string

const (
	// KindIngest lists and publishes new report objects.
	KindIngest Kind = "ingest"
	// KindColdStorageRetrieval retries objects that were restored from an
	// archive tier.
	KindColdStorageRetrieval Kind = "cold_storage_retrieval"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailedTerminal Status = "failed_terminal"
	StatusCancelled      Status = "cancelled"
)

// Task is one unit of ingestion work for a (tenant, provider) pair.
type Task struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	ProviderType provider.Type `json:"providerType"`
	ProviderID   string        `json:"providerId"`
	Kind         Kind          `json:"kind"`

	// ScheduleTime is when the dispatcher accepted the task.
	ScheduleTime time.Time `json:"scheduleTime"`
	// ColdStorageWait is the delay applied to retrieval tasks.
	ColdStorageWait time.Duration `json:"coldStorageWait,omitempty"`
	// NotBefore is the earliest time the task may be popped.
	NotBefore time.Time `json:"notBefore"`
	// DedupKey is the dispatch marker key held while the task is in flight.
	DedupKey string `json:"dedupKey,omitempty"`

	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   provider.Kind `json:"errorKind,omitempty"`
}

// Due reports whether t may be popped at now.
func (t *Task) Due(now time.Time) bool {
	return !t.NotBefore.After(now)
}

// Stats is a point-in-time count of tasks by state.
type Stats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// TaskQueue is the broker interface used by the dispatcher and the worker
// pool. Implementations must be safe for concurrent use.
type TaskQueue interface {
	// Push enqueues a task. Missing ID, status, timestamps and MaxAttempts
	// are filled in.
	Push(ctx context.Context, task *Task) error

	// Pop returns the oldest due task and leases it to the caller. It
	// returns ErrQueueEmpty when no task is due.
	Pop(ctx context.Context) (*Task, error)

	// Ack marks a running task succeeded and removes it.
	Ack(ctx context.Context, id string) error

	// Nack records a retryable failure. The task is requeued after delay
	// while Attempt < MaxAttempts, and failed terminally otherwise. The
	// resulting status is returned.
	Nack(ctx context.Context, id string, cause error, delay time.Duration) (Status, error)

	// Fail marks a running task failed without further retries.
	Fail(ctx context.Context, id string, cause error) error

	// Defer returns a running task to the queue after delay without
	// consuming an attempt.
	Defer(ctx context.Context, id string, delay time.Duration) error

	// Cancel removes a queued task. Running tasks return ErrTaskRunning.
	Cancel(ctx context.Context, id string) (*Task, error)

	// Get returns a copy of a task.
	Get(ctx context.Context, id string) (*Task, error)

	// Stats returns counts by state.
	Stats(ctx context.Context) (Stats, error)

	// RequeueExpired returns tasks whose lease has expired to the queue and
	// reports how many were requeued.
	RequeueExpired(ctx context.Context) (int, error)

	// Close releases resources held by the queue.
	Close() error
}

// Options contains queue configuration.
type Options struct {
	// MaxAttempts is applied to tasks pushed without one.
	MaxAttempts int
	// LeaseTimeout is how long a popped task stays leased before it is
	// eligible for redelivery.
	LeaseTimeout time.Duration
	// Clock is the time source. Default: the real clock.
	Clock clock.PassiveClock
}

// DefaultOptions returns the default queue options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		LeaseTimeout: 30 * time.Minute,
		Clock:        clock.RealClock{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = d.LeaseTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// failureKind is the taxonomy kind recorded for cause.
func failureKind(cause error) provider.Kind {
	if cause == nil {
		return ""
	}
	return provider.KindOf(cause)
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
