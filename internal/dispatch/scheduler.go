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
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/altairalabs/costflow/internal/store"
)

// DefaultSchedule runs ingestion for every active provider hourly.
const DefaultSchedule = "@every 1h"

// Summary counts what one scheduler pass did.
type Summary struct {
	Providers   int
	Dispatched  int
	Coalesced   int
	Unreachable int
	Errors      int
}

// Scheduler periodically runs the coordinator over every active provider
// across all tenants.
type Scheduler struct {
	coord     *Coordinator
	providers store.Reader
	schedule  cron.Schedule
	cron      *cron.Cron
	log       logr.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses spec (standard cron fields or a descriptor such as
// "@every 1h") and returns a stopped Scheduler.
func NewScheduler(spec string, coord *Coordinator, providers store.Reader, log logr.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid ingest schedule %q: %w", spec, err)
	}
	log = log.WithName("scheduler")
	return &Scheduler{
		coord:     coord,
		providers: providers,
		schedule:  sched,
		cron:      cron.New(cron.WithLogger(log), cron.WithChain(cron.SkipIfStillRunning(log))),
		log:       log,
	}, nil
}

// Start begins running passes on the schedule. Passes use a context derived
// from ctx, so cancelling it aborts a pass in progress.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Schedule(s.schedule, cron.FuncJob(s.tick))
	s.cron.Start()
	s.log.Info("scheduler started", "next", s.schedule.Next(time.Now()))
}

// Stop stops scheduling and waits for a running pass to finish or for ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	sum, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error(err, "scheduled pass failed")
		return
	}
	s.log.Info("scheduled pass complete",
		"providers", sum.Providers, "dispatched", sum.Dispatched,
		"coalesced", sum.Coalesced, "unreachable", sum.Unreachable, "errors", sum.Errors)
}

// RunOnce validates and dispatches every active provider once. Errors for
// individual providers are logged and counted, and do not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	recs, err := s.providers.ListActiveProviders(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list active providers: %w", err)
	}
	sum := Summary{Providers: len(recs)}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		out, err := s.coord.ValidateAndDispatch(ctx, rec)
		switch {
		case err != nil:
			sum.Errors++
			s.log.Error(err, "dispatch failed", "tenant", rec.TenantID, "provider", rec.ID)
		case out.Coalesced:
			sum.Coalesced++
		case out.Task != nil:
			sum.Dispatched++
		case !out.Validation.OK:
			sum.Unreachable++
		}
	}
	return sum, nil
}
