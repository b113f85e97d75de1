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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/config"
	"github.com/altairalabs/costflow/internal/dispatch"
	"github.com/altairalabs/costflow/internal/ingest"
	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers"
	"github.com/altairalabs/costflow/internal/queue"
	"github.com/altairalabs/costflow/internal/secrets"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/internal/store/postgres"
	"github.com/altairalabs/costflow/internal/tracing"
	"github.com/altairalabs/costflow/internal/validator"
	"github.com/altairalabs/costflow/internal/worker"
	"github.com/altairalabs/costflow/pkg/metrics"
)

// app holds the wired components and the cleanups that undo them.
type app struct {
	log       logr.Logger
	queue     queue.TaskQueue
	pool      *worker.Pool
	scheduler *dispatch.Scheduler
	sweeper   *dispatch.Scheduler
	events    *dispatch.EventConsumer
	pollEvery time.Duration

	// checks back the readiness probe.
	checks   map[string]func(context.Context) error
	cleanups []func()
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// close runs cleanups in reverse order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// readiness reports the first failing dependency.
func (a *app) readiness(ctx context.Context) error {
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s unavailable: %w", name, err)
		}
	}
	return nil
}

// build wires every component from cfg. On error the partially built app
// is closed.
func build(ctx context.Context, cfg *config.Config, f *flags, log logr.Logger) (_ *app, err error) {
	a := &app{log: log, pollEvery: cfg.PollInterval, checks: map[string]func(context.Context) error{}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Tracing ---
	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}
	a.onClose(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			log.Error(err, "tracing shutdown error")
		}
	})

	// --- Metrics ---
	ingestMetrics := metrics.NewIngestMetrics(metrics.IngestMetricsConfig{Component: "ingest-worker"})
	queueMetrics := queue.NewQueueMetrics(queue.QueueMetricsConfig{Component: "ingest-worker"})
	queueMetrics.Initialize()

	// --- Redis (optional) ---
	redisClient, err := initRedis(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.onClose(func() { _ = redisClient.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// --- Caches and queue ---
	layer := cache.NewLayer(cache.LayerConfig{Redis: redisClient, KeyPrefix: cfg.Redis.KeyPrefix})
	a.onClose(func() { _ = layer.Close() })

	queueOpts := queue.Options{MaxAttempts: cfg.MaxRetries, LeaseTimeout: cfg.LeaseTimeout}
	var base queue.TaskQueue
	if redisClient != nil {
		base = queue.NewRedisQueue(redisClient, queueKeyPrefix(cfg), queueOpts)
	} else {
		base = queue.NewMemoryQueue(queueOpts)
	}
	a.queue = queue.NewInstrumentedQueue(base, queueMetrics)
	a.onClose(func() { _ = a.queue.Close() })

	// --- Provider store ---
	reader, outcomes, err := initStore(ctx, a, cfg, f, log)
	if err != nil {
		return nil, err
	}

	// --- Credential unsealing ---
	unsealer, err := secrets.New(ctx, cfg.Unsealer)
	if err != nil {
		return nil, fmt.Errorf("creating credential unsealer: %w", err)
	}
	a.onClose(func() { _ = unsealer.Close() })
	unsealed := secrets.NewUnsealingReader(reader, unsealer)

	// --- Providers ---
	opener := objectstore.NewFactory(objectstore.FactoryOptions{
		LocalRoot:       cfg.LocalRoot,
		S3Endpoint:      cfg.ObjectStore.S3Endpoint,
		S3UsePathStyle:  cfg.ObjectStore.S3UsePathStyle,
		AzureServiceURL: cfg.ObjectStore.AzureServiceURL,
		GCSEndpoint:     cfg.ObjectStore.GCSEndpoint,
	})
	registry, err := providers.NewDefaultRegistry(providers.Options{Opener: opener})
	if err != nil {
		return nil, fmt.Errorf("building provider registry: %w", err)
	}
	log.V(1).Info("provider registry built", "types", registry.Types())

	v := validator.New(registry, layer.Validation, log, validator.Options{
		Timeout:   cfg.ValidationTimeout,
		Retries:   cfg.ValidationRetries,
		CacheTTL:  cfg.CacheTTL,
		RateLimit: rate.Limit(cfg.ValidationRateLimit),
		RateBurst: cfg.ValidationRateBurst,
		Breaker:   validator.TripAfter(cfg.ValidationBreakerFailures, cfg.ValidationBreakerTimeout),
		Metrics:   ingestMetrics,
		Tracing:   tp,
	})

	// --- Dispatch ---
	d := dispatch.New(a.queue, layer.Dispatch, unsealed, log, dispatch.Options{
		DedupTTL:        cfg.DedupTTL,
		ColdStorageWait: cfg.ColdStorageWait,
		MaxAttempts:     cfg.MaxRetries,
		Metrics:         ingestMetrics,
		Tracing:         tp,
	})
	coord := dispatch.NewCoordinator(v, d, unsealed, cfg.AutoIngest, log)

	a.sweeper, err = dispatch.NewScheduler(cfg.IngestSchedule, coord, unsealed, log)
	if err != nil {
		return nil, err
	}
	if cfg.IngestSchedule != "" {
		a.scheduler = a.sweeper
	}
	if redisClient != nil {
		a.events = dispatch.NewEventConsumer(redisClient, "", "", consumerName(f), coord, log)
	}

	// --- Ingestion ---
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka.brokers is required")
	}
	sink, err := ingest.NewKafkaSink(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = sink.Close() })

	processor := ingest.New(unsealed, opener, layer.Worker, sink, d, log, ingest.Options{MarkTTL: cfg.WorkerCacheTTL})
	a.pool = worker.New(a.queue, processor, layer.Worker, outcomes, d, log, worker.Options{
		Concurrency:        cfg.WorkerConcurrency,
		PrefetchMultiplier: cfg.PrefetchMultiplier,
		PollInterval:       cfg.PollInterval,
		RetryBackoff:       cfg.RetryBackoff,
		RetryBackoffCap:    cfg.RetryBackoffCap,
		Metrics:            ingestMetrics,
		Tracing:            tp,
	})
	return a, nil
}

func initRedis(ctx context.Context, cfg *config.Config, log logr.Logger) (goredis.UniversalClient, error) {
	if len(cfg.Redis.Addrs) == 0 {
		log.Info("no redis configured, caches and queue are process-local")
		return nil, nil
	}
	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if cfg.Tracing.Enabled {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("instrumenting redis client: %w", err)
		}
	}
	log.V(1).Info("redis connected", "addrs", cfg.Redis.Addrs)
	return client, nil
}

// initStore returns the provider reader and the outcome recorder.
func initStore(ctx context.Context, a *app, cfg *config.Config, f *flags, log logr.Logger) (store.Reader, store.OutcomeRecorder, error) {
	if cfg.PostgresConn == "" {
		mem := store.NewMemoryStore()
		if f.providersFile != "" {
			records, err := store.LoadProviderFile(f.providersFile)
			if err != nil {
				return nil, nil, err
			}
			for _, r := range records {
				mem.Put(r)
			}
			log.Info("serving providers from file", "path", f.providersFile, "count", len(records))
		} else {
			log.Info("no postgres configured and no providers file, the provider store is empty")
		}
		return mem, mem, nil
	}

	if err := runMigrations(cfg.PostgresConn, log); err != nil {
		return nil, nil, err
	}
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnString = cfg.PostgresConn
	pg, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	a.onClose(pg.Close)
	a.checks["postgres"] = pg.Ping
	return pg, pg, nil
}

// runMigrations applies the outcome table migrations.
func runMigrations(connStr string, log logr.Logger) error {
	migrator, err := postgres.NewMigrator(connStr, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	log.V(1).Info("migrations complete")
	return nil
}

func queueKeyPrefix(cfg *config.Config) string {
	if cfg.Redis.KeyPrefix == "" {
		return queue.DefaultRedisPrefix
	}
	return cfg.Redis.KeyPrefix + queue.DefaultRedisPrefix
}

func consumerName(f *flags) string {
	if f.consumerName != "" {
		return f.consumerName
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "ingest-worker"
}

// runOnce runs one sweep and executes tasks until nothing is ready or
// running. Delayed cold-storage tasks stay queued.
func (a *app) runOnce(ctx context.Context) error {
	summary, err := a.sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	a.log.Info("sweep finished", "providers", summary.Providers, "dispatched", summary.Dispatched,
		"coalesced", summary.Coalesced, "unreachable", summary.Unreachable, "errors", summary.Errors)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- a.pool.Run(runCtx) }()

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			s, err := a.queue.Stats(ctx)
			if err != nil {
				stop()
				<-done
				return fmt.Errorf("reading queue stats: %w", err)
			}
			if s.Ready == 0 && s.Running == 0 {
				stop()
				return <-done
			}
		}
	}
}
