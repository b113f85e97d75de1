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

// Command ingest-worker validates configured cost data sources, dispatches
// ingestion tasks and executes them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"golang.org/x/sync/errgroup"

	"github.com/altairalabs/costflow/internal/config"
	"github.com/altairalabs/costflow/pkg/logging"
)

// flags groups all CLI flags for the ingest-worker binary. Non-empty values
// override the config file and its environment overlay.
type flags struct {
	configPath    string
	providersFile string
	metricsAddr   string
	healthAddr    string
	logLevel      string
	redisAddrs    string
	postgresConn  string
	consumerName  string
	concurrency   int
	runOnce       bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&f.providersFile, "providers-file", "", "YAML provider definitions served from memory when no postgres is configured")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Metrics server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", "", "Health probe listen address")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.redisAddrs, "redis-addrs", "", "Redis addresses (comma-separated)")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres connection string")
	flag.StringVar(&f.consumerName, "consumer-name", "", "Provider event consumer name (default: hostname)")
	flag.IntVar(&f.concurrency, "concurrency", 0, "Worker concurrency")
	flag.BoolVar(&f.runOnce, "run-once", false, "Run one validate-and-dispatch sweep, drain the queue and exit")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.configPath, "", "COSTFLOW_CONFIG")
	envFallback(&f.providersFile, "", "COSTFLOW_PROVIDERS_FILE")
	envFallback(&f.consumerName, "", "COSTFLOW_CONSUMER_NAME")
	envBoolFallback(&f.runOnce, "COSTFLOW_RUN_ONCE")
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

// envBoolFallback enables a boolean flag from an environment variable when the
// flag is still false and the env var is "true".
func envBoolFallback(dst *bool, envKey string) {
	if !*dst && os.Getenv(envKey) == "true" {
		*dst = true
	}
}

// apply copies explicitly set flags over cfg.
func (f *flags) apply(cfg *config.Config) {
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.healthAddr != "" {
		cfg.HealthAddr = f.healthAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.redisAddrs != "" {
		cfg.Redis.Addrs = strings.Split(f.redisAddrs, ",")
	}
	if f.postgresConn != "" {
		cfg.PostgresConn = f.postgresConn
	}
	if f.concurrency > 0 {
		cfg.WorkerConcurrency = f.concurrency
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Config ---
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// --- Logger ---
	zapLog, err := logging.NewZapLoggerForLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)
	// Libraries that log through slog or the sarama package logger share the core.
	slog.SetDefault(logging.SlogFromZap(zapLog))
	sarama.Logger = logging.StdFromZap(zapLog, "kafka")

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Components ---
	app, err := build(ctx, cfg, f, log)
	if err != nil {
		return err
	}
	defer app.close()

	if f.runOnce {
		return app.runOnce(ctx)
	}

	// --- Servers ---
	healthSrv := newHealthServer(cfg.HealthAddr, app.readiness)
	metricsSrv := newMetricsServer(cfg.MetricsAddr)
	startHTTPServer(log, "health", cfg.HealthAddr, healthSrv)
	startHTTPServer(log, "metrics", cfg.MetricsAddr, metricsSrv)

	if app.scheduler != nil {
		app.scheduler.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.pool.Run(gctx) })
	if app.events != nil {
		g.Go(func() error { return app.events.Run(gctx) })
	}

	log.Info("ingest-worker ready",
		"health", cfg.HealthAddr,
		"metrics", cfg.MetricsAddr,
		"concurrency", cfg.WorkerConcurrency,
		"capacity", app.pool.Capacity(),
		"schedule", cfg.IngestSchedule,
		"autoIngest", cfg.AutoIngest,
	)

	// --- Wait for shutdown ---
	runErr := g.Wait()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if app.scheduler != nil {
		if err := app.scheduler.Stop(shutCtx); err != nil {
			log.Error(err, "scheduler stop error")
		}
	}
	shutdownServers(shutCtx, log, healthSrv, metricsSrv)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

// shutdownServers gracefully stops the HTTP servers.
func shutdownServers(ctx context.Context, log logr.Logger, servers ...*http.Server) {
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err, "server shutdown error", "addr", srv.Addr)
		}
	}
}
