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

// Command source-check validates provider definitions and prints one JSON
// result per provider. It exits 1 when any provider is unreachable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/config"
	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers"
	"github.com/altairalabs/costflow/internal/secrets"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/internal/validator"
	"github.com/altairalabs/costflow/pkg/logging"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Exit codes.
const (
	exitOK          = 0
	exitUnreachable = 1
	exitUsage       = 2
)

// result is one line of output.
type result struct {
	TenantID   string          `json:"tenantId"`
	ProviderID string          `json:"providerId"`
	Type       provider.Type   `json:"type"`
	OK         bool            `json:"ok"`
	Error      *provider.Error `json:"error,omitempty"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("source-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the ingest-worker YAML configuration (unsealer, local root, timeouts)")
	logLevel := fs.String("log-level", "error", "Log level")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: source-check [-config file] providers.yaml...")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	log, syncLog, err := logging.NewLoggerForLevel(*logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: creating logger: %v\n", err)
		return exitUsage
	}
	defer syncLog()

	var records []store.ProviderRecord
	for _, path := range fs.Args() {
		recs, err := store.LoadProviderFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return exitUsage
		}
		records = append(records, recs...)
	}

	results, err := check(ctx, cfg, records, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	enc := json.NewEncoder(stdout)
	code := exitOK
	for _, r := range results {
		if !r.OK {
			code = exitUnreachable
		}
		if err := enc.Encode(r); err != nil {
			_, _ = fmt.Fprintf(stderr, "error: writing result: %v\n", err)
			return exitUsage
		}
	}
	return code
}

// check validates every record in order. Credentials that fail to unseal
// are reported against the credentials field.
func check(ctx context.Context, cfg *config.Config, records []store.ProviderRecord, log logr.Logger) ([]result, error) {
	unsealer, err := secrets.New(ctx, cfg.Unsealer)
	if err != nil {
		return nil, fmt.Errorf("creating credential unsealer: %w", err)
	}
	defer func() { _ = unsealer.Close() }()

	mem := store.NewMemoryStore(records...)
	reader := secrets.NewUnsealingReader(mem, unsealer)

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
	v := validator.New(registry, cache.NewMemoryStore(), log, validator.Options{
		Timeout: cfg.ValidationTimeout,
		Retries: cfg.ValidationRetries,
	})

	out := make([]result, 0, len(records))
	for _, r := range records {
		res := result{TenantID: r.TenantID, ProviderID: r.ID, Type: r.Type}
		rec, err := reader.GetProvider(ctx, r.TenantID, r.ID)
		if err != nil {
			res.Error = unsealError(err)
			out = append(out, res)
			continue
		}
		vr := v.Validate(ctx, rec.TenantID, rec.Type, rec.Credentials, rec.DataSource)
		res.OK, res.Error = vr.OK, vr.Error
		out = append(out, res)
	}
	return out, nil
}

func unsealError(err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	return provider.AuthenticationFailed("credentials", "credentials could not be unsealed", err)
}
