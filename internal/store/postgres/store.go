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

// Package postgres implements store.Reader over an externally owned
// provider table and store.OutcomeRecorder over the costflow-owned
// ingest_task_outcomes table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altairalabs/costflow/internal/pgutil"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Compile-time interface checks.
var (
	_ store.Reader          = (*Store)(nil)
	_ store.OutcomeRecorder = (*Store)(nil)
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Store reads provider records and writes task outcomes.
type Store struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	providers string
}

// New creates a Store that owns its connection pool. The pool is verified
// with a PING. Close shuts it down.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	table, err := providersTable(cfg.ProvidersTable)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Store{pool: pool, ownsPool: true, providers: table}, nil
}

// NewFromPool wraps an existing pool. Close is a no-op because the caller
// retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool, providersTableName string) (*Store, error) {
	table, err := providersTable(providersTableName)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, providers: table}, nil
}

func providersTable(name string) (string, error) {
	if name == "" {
		return DefaultProvidersTable, nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("postgres: invalid providers table name %q", name)
	}
	return name, nil
}

// Close shuts down the pool when the store owns it.
func (s *Store) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- provider records -------------------------------------------------------

const providerColumns = `tenant_id, id, name, type, credentials, sealed_credentials,
	data_source, active, created_at`

func scanProvider(row pgx.Row) (*store.ProviderRecord, error) {
	var (
		r         store.ProviderRecord
		name      *string
		typ       string
		credsJSON []byte
		dsJSON    []byte
		createdAt *time.Time
	)
	err := row.Scan(&r.TenantID, &r.ID, &name, &typ, &credsJSON, &r.SealedCredentials,
		&dsJSON, &r.Active, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrProviderNotFound
		}
		return nil, fmt.Errorf("postgres: scan provider: %w", err)
	}
	r.Name = pgutil.DerefString(name)
	r.Type = provider.Type(typ)
	r.Credentials = pgutil.UnmarshalJSONB(credsJSON)
	r.DataSource = pgutil.UnmarshalJSONB(dsJSON)
	r.CreatedAt = pgutil.TimeOrZero(createdAt)
	return &r, nil
}

// GetProvider implements store.Reader.
func (s *Store) GetProvider(ctx context.Context, tenantID, id string) (*store.ProviderRecord, error) {
	query := `SELECT ` + providerColumns + ` FROM ` + s.providers + ` WHERE tenant_id = $1 AND id = $2`
	return scanProvider(s.pool.QueryRow(ctx, query, tenantID, id))
}

// ListActiveProviders implements store.Reader.
func (s *Store) ListActiveProviders(ctx context.Context) ([]store.ProviderRecord, error) {
	query := `SELECT ` + providerColumns + ` FROM ` + s.providers +
		` WHERE active ORDER BY tenant_id, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list providers: %w", err)
	}
	defer rows.Close()

	var out []store.ProviderRecord
	for rows.Next() {
		r, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list providers: %w", err)
	}
	return out, nil
}

// --- task outcomes ----------------------------------------------------------

// RecordTaskOutcome implements store.OutcomeRecorder. Recording the same
// task twice keeps the latest outcome, which happens when a redelivered
// task finishes again.
func (s *Store) RecordTaskOutcome(ctx context.Context, o store.TaskOutcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_task_outcomes
			(task_id, tenant_id, provider_id, provider_type, kind, status, attempts,
			 error_kind, error, objects, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			error_kind = EXCLUDED.error_kind,
			error = EXCLUDED.error,
			objects = EXCLUDED.objects,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		o.TaskID, o.TenantID, o.ProviderID, string(o.ProviderType), o.Kind, o.Status, o.Attempts,
		pgutil.NullString(string(o.ErrorKind)), pgutil.NullString(o.Error), o.Objects,
		pgutil.NullTime(o.StartedAt), o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record task outcome: %w", err)
	}
	return nil
}

// ListTaskOutcomes returns outcomes matching f, newest first.
func (s *Store) ListTaskOutcomes(ctx context.Context, f store.OutcomeFilter) ([]store.TaskOutcome, error) {
	var qb pgutil.QueryBuilder
	if f.TenantID != "" {
		qb.Add("tenant_id = $?", f.TenantID)
	}
	if f.ProviderID != "" {
		qb.Add("provider_id = $?", f.ProviderID)
	}
	if f.Status != "" {
		qb.Add("status = $?", f.Status)
	}
	query := `SELECT task_id, tenant_id, provider_id, provider_type, kind, status, attempts,
		error_kind, error, objects, started_at, completed_at
		FROM ingest_task_outcomes WHERE 1=1` + qb.Where() + ` ORDER BY completed_at DESC`
	query = qb.AppendPagination(query, f.Limit, 0)

	rows, err := s.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list task outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.TaskOutcome
	for rows.Next() {
		var (
			o         store.TaskOutcome
			typ       string
			errorKind *string
			errText   *string
			startedAt *time.Time
		)
		if err := rows.Scan(&o.TaskID, &o.TenantID, &o.ProviderID, &typ, &o.Kind, &o.Status,
			&o.Attempts, &errorKind, &errText, &o.Objects, &startedAt, &o.CompletedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan task outcome: %w", err)
		}
		o.ProviderType = provider.Type(typ)
		o.ErrorKind = provider.Kind(pgutil.DerefString(errorKind))
		o.Error = pgutil.DerefString(errText)
		o.StartedAt = pgutil.TimeOrZero(startedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
