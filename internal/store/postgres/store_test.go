//go:build integration

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

package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/altairalabs/costflow/internal/pgutil"
	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

var testConnStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("costflow_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}

// freshStore creates an isolated database with the external provider table
// and the costflow migrations applied.
func freshStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, testConnStr)
	require.NoError(t, err)
	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())
	_, err = admin.Exec(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)
	admin.Close()

	connStr := strings.Replace(testConnStr, "/costflow_test?", "/"+dbName+"?", 1)

	mg, err := NewMigrator(connStr, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	v, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
	require.NoError(t, mg.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE TABLE tenant_providers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT,
		type TEXT NOT NULL,
		credentials JSONB,
		sealed_credentials BYTEA,
		data_source JSONB NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ DEFAULT now(),
		PRIMARY KEY (tenant_id, id))`)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		if admin, err := pgxpool.New(context.Background(), testConnStr); err == nil {
			_, _ = admin.Exec(context.Background(), "DROP DATABASE "+dbName+" WITH (FORCE)")
			admin.Close()
		}
	})

	s, err := NewFromPool(pool, "")
	require.NoError(t, err)
	return s, pool
}

func insertProvider(t *testing.T, pool *pgxpool.Pool, r store.ProviderRecord) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO tenant_providers (tenant_id, id, name, type, credentials, data_source, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.TenantID, r.ID, pgutil.NullString(r.Name), string(r.Type),
		pgutil.MarshalJSONB(r.Credentials), pgutil.MarshalJSONB(r.DataSource), r.Active)
	require.NoError(t, err)
}

func TestStore_GetProviderIsTenantScoped(t *testing.T) {
	s, pool := freshStore(t)
	ctx := context.Background()
	insertProvider(t, pool, store.ProviderRecord{
		TenantID:    "org1",
		ID:          "p1",
		Name:        "prod billing",
		Type:        provider.TypeAWS,
		Credentials: provider.Credentials{provider.FieldRoleARN: "arn:aws:iam::123:role/cost"},
		DataSource:  provider.DataSource{provider.FieldBucket: "cur"},
		Active:      true,
	})

	r, err := s.GetProvider(ctx, "org1", "p1")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeAWS, r.Type)
	assert.Equal(t, "cur", r.DataSource.Get(provider.FieldBucket))
	assert.Equal(t, "arn:aws:iam::123:role/cost", r.Credentials.Get(provider.FieldRoleARN))
	assert.Equal(t, "prod billing", r.Name)

	_, err = s.GetProvider(ctx, "org2", "p1")
	assert.ErrorIs(t, err, store.ErrProviderNotFound)
}

func TestStore_ListActiveProviders(t *testing.T) {
	s, pool := freshStore(t)
	insertProvider(t, pool, store.ProviderRecord{TenantID: "org2", ID: "p1", Type: provider.TypeGCP,
		DataSource: provider.DataSource{provider.FieldBucket: "b"}, Active: true})
	insertProvider(t, pool, store.ProviderRecord{TenantID: "org1", ID: "p9", Type: provider.TypeOCP,
		DataSource: provider.DataSource{provider.FieldClusterID: "c"}, Active: true})
	insertProvider(t, pool, store.ProviderRecord{TenantID: "org1", ID: "p2", Type: provider.TypeOCP,
		DataSource: provider.DataSource{provider.FieldClusterID: "c"}, Active: false})

	got, err := s.ListActiveProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "org1", got[0].TenantID)
	assert.Equal(t, "org2", got[1].TenantID)
}

func TestStore_RecordAndListTaskOutcomes(t *testing.T) {
	s, _ := freshStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.RecordTaskOutcome(ctx, store.TaskOutcome{
		TaskID: "t1", TenantID: "org1", ProviderID: "p1", ProviderType: provider.TypeAWS,
		Kind: "ingest", Status: "failed_terminal", Attempts: 3,
		ErrorKind: provider.KindTransient, Error: "503", CompletedAt: now,
	}))
	require.NoError(t, s.RecordTaskOutcome(ctx, store.TaskOutcome{
		TaskID: "t2", TenantID: "org1", ProviderID: "p1", ProviderType: provider.TypeAWS,
		Kind: "ingest", Status: "succeeded", Attempts: 1, Objects: 4,
		StartedAt: now, CompletedAt: now.Add(time.Minute),
	}))

	all, err := s.ListTaskOutcomes(ctx, store.OutcomeFilter{TenantID: "org1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].TaskID)
	assert.Equal(t, 4, all[0].Objects)

	failed, err := s.ListTaskOutcomes(ctx, store.OutcomeFilter{Status: "failed_terminal", Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, provider.KindTransient, failed[0].ErrorKind)
	assert.True(t, failed[0].StartedAt.IsZero())

	// Redelivered task finishing again keeps the latest outcome.
	require.NoError(t, s.RecordTaskOutcome(ctx, store.TaskOutcome{
		TaskID: "t1", TenantID: "org1", ProviderID: "p1", ProviderType: provider.TypeAWS,
		Kind: "ingest", Status: "succeeded", Attempts: 4, CompletedAt: now.Add(2 * time.Minute),
	}))
	failed, err = s.ListTaskOutcomes(ctx, store.OutcomeFilter{Status: "failed_terminal"})
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMigrator_DownRemovesOutcomeTable(t *testing.T) {
	_, pool := freshStore(t)
	connStr := pool.Config().ConnString()

	mg, err := NewMigrator(connStr, logr.Discard())
	require.NoError(t, err)
	defer func() { _ = mg.Close() }()
	require.NoError(t, mg.Down())

	var exists bool
	err = pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'ingest_task_outcomes')`).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists)
}
