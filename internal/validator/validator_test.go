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

package validator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/providers/aws"
	"github.com/altairalabs/costflow/pkg/logging"
	"github.com/altairalabs/costflow/pkg/metrics"
	"github.com/altairalabs/costflow/pkg/provider"
)

// countingContract returns results from fn and counts calls.
type countingContract struct {
	typ   provider.Type
	calls atomic.Int32
	fn    func(ctx context.Context) provider.ValidationResult
}

func (c *countingContract) Identity() provider.Type { return c.typ }

func (c *countingContract) VerifyReachable(ctx context.Context, _ provider.Credentials, _ provider.DataSource) provider.ValidationResult {
	c.calls.Add(1)
	return c.fn(ctx)
}

func okContract(t provider.Type) *countingContract {
	return &countingContract{typ: t, fn: func(context.Context) provider.ValidationResult { return provider.Reachable() }}
}

func transientContract(t provider.Type) *countingContract {
	return &countingContract{typ: t, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.Transient("503 from upstream", nil))
	}}
}

var fastBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1}

func newValidator(t *testing.T, store cache.Store, opts Options, contracts ...provider.Contract) *Validator {
	t.Helper()
	reg, err := provider.NewRegistry(contracts...)
	require.NoError(t, err)
	if opts.Backoff.Duration == 0 {
		opts.Backoff = fastBackoff
	}
	return New(reg, store, logr.Discard(), opts)
}

var gcpSource = provider.DataSource{provider.FieldBucket: "billing-export"}

// bucketContract fails transiently for the listed buckets and counts calls
// per bucket.
type bucketContract struct {
	typ    provider.Type
	failed map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (c *bucketContract) Identity() provider.Type { return c.typ }

func (c *bucketContract) VerifyReachable(_ context.Context, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	bucket := ds[provider.FieldBucket]
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[bucket]++
	c.mu.Unlock()
	if c.failed[bucket] {
		return provider.Unreachable(provider.Transient("503 from upstream", nil))
	}
	return provider.Reachable()
}

func (c *bucketContract) callsFor(bucket string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[bucket]
}

func TestValidate_CachedSuccessSkipsUpstream(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	store := cache.NewMemoryStoreWithClock(clk)
	c := okContract(provider.TypeGCP)
	v := newValidator(t, store, Options{CacheTTL: 60 * time.Second}, c)
	ctx := context.Background()

	res := v.Validate(ctx, "org1", provider.TypeGCP, nil, gcpSource)
	require.True(t, res.OK)

	clk.Step(5 * time.Second)
	res = v.Validate(ctx, "org1", provider.TypeGCP, nil, gcpSource)
	require.True(t, res.OK)
	assert.Equal(t, int32(1), c.calls.Load(), "second call within TTL must be served from cache")

	clk.Step(60 * time.Second)
	res = v.Validate(ctx, "org1", provider.TypeGCP, nil, gcpSource)
	require.True(t, res.OK)
	assert.Equal(t, int32(2), c.calls.Load(), "expired entry must trigger exactly one upstream call")
}

func TestValidate_CacheIsTenantScoped(t *testing.T) {
	c := okContract(provider.TypeGCP)
	v := newValidator(t, cache.NewMemoryStore(), Options{}, c)
	ctx := context.Background()

	v.Validate(ctx, "org1", provider.TypeGCP, nil, gcpSource)
	v.Validate(ctx, "org2", provider.TypeGCP, nil, gcpSource)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestValidate_FailuresNotCached(t *testing.T) {
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.PermissionDenied(provider.FieldBucket, "denied", nil))
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{}, c)
	ctx := context.Background()

	for range 2 {
		res := v.Validate(ctx, "org1", provider.TypeAWS, nil, provider.DataSource{provider.FieldBucket: "b"})
		require.False(t, res.OK)
		assert.Equal(t, provider.KindPermissionDenied, res.Error.Kind)
	}
	assert.Equal(t, int32(2), c.calls.Load(), "non-transient failures are neither retried nor cached")
}

func TestValidate_TransientRetriedUpToRetries(t *testing.T) {
	c := transientContract(provider.TypeAzure)
	v := newValidator(t, cache.NewMemoryStore(), Options{Retries: 3}, c)

	res := v.Validate(context.Background(), "org1", provider.TypeAzure, nil, provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindTransient, res.Error.Kind)
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestValidate_TransientThenSuccess(t *testing.T) {
	var n atomic.Int32
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		if n.Add(1) == 1 {
			return provider.Unreachable(provider.Transient("throttled", nil))
		}
		return provider.Reachable()
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{Retries: 3}, c)

	res := v.Validate(context.Background(), "org1", provider.TypeAWS, nil, provider.DataSource{provider.FieldBucket: "b"})
	assert.True(t, res.OK)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestValidate_TimeoutEvenWhenContractIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		<-release
		return provider.Reachable()
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{
		Timeout: 20 * time.Millisecond,
		Retries: 1,
	}, c)

	start := time.Now()
	res := v.Validate(context.Background(), "org1", provider.TypeAWS, nil, provider.DataSource{provider.FieldBucket: "b"})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindTransient, res.Error.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestValidate_PerTypeTimeoutOverride(t *testing.T) {
	c := &countingContract{typ: provider.TypeGCP, fn: func(ctx context.Context) provider.ValidationResult {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > time.Second {
			return provider.Unreachable(provider.Internal("wrong deadline", nil))
		}
		return provider.Reachable()
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{
		Timeout:  time.Minute,
		Timeouts: map[provider.Type]time.Duration{provider.TypeGCP: 500 * time.Millisecond},
	}, c)

	assert.True(t, v.Validate(context.Background(), "org1", provider.TypeGCP, nil, gcpSource).OK)
}

func TestValidate_PanicBecomesInternal(t *testing.T) {
	c := &countingContract{typ: provider.TypeOCP, fn: func(context.Context) provider.ValidationResult {
		panic("boom")
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{}, c)

	res := v.Validate(context.Background(), "org1", provider.TypeOCP, nil, provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindInternal, res.Error.Kind)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestValidate_UnknownProviderLoggedAtError(t *testing.T) {
	log, logs := logging.NewObserved(zapcore.DebugLevel)
	reg, err := provider.NewRegistry(okContract(provider.TypeAWS))
	require.NoError(t, err)
	v := New(reg, cache.NewMemoryStore(), log, Options{})

	res := v.Validate(context.Background(), "org1", provider.TypeGCP, nil, gcpSource)
	require.False(t, res.OK)
	assert.True(t, errors.Is(res.Error, provider.ErrUnknownProvider))

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "org1", errs[0].ContextMap()["tenant_id"])
}

func TestValidate_CredentialsNeverLogged(t *testing.T) {
	log, logs := logging.NewObserved(zapcore.DebugLevel)
	c := &countingContract{typ: provider.TypeAzure, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.AuthenticationFailed(provider.FieldClientSecret, "bad secret", nil))
	}}
	reg, err := provider.NewRegistry(c)
	require.NoError(t, err)
	v := New(reg, cache.NewMemoryStore(), log, Options{})

	v.Validate(context.Background(), "org1", provider.TypeAzure,
		provider.Credentials{provider.FieldClientSecret: "s3cr3t-value"}, provider.DataSource{})

	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "s3cr3t-value")
		for _, val := range entry.ContextMap() {
			assert.NotEqual(t, "s3cr3t-value", val)
		}
	}
}

func TestValidate_InvalidTenant(t *testing.T) {
	c := okContract(provider.TypeGCP)
	v := newValidator(t, cache.NewMemoryStore(), Options{}, c)

	res := v.Validate(context.Background(), "org:1", provider.TypeGCP, nil, gcpSource)
	require.False(t, res.OK)
	assert.Equal(t, provider.KindInternal, res.Error.Kind)
	assert.Zero(t, c.calls.Load())
}

func TestValidate_BreakerOpensOnTransientFailures(t *testing.T) {
	c := transientContract(provider.TypeAWS)
	v := newValidator(t, cache.NewMemoryStore(), Options{
		Retries: 1,
		Breaker: gobreaker.Settings{
			Timeout: time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		},
	}, c)
	ctx := context.Background()
	ds := provider.DataSource{provider.FieldBucket: "b"}

	v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	require.Equal(t, int32(2), c.calls.Load())

	res := v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	require.False(t, res.OK)
	assert.Equal(t, provider.KindTransient, res.Error.Kind)
	assert.ErrorIs(t, res.Error.Unwrap(), gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), c.calls.Load(), "open breaker must short-circuit the upstream call")
}

func TestValidate_OpenBreakerIsScopedToOneTenantSource(t *testing.T) {
	c := &bucketContract{typ: provider.TypeAWS, failed: map[string]bool{"t1-firewalled": true}}
	v := newValidator(t, cache.NewMemoryStore(), Options{
		Retries: 1,
		Breaker: TripAfter(2, time.Hour),
	}, c)
	ctx := context.Background()
	bad := provider.DataSource{provider.FieldBucket: "t1-firewalled"}
	good := provider.DataSource{provider.FieldBucket: "t2-good"}

	v.Validate(ctx, "t1", provider.TypeAWS, nil, bad)
	v.Validate(ctx, "t1", provider.TypeAWS, nil, bad)
	res := v.Validate(ctx, "t1", provider.TypeAWS, nil, bad)
	require.ErrorIs(t, res.Error.Unwrap(), gobreaker.ErrOpenState, "t1's breaker should be open")

	res = v.Validate(ctx, "t2", provider.TypeAWS, nil, good)
	assert.True(t, res.OK, "another tenant of the same type must not be short-circuited")
	assert.Equal(t, 1, c.callsFor("t2-good"))
	assert.Equal(t, 2, c.callsFor("t1-firewalled"))
}

func TestValidate_SameSourceDifferentTenantHasOwnBreaker(t *testing.T) {
	c := transientContract(provider.TypeAWS)
	v := newValidator(t, cache.NewMemoryStore(), Options{Retries: 1, Breaker: TripAfter(1, time.Hour)}, c)
	ctx := context.Background()
	ds := provider.DataSource{provider.FieldBucket: "shared"}

	v.Validate(ctx, "t1", provider.TypeAWS, nil, ds)
	v.Validate(ctx, "t2", provider.TypeAWS, nil, ds)
	assert.Equal(t, int32(2), c.calls.Load(), "each tenant reaches upstream before its own breaker opens")
}

func TestValidate_RateLimitSpacesUpstreamCalls(t *testing.T) {
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.PermissionDenied(provider.FieldBucket, "denied", nil))
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{RateLimit: rate.Limit(10), RateBurst: 1}, c)
	ctx := context.Background()
	ds := provider.DataSource{provider.FieldBucket: "b"}

	start := time.Now()
	v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	elapsed := time.Since(start)

	assert.Equal(t, int32(2), c.calls.Load())
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "second call should wait for a token")
}

func TestValidate_RateLimitWaitHonoursContext(t *testing.T) {
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.PermissionDenied(provider.FieldBucket, "denied", nil))
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{RateLimit: rate.Limit(0.01), RateBurst: 1, Retries: 1}, c)
	ds := provider.DataSource{provider.FieldBucket: "b"}

	v.Validate(context.Background(), "org1", provider.TypeAWS, nil, ds)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := v.Validate(ctx, "org1", provider.TypeAWS, nil, ds)
	require.False(t, res.OK)
	assert.Equal(t, provider.KindTransient, res.Error.Kind)
	assert.Equal(t, int32(1), c.calls.Load(), "throttled call must not reach upstream")
}

func TestValidate_PermissionDeniedDoesNotTripBreaker(t *testing.T) {
	c := &countingContract{typ: provider.TypeAWS, fn: func(context.Context) provider.ValidationResult {
		return provider.Unreachable(provider.PermissionDenied(provider.FieldBucket, "denied", nil))
	}}
	v := newValidator(t, cache.NewMemoryStore(), Options{
		Breaker: gobreaker.Settings{ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		}},
	}, c)

	for range 3 {
		v.Validate(context.Background(), "org1", provider.TypeAWS, nil, provider.DataSource{provider.FieldBucket: "b"})
	}
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestValidate_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewIngestMetricsWithRegisterer(reg, metrics.IngestMetricsConfig{})
	c := okContract(provider.TypeGCP)
	v := newValidator(t, cache.NewMemoryStore(), Options{Metrics: m}, c)

	v.Validate(context.Background(), "org1", provider.TypeGCP, nil, gcpSource)
	v.Validate(context.Background(), "org1", provider.TypeGCP, nil, gcpSource)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("GCP", metrics.OutcomeOK, metrics.CacheMiss)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("GCP", metrics.OutcomeOK, metrics.CacheHit)))
}

func TestValidate_LocalVariantMissingBucket(t *testing.T) {
	v := newValidator(t, cache.NewMemoryStore(), Options{}, aws.LocalContract{})

	res := v.Validate(context.Background(), "org1", provider.TypeAWSLocal, nil, provider.DataSource{})
	require.False(t, res.OK)
	assert.Equal(t, provider.KindMissingField, res.Error.Kind)
	assert.Equal(t, provider.FieldBucket, res.Error.Field)
}

func TestValidate_ConcurrentCallsAreSafe(t *testing.T) {
	c := okContract(provider.TypeGCP)
	v := newValidator(t, cache.NewMemoryStore(), Options{}, c)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tenant := "org" + string(rune('a'+i%4))
			assert.True(t, v.Validate(context.Background(), tenant, provider.TypeGCP, nil, gcpSource).OK)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.calls.Load(), int32(16))
}
