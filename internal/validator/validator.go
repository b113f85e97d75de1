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

// Package validator runs provider reachability checks with a per-type
// timeout, rate limit and circuit breaker, and caches successful results
// per tenant.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/altairalabs/costflow/internal/cache"
	"github.com/altairalabs/costflow/internal/tracing"
	"github.com/altairalabs/costflow/pkg/logctx"
	"github.com/altairalabs/costflow/pkg/metrics"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 3
	DefaultCacheTTL = 60 * time.Second
)

var cachedOK = []byte(`{"ok":true}`)

// Options configures a Validator.
type Options struct {
	// Timeout bounds a single upstream call.
	Timeout time.Duration
	// Timeouts overrides Timeout per provider type.
	Timeouts map[provider.Type]time.Duration
	// Retries is the total number of attempts made for transient failures.
	Retries int
	// Backoff is the delay schedule between attempts. Steps is overwritten
	// by Retries.
	Backoff wait.Backoff
	// CacheTTL is how long a success stays cached.
	CacheTTL time.Duration
	// RateLimit caps upstream calls per second for one tenant's data
	// source. Zero disables limiting.
	RateLimit rate.Limit
	// RateBurst is the limiter burst size. Defaults to 1.
	RateBurst int
	// Breaker is the template for the circuit breakers, one per tenant data
	// source. Name and OnStateChange are set by the validator.
	Breaker gobreaker.Settings
	// Metrics records validation outcomes.
	Metrics metrics.ValidationRecorder
	// Tracing creates validation spans.
	Tracing *tracing.Provider
}

// DefaultBackoff is the schedule between transient attempts.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Cap:      5 * time.Second,
}

// TripAfter returns breaker settings that open after the given number of
// consecutive failures and stay open for timeout.
func TripAfter(failures int, timeout time.Duration) gobreaker.Settings {
	return gobreaker.Settings{
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
	}
}

// Validator checks that a provider's data source is reachable.
type Validator struct {
	registry *provider.Registry
	cache    cache.Store
	log      logr.Logger
	opts     Options

	mu       sync.Mutex
	// Keyed by the validation cache key, so one tenant's failing source
	// never throttles or trips another's.
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[provider.ValidationResult]
}

// New creates a Validator. The cache is normally the tiered validation
// cache from cache.Layer.
func New(registry *provider.Registry, store cache.Store, log logr.Logger, opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff.Duration <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOpIngestMetrics{}
	}
	if opts.Tracing == nil {
		opts.Tracing = tracing.Noop()
	}
	return &Validator{
		registry: registry,
		cache:    store,
		log:      log.WithName("validator"),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[provider.ValidationResult]),
	}
}

// Validate reports whether the data source described by creds and ds is
// reachable for tenantID. Successful results are served from cache until
// CacheTTL expires. Failures are never cached.
func (v *Validator) Validate(ctx context.Context, tenantID string, t provider.Type, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	ctx = logctx.WithTenantID(ctx, tenantID)
	ctx = logctx.WithProviderType(ctx, string(t))
	log := logctx.LoggerWithContext(v.log, ctx)

	ctx, span := v.opts.Tracing.StartValidationSpan(ctx, tenantID, string(t))
	defer span.End()

	contract, err := v.registry.Resolve(t)
	if err != nil {
		log.Error(err, "unknown provider type")
		return v.finish(span, t, false, 0, provider.Unreachable(asProviderError(err)))
	}

	key, err := cache.Key(tenantID, t, ds.Hash())
	if err != nil {
		return v.finish(span, t, false, 0, provider.Unreachable(provider.Internal("invalid validation cache key", err)))
	}

	if _, err := v.cache.Get(ctx, key); err == nil {
		log.V(1).Info("validation served from cache")
		return v.finish(span, t, true, 0, provider.Reachable())
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Error(err, "validation cache lookup failed, checking upstream")
	}

	start := time.Now()
	res := v.verifyWithRetry(ctx, log, key, contract, creds, ds)
	elapsed := time.Since(start)

	if res.OK {
		if err := v.cache.Set(ctx, key, cachedOK, v.opts.CacheTTL); err != nil {
			log.Error(err, "failed to cache validation result")
		}
		log.V(1).Info("provider reachable", "duration", elapsed)
	} else {
		log.Info("provider unreachable", "kind", res.Error.Kind, "field", res.Error.Field, "reason", res.Error.Message)
	}
	return v.finish(span, t, false, elapsed, res)
}

// verifyWithRetry retries transient results up to Retries attempts.
func (v *Validator) verifyWithRetry(ctx context.Context, log logr.Logger, key string, contract provider.Contract, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	backoff := v.opts.Backoff
	backoff.Steps = v.opts.Retries

	var last provider.ValidationResult
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		last = v.attempt(ctx, key, contract, creds, ds)
		if last.OK || !provider.IsRetryable(last.Error) {
			return true, nil
		}
		if errors.Is(last.Error.Unwrap(), gobreaker.ErrOpenState) {
			return true, nil
		}
		log.V(1).Info("transient validation failure", "attempt", attempt, "reason", last.Error.Message)
		return false, nil
	})
	if err != nil && !last.OK && last.Error == nil {
		// Context ended before the first attempt.
		return provider.Unreachable(provider.Transient("validation cancelled", err))
	}
	return last
}

// attempt runs one upstream call through the source's limiter and breaker.
func (v *Validator) attempt(ctx context.Context, key string, contract provider.Contract, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	t := contract.Identity()
	if lim := v.limiter(key); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return provider.Unreachable(provider.Transient("rate limit wait aborted", err))
		}
	}

	res, err := v.breaker(key, t).Execute(func() (provider.ValidationResult, error) {
		r := v.call(ctx, contract, creds, ds)
		if !r.OK && provider.IsRetryable(r.Error) {
			return r, r.Error
		}
		return r, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return provider.Unreachable(provider.Transient(fmt.Sprintf("%s upstream circuit open", t), err))
	case err != nil && res.Error == nil:
		return provider.Unreachable(provider.Transient("upstream call failed", err))
	}
	return res
}

// call invokes the contract under the type timeout. The result is taken
// from whichever finishes first, the contract or the deadline, so a
// contract that ignores its context cannot stall the caller.
func (v *Validator) call(ctx context.Context, contract provider.Contract, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	t := contract.Identity()
	timeout := v.timeout(t)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan provider.ValidationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- provider.Unreachable(provider.Internal(fmt.Sprintf("%s contract panicked: %v", t, r), nil))
			}
		}()
		done <- contract.VerifyReachable(ctx, creds, ds)
	}()

	select {
	case res := <-done:
		if !res.OK && res.Error == nil {
			return provider.Unreachable(provider.Internal(fmt.Sprintf("%s check failed without an error", t), nil))
		}
		return res
	case <-ctx.Done():
		return provider.Unreachable(provider.Transient(
			fmt.Sprintf("%s reachability check did not complete within %s", t, timeout), ctx.Err()))
	}
}

func (v *Validator) timeout(t provider.Type) time.Duration {
	if d, ok := v.opts.Timeouts[t]; ok && d > 0 {
		return d
	}
	return v.opts.Timeout
}

func (v *Validator) limiter(key string) *rate.Limiter {
	if v.opts.RateLimit <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	lim, ok := v.limiters[key]
	if !ok {
		lim = rate.NewLimiter(v.opts.RateLimit, v.opts.RateBurst)
		v.limiters[key] = lim
	}
	return lim
}

// breaker returns the circuit breaker for one tenant data source. Metrics
// are labelled by provider type only.
func (v *Validator) breaker(key string, t provider.Type) *gobreaker.CircuitBreaker[provider.ValidationResult] {
	v.mu.Lock()
	defer v.mu.Unlock()
	cb, ok := v.breakers[key]
	if !ok {
		st := v.opts.Breaker
		st.Name = key
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			v.log.Info("circuit breaker state change", "breaker", name, "providerType", string(t), "from", from.String(), "to", to.String())
			v.opts.Metrics.RecordBreakerTransition(string(t), to.String())
		}
		cb = gobreaker.NewCircuitBreaker[provider.ValidationResult](st)
		v.breakers[key] = cb
	}
	return cb
}

func (v *Validator) finish(span trace.Span, t provider.Type, cacheHit bool, elapsed time.Duration, res provider.ValidationResult) provider.ValidationResult {
	outcome := metrics.OutcomeOK
	if !res.OK {
		outcome = string(res.Error.Kind)
		tracing.RecordErrorKind(span, outcome, res.Error)
	} else {
		tracing.SetSuccess(span)
	}
	tracing.AddCacheResult(span, cacheHit)
	v.opts.Metrics.RecordValidation(string(t), outcome, cacheHit, elapsed.Seconds())
	return res
}

func asProviderError(err error) *provider.Error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	return provider.Internal(err.Error(), err)
}
