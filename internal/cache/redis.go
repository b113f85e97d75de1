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

package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Compile-time interface checks.
var (
	_ Store    = (*RedisStore)(nil)
	_ TTLStore = (*RedisStore)(nil)
)

const defaultRedisMaxRetries = 3

// compareAndDeleteScript deletes KEYS[1] only when it holds ARGV[1].
var compareAndDeleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds connection settings for a Redis-backed store.
type RedisConfig struct {
	// Addrs lists Redis server addresses. A single address creates a standalone
	// client; multiple addresses create a cluster client.
	Addrs []string
	// Password is used for Redis AUTH.
	Password string
	// DB selects the database number. Ignored in cluster mode.
	DB int
	// PoolSize overrides the go-redis default connection pool size.
	PoolSize int
	// MaxRetries is the maximum number of retries for a command. Default: 3.
	MaxRetries int
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

// NewRedisClient creates a UniversalClient from cfg and verifies it with a
// PING. The caller owns the returned client.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultRedisMaxRetries
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  maxRetries,
		DialTimeout: cfg.DialTimeout,
		TLSConfig:   cfg.TLS,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}
	return client, nil
}

// RedisStore implements Store on a shared Redis deployment. All keys are
// written under a fixed prefix so several named caches can share one client.
type RedisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps client. Close is a no-op because the caller retains
// ownership of the client.
func NewRedisStore(client goredis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) key(k string) string {
	return r.keyPrefix + k
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get: %w", err)
	}
	return data, nil
}

// GetWithTTL implements TTLStore. A zero duration means no expiry.
func (r *RedisStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	var (
		get  *goredis.StringCmd
		pttl *goredis.DurationCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		get = pipe.Get(ctx, r.key(key))
		pttl = pipe.PTTL(ctx, r.key(key))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, 0, fmt.Errorf("redis: get with ttl: %w", err)
	}
	data, err := get.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, 0, ErrCacheMiss
		}
		return nil, 0, fmt.Errorf("redis: get with ttl: %w", err)
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return data, ttl, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

// SetNX implements Store with SET NX PX.
func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx: %w", err)
	}
	return ok, nil
}

// CompareAndDelete implements Store with a Lua script so the comparison and
// the delete happen atomically on the server.
func (r *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.key(key)}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("redis: compare and delete: %w", err)
	}
	return n == 1, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

// Close implements Store. The client is owned by the caller.
func (r *RedisStore) Close() error {
	return nil
}
