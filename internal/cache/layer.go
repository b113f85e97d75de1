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
	"errors"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

const defaultLayerPrefix = "costflow:"

// Named cache prefixes, appended to LayerConfig.KeyPrefix.
const (
	ValidationPrefix = "validation:"
	DispatchPrefix   = "dispatch:"
	WorkerPrefix     = "worker:"
)

// LayerConfig configures NewLayer.
type LayerConfig struct {
	// Redis is the shared client. When nil every cache is process-local,
	// which is only correct for a single worker process.
	Redis goredis.UniversalClient
	// KeyPrefix namespaces all keys. Default: "costflow:".
	KeyPrefix string
	// Clock drives in-memory expiry. Default: the real clock.
	Clock clock.PassiveClock
}

// Layer holds the named caches used by the pipeline. Each cache is an
// explicit field so no component reaches the others' keys by accident.
// There is no RBAC cache: nothing in the pipeline performs access lookups.
type Layer struct {
	// Validation caches successful reachability checks. Memory front, shared back.
	Validation Store
	// Dispatch holds one-in-flight markers. Shared only, so SetNX is atomic
	// across processes.
	Dispatch Store
	// Worker holds per-pair run locks and processed-object marks. Shared only.
	Worker Store

	closers []Store
}

// NewLayer constructs the named caches from cfg.
func NewLayer(cfg LayerConfig) *Layer {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultLayerPrefix
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	if cfg.Redis == nil {
		l := &Layer{
			Validation: NewMemoryStoreWithClock(clk),
			Dispatch:   NewMemoryStoreWithClock(clk),
			Worker:     NewMemoryStoreWithClock(clk),
		}
		l.closers = []Store{l.Validation, l.Dispatch, l.Worker}
		return l
	}

	l := &Layer{
		Validation: NewTiered(
			NewMemoryStoreWithClock(clk),
			NewRedisStore(cfg.Redis, prefix+ValidationPrefix),
		),
		Dispatch: NewRedisStore(cfg.Redis, prefix+DispatchPrefix),
		Worker:   NewRedisStore(cfg.Redis, prefix+WorkerPrefix),
	}
	l.closers = []Store{l.Validation, l.Dispatch, l.Worker}
	return l
}

// Close tears down every named cache. The Redis client stays open because
// the caller owns it.
func (l *Layer) Close() error {
	var errs []error
	for _, s := range l.closers {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
