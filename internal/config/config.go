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

// Package config loads the ingest worker configuration from a YAML file
// overlaid by COSTFLOW_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altairalabs/costflow/internal/ingest"
	"github.com/altairalabs/costflow/internal/secrets"
	"github.com/altairalabs/costflow/internal/tracing"
)

// Environment variable names.
const (
	EnvColdStorageWait    = "COSTFLOW_COLD_STORAGE_WAIT"
	EnvCacheTTL           = "COSTFLOW_CACHE_TTL"
	EnvMaxRetries         = "COSTFLOW_MAX_RETRIES"
	EnvWorkerConcurrency  = "COSTFLOW_WORKER_CONCURRENCY"
	EnvPrefetchMultiplier = "COSTFLOW_PREFETCH_MULTIPLIER"
	EnvValidationTimeout  = "COSTFLOW_VALIDATION_TIMEOUT"
	EnvValidationRetries  = "COSTFLOW_VALIDATION_RETRIES"
	EnvRetryBackoff       = "COSTFLOW_RETRY_BACKOFF"
	EnvRetryBackoffCap    = "COSTFLOW_RETRY_BACKOFF_CAP"
	EnvDedupTTL           = "COSTFLOW_DEDUP_TTL"
	EnvWorkerCacheTTL     = "COSTFLOW_WORKER_CACHE_TTL"
	EnvLeaseTimeout       = "COSTFLOW_LEASE_TIMEOUT"
	EnvPollInterval       = "COSTFLOW_POLL_INTERVAL"
	EnvIngestSchedule     = "COSTFLOW_INGEST_SCHEDULE"
	EnvAutoIngest         = "COSTFLOW_AUTO_INGEST"
	EnvRedisAddrs         = "COSTFLOW_REDIS_ADDRS"
	EnvRedisPassword      = "COSTFLOW_REDIS_PASSWORD"
	EnvPostgresConn       = "COSTFLOW_POSTGRES_CONN"
	EnvKafkaBrokers       = "COSTFLOW_KAFKA_BROKERS"
	EnvKafkaTopic         = "COSTFLOW_KAFKA_TOPIC"
	EnvLocalRoot          = "COSTFLOW_LOCAL_ROOT"
	EnvUnsealerKind       = "COSTFLOW_UNSEALER_KIND"
	EnvUnsealerKeyID      = "COSTFLOW_UNSEALER_KEY_ID"
	EnvTracingEnabled     = "COSTFLOW_TRACING_ENABLED"
	EnvTracingEndpoint    = "COSTFLOW_TRACING_ENDPOINT"
	EnvTracingInsecure    = "COSTFLOW_TRACING_INSECURE"
	EnvTracingSampleRate  = "COSTFLOW_TRACING_SAMPLE_RATE"
	EnvMetricsAddr        = "COSTFLOW_METRICS_ADDR"
	EnvHealthAddr         = "COSTFLOW_HEALTH_ADDR"
	EnvLogLevel           = "COSTFLOW_LOG_LEVEL"

	// Upstream protection for reachability checks.
	EnvValidationRateLimit       = "COSTFLOW_VALIDATION_RATE_LIMIT"
	EnvValidationRateBurst       = "COSTFLOW_VALIDATION_RATE_BURST"
	EnvValidationBreakerFailures = "COSTFLOW_VALIDATION_BREAKER_FAILURES"
	EnvValidationBreakerTimeout  = "COSTFLOW_VALIDATION_BREAKER_TIMEOUT"
)

// Validation errors.
var (
	ErrInvalidConcurrency = errors.New("worker_concurrency must be positive")
	ErrInvalidRetries     = errors.New("max_retries must be positive")
	ErrInvalidPrefetch    = errors.New("prefetch_multiplier must not be negative")
	ErrInvalidDuration    = errors.New("duration must be positive")
	ErrMissingKafkaTopic  = errors.New("kafka.topic is required when kafka.brokers is set")
	ErrInvalidRateLimit   = errors.New("validation_rate_limit must not be negative and validation_rate_burst must be positive")
	ErrInvalidBreaker     = errors.New("validation_breaker_failures must be positive")
)

const errFmtInvalidEnv = "invalid %s: %w"

// RedisConfig configures the shared Redis used for caches and the queue.
// An empty Addrs selects process-local caches and an in-memory queue.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// ObjectStoreConfig overrides vendor endpoints, for emulators.
type ObjectStoreConfig struct {
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3UsePathStyle  bool   `yaml:"s3_use_path_style"`
	AzureServiceURL string `yaml:"azure_service_url"`
	GCSEndpoint     string `yaml:"gcs_endpoint"`
}

// Config is the complete ingest worker configuration.
type Config struct {
	ColdStorageWait    time.Duration `yaml:"cold_storage_wait"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	MaxRetries         int           `yaml:"max_retries"`
	WorkerConcurrency  int           `yaml:"worker_concurrency"`
	PrefetchMultiplier int           `yaml:"prefetch_multiplier"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"`
	ValidationRetries  int           `yaml:"validation_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	RetryBackoffCap    time.Duration `yaml:"retry_backoff_cap"`
	DedupTTL           time.Duration `yaml:"dedup_ttl"`
	// Upstream protection, applied per tenant data source. A zero rate
	// limit disables limiting.
	ValidationRateLimit       float64       `yaml:"validation_rate_limit"`
	ValidationRateBurst       int           `yaml:"validation_rate_burst"`
	ValidationBreakerFailures int           `yaml:"validation_breaker_failures"`
	ValidationBreakerTimeout  time.Duration `yaml:"validation_breaker_timeout"`
	// WorkerCacheTTL bounds processed-object marks. An object still in the
	// bucket after its mark expires is published again, so this should
	// outlast the report window the sources keep.
	WorkerCacheTTL time.Duration `yaml:"worker_cache_ttl"`
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// IngestSchedule is a cron expression or descriptor such as "@every 1h".
	// Empty disables periodic sweeps.
	IngestSchedule string `yaml:"ingest_schedule"`
	AutoIngest     bool   `yaml:"auto_ingest"`

	Redis        RedisConfig        `yaml:"redis"`
	PostgresConn string             `yaml:"postgres_conn"`
	Kafka        ingest.KafkaConfig `yaml:"kafka"`
	LocalRoot    string             `yaml:"local_root"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Unsealer     secrets.Config     `yaml:"unsealer"`
	Tracing      tracing.Config     `yaml:"tracing"`

	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ColdStorageWait:           3 * time.Hour,
		CacheTTL:                  60 * time.Second,
		MaxRetries:                3,
		WorkerConcurrency:         1,
		PrefetchMultiplier:        1,
		ValidationTimeout:         10 * time.Second,
		ValidationRetries:         3,
		RetryBackoff:              30 * time.Second,
		RetryBackoffCap:           30 * time.Minute,
		DedupTTL:                  24 * time.Hour,
		ValidationRateLimit:       2,
		ValidationRateBurst:       3,
		ValidationBreakerFailures: 5,
		ValidationBreakerTimeout:  time.Minute,
		WorkerCacheTTL:            90 * 24 * time.Hour,
		LeaseTimeout:              30 * time.Minute,
		PollInterval:              time.Second,
		IngestSchedule:            "@every 1h",
		AutoIngest:                true,
		LocalRoot:                 "/var/lib/costflow/local",
		Unsealer:                  secrets.Config{Kind: secrets.KindPlaintext},
		MetricsAddr:               ":9090",
		HealthAddr:                ":8081",
		LogLevel:                  "info",
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults in place.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvColdStorageWait, &c.ColdStorageWait},
		{EnvCacheTTL, &c.CacheTTL},
		{EnvValidationTimeout, &c.ValidationTimeout},
		{EnvRetryBackoff, &c.RetryBackoff},
		{EnvRetryBackoffCap, &c.RetryBackoffCap},
		{EnvDedupTTL, &c.DedupTTL},
		{EnvWorkerCacheTTL, &c.WorkerCacheTTL},
		{EnvLeaseTimeout, &c.LeaseTimeout},
		{EnvPollInterval, &c.PollInterval},
		{EnvValidationBreakerTimeout, &c.ValidationBreakerTimeout},
	}
	for _, d := range durations {
		v, err := getEnvAsDuration(d.env, *d.dst)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnv, d.env, err)
		}
		*d.dst = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvMaxRetries, &c.MaxRetries},
		{EnvWorkerConcurrency, &c.WorkerConcurrency},
		{EnvPrefetchMultiplier, &c.PrefetchMultiplier},
		{EnvValidationRetries, &c.ValidationRetries},
		{EnvValidationRateBurst, &c.ValidationRateBurst},
		{EnvValidationBreakerFailures, &c.ValidationBreakerFailures},
	}
	for _, i := range ints {
		v, err := getEnvAsInt(i.env, *i.dst)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnv, i.env, err)
		}
		*i.dst = v
	}

	var err error
	if c.AutoIngest, err = getEnvAsBool(EnvAutoIngest, c.AutoIngest); err != nil {
		return fmt.Errorf(errFmtInvalidEnv, EnvAutoIngest, err)
	}
	if c.Tracing.Enabled, err = getEnvAsBool(EnvTracingEnabled, c.Tracing.Enabled); err != nil {
		return fmt.Errorf(errFmtInvalidEnv, EnvTracingEnabled, err)
	}
	if c.Tracing.Insecure, err = getEnvAsBool(EnvTracingInsecure, c.Tracing.Insecure); err != nil {
		return fmt.Errorf(errFmtInvalidEnv, EnvTracingInsecure, err)
	}
	if c.Tracing.SampleRate, err = getEnvAsFloat64(EnvTracingSampleRate, c.Tracing.SampleRate); err != nil {
		return fmt.Errorf(errFmtInvalidEnv, EnvTracingSampleRate, err)
	}
	if c.ValidationRateLimit, err = getEnvAsFloat64(EnvValidationRateLimit, c.ValidationRateLimit); err != nil {
		return fmt.Errorf(errFmtInvalidEnv, EnvValidationRateLimit, err)
	}

	// Schedule may be explicitly emptied.
	if v, ok := os.LookupEnv(EnvIngestSchedule); ok {
		c.IngestSchedule = v
	}
	c.Redis.Addrs = getEnvAsList(EnvRedisAddrs, c.Redis.Addrs)
	c.Redis.Password = getEnvOrDefault(EnvRedisPassword, c.Redis.Password)
	c.PostgresConn = getEnvOrDefault(EnvPostgresConn, c.PostgresConn)
	c.Kafka.Brokers = getEnvAsList(EnvKafkaBrokers, c.Kafka.Brokers)
	c.Kafka.Topic = getEnvOrDefault(EnvKafkaTopic, c.Kafka.Topic)
	c.LocalRoot = getEnvOrDefault(EnvLocalRoot, c.LocalRoot)
	c.Unsealer.Kind = getEnvOrDefault(EnvUnsealerKind, c.Unsealer.Kind)
	c.Unsealer.KeyID = getEnvOrDefault(EnvUnsealerKeyID, c.Unsealer.KeyID)
	c.Tracing.Endpoint = getEnvOrDefault(EnvTracingEndpoint, c.Tracing.Endpoint)
	c.MetricsAddr = getEnvOrDefault(EnvMetricsAddr, c.MetricsAddr)
	c.HealthAddr = getEnvOrDefault(EnvHealthAddr, c.HealthAddr)
	c.LogLevel = getEnvOrDefault(EnvLogLevel, c.LogLevel)
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.MaxRetries <= 0 || c.ValidationRetries <= 0 {
		return ErrInvalidRetries
	}
	if c.PrefetchMultiplier < 0 {
		return ErrInvalidPrefetch
	}
	if c.ValidationRateLimit < 0 || c.ValidationRateBurst <= 0 {
		return ErrInvalidRateLimit
	}
	if c.ValidationBreakerFailures <= 0 {
		return ErrInvalidBreaker
	}
	positive := map[string]time.Duration{
		"cold_storage_wait":          c.ColdStorageWait,
		"cache_ttl":                  c.CacheTTL,
		"validation_timeout":         c.ValidationTimeout,
		"retry_backoff":              c.RetryBackoff,
		"retry_backoff_cap":          c.RetryBackoffCap,
		"dedup_ttl":                  c.DedupTTL,
		"worker_cache_ttl":           c.WorkerCacheTTL,
		"lease_timeout":              c.LeaseTimeout,
		"poll_interval":              c.PollInterval,
		"validation_breaker_timeout": c.ValidationBreakerTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidDuration)
		}
	}
	if c.RetryBackoffCap < c.RetryBackoff {
		return fmt.Errorf("retry_backoff_cap %s is below retry_backoff %s", c.RetryBackoffCap, c.RetryBackoff)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return ErrMissingKafkaTopic
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(valueStr)
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(valueStr)
}

func getEnvAsFloat64(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(valueStr, 64)
}

// getEnvAsList splits a comma-separated value, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
