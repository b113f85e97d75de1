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

package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/IBM/sarama"

	"github.com/altairalabs/costflow/pkg/provider"
)

// Kafka record header names.
const (
	HeaderTenantID     = "tenant_id"
	HeaderProviderID   = "provider_id"
	HeaderProviderType = "provider_type"
	HeaderTaskID       = "task_id"
	HeaderObjectKey    = "object_key"
	HeaderChecksum     = "checksum_sha256"
	HeaderSize         = "size"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	// Compression is "none", "gzip", "snappy", "lz4" or "zstd".
	Compression string `yaml:"compression"`
	// Acks is "0", "1" or "all".
	Acks string `yaml:"acks"`
	// MaxMessageBytes must cover the largest report object.
	MaxMessageBytes int `yaml:"max_message_bytes"`
	// Retries is the producer's own retry budget per message.
	Retries int         `yaml:"retries"`
	SASL    *SASLConfig `yaml:"sasl"`
	TLS     bool        `yaml:"tls"`
}

// SASLConfig holds SASL authentication settings.
type SASLConfig struct {
	// Mechanism defaults to PLAIN.
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// KafkaSink publishes each report object as one Kafka record keyed by
// tenant and provider. Publish returns once the broker acknowledged the
// record.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Publish implements Sink.
func (k *KafkaSink) Publish(_ context.Context, r Report) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrSinkClosed
	}

	_, _, err := k.producer.SendMessage(k.message(r))
	if err == nil {
		return nil
	}
	if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		return provider.Internal(fmt.Sprintf("report %s exceeds the broker message size limit", r.Key), err)
	}
	return provider.Transient("kafka publish failed", err)
}

func (k *KafkaSink) message(r Report) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(r.TenantID + ":" + r.ProviderID),
		Value: sarama.ByteEncoder(r.Data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderTenantID), Value: []byte(r.TenantID)},
			{Key: []byte(HeaderProviderID), Value: []byte(r.ProviderID)},
			{Key: []byte(HeaderProviderType), Value: []byte(r.ProviderType)},
			{Key: []byte(HeaderTaskID), Value: []byte(r.TaskID)},
			{Key: []byte(HeaderObjectKey), Value: []byte(r.Key)},
			{Key: []byte(HeaderChecksum), Value: []byte(r.Checksum)},
			{Key: []byte(HeaderSize), Value: []byte(strconv.FormatInt(r.Size, 10))},
		},
	}
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.producer.Close()
}

func buildSaramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	// SyncProducer requires both.
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	switch cfg.Acks {
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "all", "":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		return nil, fmt.Errorf("unsupported acks value: %s", cfg.Acks)
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
		sc.Version = sarama.V2_1_0_0
	case "none", "":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported compression: %s", cfg.Compression)
	}

	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.Retries > 0 {
		sc.Producer.Retry.Max = cfg.Retries
	}
	if cfg.SASL != nil {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASL.Username
		sc.Net.SASL.Password = cfg.SASL.Password
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		if cfg.SASL.Mechanism != "" {
			sc.Net.SASL.Mechanism = sarama.SASLMechanism(cfg.SASL.Mechanism)
		}
	}
	if cfg.TLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return sc, sc.Validate()
}

var _ Sink = (*KafkaSink)(nil)
