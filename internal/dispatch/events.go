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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"

	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Provider event stream defaults.
const (
	DefaultEventStream   = "costflow:provider-events"
	DefaultConsumerGroup = "costflow-ingest"

	// EventProviderCreated is published when a tenant adds a provider.
	EventProviderCreated = "provider.created"

	eventStreamMaxLen int64 = 10000
	eventPublishTimeout     = 2 * time.Second
	eventBlockTimeout       = 5 * time.Second
	eventRetryDelay         = 5 * time.Second
)

// ProviderEvent is the payload carried on the provider event stream.
type ProviderEvent struct {
	EventType  string `json:"eventType"`
	TenantID   string `json:"tenantId"`
	ProviderID string `json:"providerId"`
	Timestamp  string `json:"timestamp"`
}

// ProviderCreatedHandler reacts to new providers. *Coordinator satisfies it.
type ProviderCreatedHandler interface {
	OnProviderCreated(ctx context.Context, tenantID, providerID string) (Outcome, error)
}

// PublishProviderCreated appends a provider.created event to stream. The
// caller owns client.
func PublishProviderCreated(ctx context.Context, client goredis.UniversalClient, stream, tenantID, providerID string) error {
	if stream == "" {
		stream = DefaultEventStream
	}
	payload, err := json.Marshal(ProviderEvent{
		EventType:  EventProviderCreated,
		TenantID:   tenantID,
		ProviderID: providerID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, eventPublishTimeout)
	defer cancel()
	return client.XAdd(pubCtx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// EventConsumer reads provider events from a Redis stream through a
// consumer group and hands provider.created events to a handler.
type EventConsumer struct {
	client   goredis.UniversalClient
	stream   string
	group    string
	consumer string
	handler  ProviderCreatedHandler
	log      logr.Logger

	block      time.Duration
	retryDelay time.Duration

	// readID is "0" while this consumer's pending entries are drained and
	// ">" once they are.
	readID string
}

// NewEventConsumer creates an EventConsumer. Empty stream and group select
// the defaults. consumer must be unique per process.
func NewEventConsumer(client goredis.UniversalClient, stream, group, consumer string, handler ProviderCreatedHandler, log logr.Logger) *EventConsumer {
	if stream == "" {
		stream = DefaultEventStream
	}
	if group == "" {
		group = DefaultConsumerGroup
	}
	return &EventConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handler:  handler,
		log:      log.WithName("provider-events"),

		block:      eventBlockTimeout,
		retryDelay: eventRetryDelay,
		readID:     "0",
	}
}

// Run consumes events until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return fmt.Errorf("XGroupCreateMkStream: %w", err)
	}
	c.log.Info("consuming provider events", "stream", c.stream, "group", c.group, "consumer", c.consumer)

	for ctx.Err() == nil {
		streams, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, c.readID},
			Count:    10,
			Block:    c.block,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, goredis.Nil):
			c.readID = ">"
			continue
		case err != nil:
			c.log.Error(err, "XReadGroup failed")
			sleep(ctx, c.retryDelay)
			continue
		}

		delivered := 0
		retry := false
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				if !c.handle(ctx, msg) {
					retry = true
				}
			}
		}
		switch {
		case retry:
			c.readID = "0"
			sleep(ctx, c.retryDelay)
		case c.readID == "0" && delivered == 0:
			c.readID = ">"
		}
	}
	return nil
}

// handle processes one message and reports whether it was acknowledged.
func (c *EventConsumer) handle(ctx context.Context, msg goredis.XMessage) bool {
	event, err := parseProviderEvent(msg)
	if err != nil {
		c.log.Info("skipping malformed provider event", "messageID", msg.ID, "reason", err.Error())
		c.ack(ctx, msg.ID)
		return true
	}
	if event.EventType != EventProviderCreated {
		c.ack(ctx, msg.ID)
		return true
	}

	out, err := c.handler.OnProviderCreated(ctx, event.TenantID, event.ProviderID)
	if err != nil && retryableEventError(err) {
		c.log.Error(err, "provider event not handled, will retry", "messageID", msg.ID,
			"tenantID", event.TenantID, "providerID", event.ProviderID)
		return false
	}
	if err != nil {
		c.log.Info("dropping provider event", "messageID", msg.ID, "reason", err.Error())
	} else {
		c.log.V(1).Info("provider event handled", "tenantID", event.TenantID, "providerID", event.ProviderID,
			"dispatched", out.Task != nil, "coalesced", out.Coalesced, "skipped", out.Skipped)
	}
	c.ack(ctx, msg.ID)
	return true
}

func (c *EventConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.Error(err, "failed to ACK provider event", "messageID", id)
	}
}

// retryableEventError reports whether the event should stay pending.
// Unknown providers and taxonomy errors other than transient ones are final.
func retryableEventError(err error) bool {
	if errors.Is(err, store.ErrProviderNotFound) {
		return false
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind == provider.KindTransient
	}
	return true
}

func parseProviderEvent(msg goredis.XMessage) (ProviderEvent, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return ProviderEvent{}, fmt.Errorf("missing payload field")
	}
	payload, ok := raw.(string)
	if !ok {
		return ProviderEvent{}, fmt.Errorf("payload is not a string")
	}
	var event ProviderEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return ProviderEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.TenantID == "" || event.ProviderID == "" {
		return ProviderEvent{}, fmt.Errorf("event without tenant or provider id")
	}
	return event, nil
}

func isConsumerGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
