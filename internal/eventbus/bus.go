// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package eventbus fans committed attendance events out to subscribers.
//
// Two transports share one interface: an in-process Watermill GoChannel
// for single-instance deployments, and NATS JetStream when nats.enabled
// is set. The transport is a runtime choice, not a build flavor.
package eventbus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/models"
)

// Bus publishes committed events and hands out per-tenant subscriptions.
type Bus interface {
	// Publish sends the event to its tenant topic.
	Publish(ctx context.Context, event *models.AttendanceEvent) error
	// Subscribe returns a channel of events for one tenant. The channel
	// closes when the context is canceled or the bus shuts down.
	Subscribe(ctx context.Context, tenantID string) (<-chan *models.AttendanceEvent, error)
	Close() error
}

// New builds the bus the configuration asks for.
func New(cfg *config.NATSConfig) (Bus, error) {
	if cfg != nil && cfg.Enabled {
		return NewNATSBus(cfg)
	}
	return NewChannelBus(), nil
}

// marshalEvent wraps the event in a Watermill message. The event ID doubles
// as the message UUID so JetStream deduplication keys on it.
func marshalEvent(event *models.AttendanceEvent) (*message.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal attendance event %s: %w", event.ID, err)
	}
	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("tenant_id", event.TenantID)
	msg.Metadata.Set("event_type", string(event.Type))
	return msg, nil
}

func unmarshalEvent(msg *message.Message) (*models.AttendanceEvent, error) {
	var event models.AttendanceEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal attendance event %s: %w", msg.UUID, err)
	}
	return &event, nil
}

// pump converts a raw Watermill subscription into a typed event channel.
// Undecodable messages are acked and dropped; they would poison the
// subscription otherwise.
func pump(ctx context.Context, msgs <-chan *message.Message, out chan<- *models.AttendanceEvent, onDecodeErr func(err error, uuid string)) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			event, err := unmarshalEvent(msg)
			if err != nil {
				onDecodeErr(err, msg.UUID)
				msg.Ack()
				continue
			}
			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}
