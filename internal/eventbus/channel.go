// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

// ChannelBus is the in-process transport. Delivery is at-most-once within
// the process; durable history lives in the event log, not here.
type ChannelBus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// NewChannelBus creates an in-process bus.
func NewChannelBus() *ChannelBus {
	return &ChannelBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, newWatermillLogger()),
	}
}

func (b *ChannelBus) Publish(ctx context.Context, event *models.AttendanceEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.Unlock()

	msg, err := marshalEvent(event)
	if err != nil {
		return err
	}
	if err := b.pubsub.Publish(event.Topic(), msg); err != nil {
		return fmt.Errorf("publish to %s: %w", event.Topic(), err)
	}
	metrics.EventsPublished.Inc()
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string) (<-chan *models.AttendanceEvent, error) {
	msgs, err := b.pubsub.Subscribe(ctx, models.EventTopic(tenantID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", models.EventTopic(tenantID), err)
	}

	out := make(chan *models.AttendanceEvent, 64)
	go pump(ctx, msgs, out, func(err error, uuid string) {
		metrics.FanoutDrops.WithLabelValues("decode").Inc()
		logging.Warn().Err(err).Str("message_uuid", uuid).Msg("Dropping undecodable event")
	})
	return out, nil
}

func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}
