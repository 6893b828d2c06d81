// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

const (
	streamName = "ATTENDANCE"
	// streamSubjects covers every tenant topic.
	streamSubjects = "attendance.>"
	// dedupWindow is the JetStream duplicate-detection window keyed on
	// Nats-Msg-Id, which carries the event ID.
	dedupWindow = 2 * time.Minute
)

// NATSBus is the JetStream transport. An embedded server can back it for
// single-binary deployments; otherwise it connects to an external cluster.
type NATSBus struct {
	embedded   *server.Server
	conn       *natsgo.Conn
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[any]

	mu     sync.Mutex
	closed bool
}

// NewNATSBus starts the transport: embedded server if configured, stream
// provisioning, then publisher and subscriber.
func NewNATSBus(cfg *config.NATSConfig) (*NATSBus, error) {
	bus := &NATSBus{}
	wmLog := newWatermillLogger()

	url := cfg.URL
	if cfg.EmbeddedServer {
		ns, err := startEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		bus.embedded = ns
		url = ns.ClientURL()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := natsgo.Connect(url, natsOpts...)
	if err != nil {
		bus.shutdownEmbedded()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	bus.conn = conn

	if err := ensureStream(conn); err != nil {
		bus.Close()
		return nil, err
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLog)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	bus.publisher = pub

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:            url,
		NatsOptions:    natsOpts,
		Unmarshaler:    &wmNats.NATSMarshaler{},
		AckWaitTimeout: 30 * time.Second,
		CloseTimeout:   30 * time.Second,
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.BindStream(streamName),
				natsgo.DeliverNew(),
			},
		},
	}, wmLog)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	bus.subscriber = sub

	bus.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return bus, nil
}

// startEmbeddedServer brings up an in-process JetStream server and waits
// for it to accept connections.
func startEmbeddedServer(cfg *config.NATSConfig) (*server.Server, error) {
	opts := &server.Options{
		ServerName:         "praesentia-events",
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		DontListen:         false,
		MaxPayload:         1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.ConfigureLogger()
	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within timeout")
	}
	return ns, nil
}

// ensureStream provisions the attendance stream idempotently. Existing
// streams get their configuration updated instead.
func ensureStream(conn *natsgo.Conn) error {
	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamCfg := jetstream.StreamConfig{
		Name:        streamName,
		Subjects:    []string{streamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  dedupWindow,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := js.Stream(ctx, streamName); err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", streamName, err)
		}
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("check stream %s: %w", streamName, err)
	}

	if _, err := js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, event *models.AttendanceEvent) error {
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
	// The event ID dedups redelivered publishes inside the stream window.
	msg.Metadata.Set(natsgo.MsgIdHdr, event.ID)

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(event.Topic(), msg)
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", event.Topic(), err)
	}
	metrics.EventsPublished.Inc()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, tenantID string) (<-chan *models.AttendanceEvent, error) {
	msgs, err := b.subscriber.Subscribe(ctx, models.EventTopic(tenantID))
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

// Close tears the transport down in dependency order: publisher and
// subscriber, then the connection, then the embedded server if any.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.shutdownEmbedded()
	return errors.Join(errs...)
}

func (b *NATSBus) shutdownEmbedded() {
	if b.embedded == nil {
		return
	}
	b.embedded.Shutdown()
	b.embedded.WaitForShutdown()
	b.embedded = nil
}
