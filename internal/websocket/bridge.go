// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/praesentia/praesentia/internal/eventbus"
	"github.com/praesentia/praesentia/internal/logging"
)

// ErrBridgeNotRunning reports an EnsureTenant call before the bridge
// was started under the supervisor.
var ErrBridgeNotRunning = errors.New("websocket: event bridge is not running")

// Bridge consumes attendance events from the bus and hands them to the
// hub. Tenant subscriptions start lazily on the first client of a tenant
// and live until the bridge shuts down.
type Bridge struct {
	bus eventbus.Bus
	hub *Hub

	mu      sync.Mutex
	ctx     context.Context
	started map[string]bool
	done    chan struct{}
}

// NewBridge wires the bus to the hub.
func NewBridge(bus eventbus.Bus, hub *Hub) *Bridge {
	return &Bridge{
		bus:     bus,
		hub:     hub,
		started: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// RunWithContext parks until the context is canceled. Tenant pumps
// derive from this context, so cancellation stops them all.
func (b *Bridge) RunWithContext(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	<-ctx.Done()
	close(b.done)
	logging.Info().Str("component", "websocket-bridge").Msg("Event bridge stopped")
	return ctx.Err()
}

// EnsureTenant starts the fan-out pump for one tenant if it is not
// already running. Safe to call on every client connect. Returns
// ErrBridgeNotRunning before RunWithContext has started; a pump begun
// without the run context would never be stopped by shutdown.
func (b *Bridge) EnsureTenant(tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started[tenantID] {
		return nil
	}
	ctx := b.ctx
	if ctx == nil {
		return ErrBridgeNotRunning
	}

	events, err := b.bus.Subscribe(ctx, tenantID)
	if err != nil {
		return err
	}
	b.started[tenantID] = true

	go func() {
		for event := range events {
			b.hub.BroadcastEvent(event)
		}
		// The subscription ended; allow a later client to restart it.
		b.mu.Lock()
		delete(b.started, tenantID)
		b.mu.Unlock()
	}()
	return nil
}
