// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package websocket pushes committed attendance events to connected
// clients. Every client belongs to exactly one tenant and only ever sees
// that tenant's events.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

// Message types for WebSocket communication.
const (
	MessageTypeEvent = "attendance_event"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is the frame sent to and received from clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// tenantMessage is a broadcast scoped to one tenant's clients.
type tenantMessage struct {
	tenantID string
	message  Message
}

// Hub maintains the set of active clients and routes tenant-scoped
// broadcasts to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan tenantMessage
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub. Run it under supervision with
// RunWithContext before registering clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan tenantMessage, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext runs the hub loop until the context is canceled, then
// closes every client and returns ctx.Err() so the supervisor sees a
// clean stop.
//
// Channel selection is prioritized: shutdown first, then client
// lifecycle, then broadcasts. Go's select picks randomly among ready
// channels, and registering a client must win over delivering to it.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.register(client)
			continue
		case client := <-h.Unregister:
			h.unregister(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		case tm := <-h.broadcast:
			h.deliver(tm)
		}
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().
		Str("tenant_id", client.tenantID).
		Int("total_clients", total).
		Msg("WebSocket client connected")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().
		Str("tenant_id", client.tenantID).
		Int("total_clients", total).
		Msg("WebSocket client disconnected")
}

// deliver sends a tenant-scoped message to that tenant's clients in
// client-ID order. Clients whose send buffer is full are dropped; a
// stalled reader must not hold up delivery to the rest.
func (h *Hub) deliver(tm tenantMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.tenantID == tm.tenantID {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- tm.message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		metrics.FanoutDrops.WithLabelValues("slow_client").Inc()
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WSConnections.Set(float64(len(h.clients)))
		logging.Warn().
			Str("tenant_id", tm.tenantID).
			Int("dropped", len(toRemove)).
			Msg("Dropped slow WebSocket clients")
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WSConnections.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		AnErr("reason", ctx.Err()).
		Int("clients_closed", len(clients)).
		Msg("WebSocket hub stopped")
}

// BroadcastEvent fans one committed attendance event out to the event's
// tenant. Non-blocking: if the hub loop is saturated the message is
// dropped and counted, never queued into the caller.
func (h *Hub) BroadcastEvent(event *models.AttendanceEvent) {
	tm := tenantMessage{
		tenantID: event.TenantID,
		message:  Message{Type: MessageTypeEvent, Data: event},
	}
	select {
	case h.broadcast <- tm:
	default:
		metrics.FanoutDrops.WithLabelValues("hub_queue").Inc()
		logging.Warn().
			Str("tenant_id", event.TenantID).
			Msg("Broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients across all tenants.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TenantClientCount returns the number of connected clients for one tenant.
func (h *Hub) TenantClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.tenantID == tenantID {
			n++
		}
	}
	return n
}
