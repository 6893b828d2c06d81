// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/praesentia/praesentia/internal/logging"
	ws "github.com/praesentia/praesentia/internal/websocket"
)

// WebSocketDeps are the live-stream pieces the upgrade handler needs.
type WebSocketDeps struct {
	Hub    *ws.Hub
	Bridge *ws.Bridge
}

// WebSocket upgrades the connection and attaches the client to its
// tenant's event stream. The subscription ends when the caller
// disconnects; a cross-tenant subscription request is rejected before the
// upgrade with 403.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsDeps.Hub == nil {
		logging.Warn().Msg("WebSocket connection rejected: hub not initialized")
		respondError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "live stream unavailable", nil)
		return
	}

	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	if h.wsDeps.Bridge != nil {
		if err := h.wsDeps.Bridge.EnsureTenant(tenantID); err != nil {
			respondError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "live stream unavailable", err)
			return
		}
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.wsDeps.Hub, conn, tenantID)
	h.wsDeps.Hub.Register <- client
	client.Start()
}

// upgrader builds a WebSocket upgrader with origin checking and a
// handshake timeout against slow clients.
func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates the Origin header against the configured
// CORS origins. Requests without an Origin header come from non-browser
// clients (device agents, scripts) and are allowed; browser connections
// always carry one and must match.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}
