// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package api

import (
	"context"
	"net/http"
	"time"
)

// HealthLive reports process liveness. It never touches dependencies; a
// hung database must not fail the liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady reports readiness to serve traffic: the database must
// answer a ping within two seconds.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "database not reachable", err)
		return
	}

	respondData(w, http.StatusOK, map[string]string{"status": "ready"})
}
