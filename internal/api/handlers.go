// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package api provides the HTTP surface: chi routing, the JSON envelope,
// and the handlers for sample ingest, geofence administration, history
// queries, and the live WebSocket stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/praesentia/praesentia/internal/auth"
	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/geo"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/models"
)

// Store is the persistence surface the handlers need. *database.DB
// implements it.
type Store interface {
	InsertGeofence(ctx context.Context, fence *models.Geofence) error
	UpdateGeofence(ctx context.Context, fence *models.Geofence) error
	DeactivateGeofence(ctx context.Context, tenantID, fenceID string) error
	GetGeofence(ctx context.Context, tenantID, fenceID string) (*models.Geofence, error)
	ListGeofences(ctx context.Context, tenantID string, activeOnly bool) ([]*models.Geofence, error)
	ListEvents(ctx context.Context, tenantID string, filter models.EventFilter) ([]*models.AttendanceEvent, error)
	ListTraces(ctx context.Context, tenantID, studentID string, from, to time.Time, limit, offset int) ([]*models.LocationTrace, error)
	Ping(ctx context.Context) error
}

// Ingester accepts location samples. *ingest.Pipeline implements it.
type Ingester interface {
	Submit(ctx context.Context, tenantID, studentID string, lat, lon, accuracyM float64, capturedAt time.Time) (*models.LocationTrace, error)
}

// FenceCache invalidates cached spatial indexes after geofence mutations.
// *classifier.Classifier implements it.
type FenceCache interface {
	Invalidate(tenantID string)
}

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	store    Store
	pipeline Ingester
	fences   FenceCache
	cfg      *config.Config
	wsDeps   WebSocketDeps
}

// NewHandler wires the handler set. WebSocketDeps may be zero when the
// live stream is not served.
func NewHandler(store Store, pipeline Ingester, fences FenceCache, cfg *config.Config, wsDeps WebSocketDeps) *Handler {
	return &Handler{
		store:    store,
		pipeline: pipeline,
		fences:   fences,
		cfg:      cfg,
		wsDeps:   wsDeps,
	}
}

// tenantFor resolves the tenant a request operates on: the tenant_id query
// parameter when present, otherwise the caller's own tenant. The result is
// always checked against the caller's principal.
func (h *Handler) tenantFor(r *http.Request) (string, error) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			tenantID = p.TenantID
		}
	}
	if tenantID == "" {
		return "", errors.New("tenant_id required")
	}
	if err := auth.CheckTenant(r.Context(), tenantID); err != nil {
		return "", err
	}
	return tenantID, nil
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(r *http.Request) error {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Role != auth.RoleAdmin {
		return models.ErrCrossTenantAccess
	}
	return nil
}

// locationRequest is the POST /locations body.
type locationRequest struct {
	TenantID   string    `json:"tenant_id" validate:"required"`
	StudentID  string    `json:"student_id" validate:"required"`
	Lat        float64   `json:"lat" validate:"latitude"`
	Lon        float64   `json:"lon" validate:"longitude"`
	AccuracyM  float64   `json:"accuracy_m" validate:"gt=0"`
	CapturedAt time.Time `json:"captured_at" validate:"required"`
}

// SubmitLocation accepts one location sample. Accepted samples return 202
// with the stored trace; the classification that may follow is not part of
// the response.
func (h *Handler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &APIResponse{
			Status:   "error",
			Metadata: Metadata{Timestamp: time.Now().UTC()},
			Error:    apiErr,
		})
		return
	}
	if err := auth.CheckTenant(r.Context(), req.TenantID); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "cross-tenant access denied", err)
		return
	}

	trace, err := h.pipeline.Submit(r.Context(), req.TenantID, req.StudentID, req.Lat, req.Lon, req.AccuracyM, req.CapturedAt)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidSample):
			respondError(w, http.StatusBadRequest, codeInvalidSample, err.Error(), nil)
		case errors.Is(err, models.ErrPersistenceFailure):
			respondError(w, http.StatusServiceUnavailable, codeStorageFailure, "sample could not be stored", err)
		default:
			respondError(w, http.StatusInternalServerError, codeInternalError, "sample processing failed", err)
		}
		return
	}

	respondData(w, http.StatusAccepted, trace)
}

// geofenceRequest is the body for geofence create and update.
type geofenceRequest struct {
	TenantID string    `json:"tenant_id" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Shape    geo.Shape `json:"shape"`
	Active   *bool     `json:"active,omitempty"`
}

// CreateGeofence stores a new geofence. Admin only.
func (h *Handler) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "admin role required", nil)
		return
	}

	var req geofenceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &APIResponse{
			Status:   "error",
			Metadata: Metadata{Timestamp: time.Now().UTC()},
			Error:    apiErr,
		})
		return
	}

	if err := auth.CheckTenant(r.Context(), req.TenantID); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "cross-tenant access denied", err)
		return
	}

	fence := models.NewGeofence(req.TenantID, req.Name, req.Shape)
	if err := fence.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, err.Error(), nil)
		return
	}

	if err := h.store.InsertGeofence(r.Context(), fence); err != nil {
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence could not be stored", err)
		return
	}
	h.fences.Invalidate(fence.TenantID)

	logging.Info().
		Str("tenant_id", fence.TenantID).
		Str("geofence_id", fence.ID).
		Str("name", sanitizeLogValue(fence.Name)).
		Msg("Geofence created")

	respondData(w, http.StatusCreated, fence)
}

// ListGeofences returns the tenant's geofences. active_only=true filters
// out deactivated ones.
func (h *Handler) ListGeofences(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	activeOnly := r.URL.Query().Get("active_only") == "true"
	fences, err := h.store.ListGeofences(r.Context(), tenantID, activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence query failed", err)
		return
	}

	respondList(w, fences, len(fences), 0, 0)
}

// GetGeofence returns one geofence by ID.
func (h *Handler) GetGeofence(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	fence, err := h.store.GetGeofence(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeNotFound, "geofence not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence query failed", err)
		return
	}

	respondData(w, http.StatusOK, fence)
}

// UpdateGeofence replaces a geofence's name, shape, and active flag.
// Admin only.
func (h *Handler) UpdateGeofence(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "admin role required", nil)
		return
	}

	var req geofenceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &APIResponse{
			Status:   "error",
			Metadata: Metadata{Timestamp: time.Now().UTC()},
			Error:    apiErr,
		})
		return
	}

	if err := auth.CheckTenant(r.Context(), req.TenantID); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "cross-tenant access denied", err)
		return
	}

	fence, err := h.store.GetGeofence(r.Context(), req.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeNotFound, "geofence not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence query failed", err)
		return
	}

	fence.Name = req.Name
	fence.Shape = req.Shape
	if req.Active != nil {
		fence.Active = *req.Active
	}
	fence.UpdatedAt = time.Now().UTC()

	if err := fence.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, err.Error(), nil)
		return
	}

	if err := h.store.UpdateGeofence(r.Context(), fence); err != nil {
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence could not be updated", err)
		return
	}
	h.fences.Invalidate(fence.TenantID)

	respondData(w, http.StatusOK, fence)
}

// DeactivateGeofence soft-deletes a geofence. The fence stops matching new
// samples; its event history stays queryable. Admin only.
func (h *Handler) DeactivateGeofence(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		respondError(w, http.StatusForbidden, codeForbidden, "admin role required", nil)
		return
	}

	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	fenceID := chi.URLParam(r, "id")
	if err := h.store.DeactivateGeofence(r.Context(), tenantID, fenceID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeNotFound, "geofence not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "geofence could not be deactivated", err)
		return
	}
	h.fences.Invalidate(tenantID)

	logging.Info().
		Str("tenant_id", tenantID).
		Str("geofence_id", fenceID).
		Msg("Geofence deactivated")

	respondData(w, http.StatusOK, map[string]string{"id": fenceID, "status": "deactivated"})
}

// ListEvents returns the tenant's attendance event history, ordered by
// occurrence time, paginated.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	limit, offset := h.pagination(r)
	filter := models.EventFilter{
		StudentID:  r.URL.Query().Get("student_id"),
		GeofenceID: r.URL.Query().Get("geofence_id"),
		From:       getTimeParam(r, "from"),
		To:         getTimeParam(r, "to"),
		Limit:      limit,
		Offset:     offset,
	}

	events, err := h.store.ListEvents(r.Context(), tenantID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "event query failed", err)
		return
	}

	respondList(w, events, len(events), limit, offset)
}

// ListTraces returns a student's raw location traces. Traces are the
// reconciliation source when downstream delivery loses events.
func (h *Handler) ListTraces(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantFor(r)
	if err != nil {
		respondTenantError(w, err)
		return
	}

	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		respondError(w, http.StatusBadRequest, codeInvalidRequest, "student_id required", nil)
		return
	}

	limit, offset := h.pagination(r)
	traces, err := h.store.ListTraces(r.Context(), tenantID, studentID, getTimeParam(r, "from"), getTimeParam(r, "to"), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeStorageFailure, "trace query failed", err)
		return
	}

	respondList(w, traces, len(traces), limit, offset)
}

// pagination reads limit/offset, applying the configured default and cap.
func (h *Handler) pagination(r *http.Request) (limit, offset int) {
	limit = getIntParam(r, "limit", h.cfg.API.DefaultPageSize)
	if limit < 1 || limit > h.cfg.API.MaxPageSize {
		limit = h.cfg.API.MaxPageSize
	}
	offset = getIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// respondTenantError maps tenant resolution failures to status codes.
func respondTenantError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrCrossTenantAccess) {
		respondError(w, http.StatusForbidden, codeForbidden, "cross-tenant access denied", err)
		return
	}
	respondError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
}
