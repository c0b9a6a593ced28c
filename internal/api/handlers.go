// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/config"
	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/queue"
	"github.com/schoolbridge/schoolbridge/internal/runlog"
)

// defaultRunListLimit bounds the run list endpoint when the caller does
// not pass one.
const defaultRunListLimit = 50

var validate = validator.New(validator.WithRequiredStructEnabled())

// Enqueuer is the queue surface the handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (string, error)
}

// Handler holds the collaborators behind the HTTP surface.
type Handler struct {
	queue    Enqueuer
	store    runlog.Store
	provider *config.Provider
	started  time.Time
}

// NewHandler wires a Handler.
func NewHandler(q Enqueuer, store runlog.Store, provider *config.Provider) *Handler {
	return &Handler{
		queue:    q,
		store:    store,
		provider: provider,
		started:  time.Now(),
	}
}

// TriggerRequest is the body of POST /api/v1/sync.
type TriggerRequest struct {
	TenantID    string `json:"tenantId" validate:"required"`
	EntityType  string `json:"entityType" validate:"required"`
	Environment string `json:"environment,omitempty"`
	Priority    int    `json:"priority,omitempty" validate:"gte=0"`
}

// TriggerResponse returns the identifiers a caller needs to poll the run.
type TriggerResponse struct {
	JobID   string `json:"jobId"`
	TraceID string `json:"traceId"`
}

// TriggerSync enqueues one manual sync job. The trace id in the response
// is pollable immediately: the queued run log row exists before the job is
// picked up.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := respond(w)

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.fail(http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		rw.fail(http.StatusBadRequest, ErrCodeValidationFailed, "request validation failed", err.Error())
		return
	}
	entity, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		rw.fail(http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), nil)
		return
	}
	if _, err := h.provider.EntityConfig(req.TenantID, entity); err != nil {
		rw.fail(http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}

	job := &queue.Job{
		ID:          queue.ManualJobID(req.TenantID, entity),
		TenantID:    req.TenantID,
		EntityType:  entity,
		Environment: req.Environment,
		Priority:    req.Priority,
		Trigger:     queue.TriggerManual,
	}
	traceID, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		logging.Error().Err(err).Str("tenant", req.TenantID).Msg("Failed to enqueue manual sync")
		rw.fail(http.StatusInternalServerError, ErrCodeInternalError, "failed to enqueue sync job", nil)
		return
	}

	rw.success(http.StatusAccepted, TriggerResponse{JobID: job.ID, TraceID: traceID})
}

// ListRuns returns run logs, most recent first, bounded by the limit query
// parameter.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	rw := respond(w)

	limit := defaultRunListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rw.fail(http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.store.List(r.Context(), limit)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list run logs")
		rw.fail(http.StatusInternalServerError, ErrCodeInternalError, "failed to list runs", nil)
		return
	}
	rw.success(http.StatusOK, runs)
}

// GetRun returns one run log by trace id.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rw := respond(w)

	traceID := chi.URLParam(r, "traceID")
	entry, err := h.store.Get(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			rw.fail(http.StatusNotFound, ErrCodeNotFound, "no run for trace id "+traceID, nil)
			return
		}
		logging.Error().Err(err).Str("trace_id", traceID).Msg("Failed to load run log")
		rw.fail(http.StatusInternalServerError, ErrCodeInternalError, "failed to load run", nil)
		return
	}
	rw.success(http.StatusOK, entry)
}

// TenantSummary is one row of the tenant listing.
type TenantSummary struct {
	TenantID   string              `json:"tenantId"`
	SchoolName string              `json:"schoolName,omitempty"`
	Active     bool                `json:"active"`
	Entities   []models.EntityType `json:"entities"`
}

// ListTenants enumerates configured tenants.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	rw := respond(w)

	ids, err := h.provider.Tenants()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list tenants")
		rw.fail(http.StatusInternalServerError, ErrCodeInternalError, "failed to list tenants", nil)
		return
	}

	tenants := make([]TenantSummary, 0, len(ids))
	for _, id := range ids {
		cfg, err := h.provider.TenantConfig(id)
		if err != nil {
			logging.Warn().Err(err).Str("tenant", id).Msg("Skipping unreadable tenant")
			continue
		}
		tenants = append(tenants, TenantSummary{
			TenantID:   id,
			SchoolName: cfg.SchoolName,
			Active:     cfg.Active(),
			Entities:   h.provider.Entities(id),
		})
	}
	rw.success(http.StatusOK, tenants)
}

// Health reports process liveness and uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w).success(http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
