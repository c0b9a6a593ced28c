// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package api exposes the control surface of the engine over HTTP:
// trigger a sync, poll run logs, list tenants, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/logging"
)

// Response is the uniform envelope every endpoint writes.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Error carries a machine-readable code and a human-readable message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta is response metadata.
type Meta struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

type responseWriter struct {
	w       http.ResponseWriter
	started time.Time
}

func respond(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w: w, started: time.Now()}
}

func (rw *responseWriter) success(status int, data any) {
	rw.writeJSON(status, Response{
		Success: true,
		Data:    data,
		Meta: &Meta{
			Timestamp:  time.Now(),
			DurationMs: time.Since(rw.started).Milliseconds(),
		},
	})
}

func (rw *responseWriter) fail(status int, code, message string, details any) {
	rw.writeJSON(status, Response{
		Success: false,
		Error:   &Error{Code: code, Message: message, Details: details},
		Meta: &Meta{
			Timestamp:  time.Now(),
			DurationMs: time.Since(rw.started).Milliseconds(),
		},
	})
}

func (rw *responseWriter) writeJSON(status int, body Response) {
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(status)
	if err := json.NewEncoder(rw.w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("Failed to encode API response")
	}
}
