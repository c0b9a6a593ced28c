// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package runlog persists the durable record of each synchronization run.
//
// A run log is keyed by trace id, inserted before the fetch loop starts,
// updated in place as pages complete, and finalized when the run ends.
// The upsert key is the trace id, never an auto-increment id, so re-entrant
// updates cannot create duplicate rows.
package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// ErrNotFound is returned when no run log exists for a trace id.
var ErrNotFound = errors.New("run log not found")

// SampleLimit bounds the raw-input and written-record samples stored per
// run. Failed records are kept in full.
const SampleLimit = 20

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// FetchStage records the fetch stage outcome across all pages.
type FetchStage struct {
	Total  int    `json:"total"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// CountStage records success/failure counts for the transform and write
// stages.
type CountStage struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Stages breaks the run down by pipeline stage.
type Stages struct {
	Fetch     FetchStage `json:"fetch"`
	Transform CountStage `json:"transform"`
	Write     CountStage `json:"write"`
}

// Summary is the run-level record accounting. The invariant
// Success+Failed == Total holds for every finalized run.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// FailedRecord pairs a failed record with its classified reason.
type FailedRecord struct {
	Data   map[string]any `json:"data"`
	Reason string         `json:"reason"`
}

// WriteDebug is the verbatim request/response snapshot of the last failing
// batch, kept for operator debugging.
type WriteDebug struct {
	BatchIndex int             `json:"batchIndex"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RunLog is the durable record of one execution.
type RunLog struct {
	TraceID     string            `json:"traceId"`
	TenantID    string            `json:"tenantId"`
	EntityType  models.EntityType `json:"entityType"`
	Environment string            `json:"environment,omitempty"`
	Status      RunStatus         `json:"status"`
	Summary     Summary           `json:"summary"`
	Stages      Stages            `json:"stages"`

	RawSample     []map[string]any `json:"rawSample,omitempty"`
	SuccessSample []map[string]any `json:"successSample,omitempty"`
	FailedRecords []FailedRecord   `json:"failedRecords,omitempty"`
	WriteDebug    *WriteDebug      `json:"writeDebug,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AddRawSample appends records to the bounded raw-input sample.
func (r *RunLog) AddRawSample(records []map[string]any) {
	for _, rec := range records {
		if len(r.RawSample) >= SampleLimit {
			return
		}
		r.RawSample = append(r.RawSample, rec)
	}
}

// AddSuccessSample appends a record to the bounded written-record sample.
func (r *RunLog) AddSuccessSample(record map[string]any) {
	if len(r.SuccessSample) < SampleLimit {
		r.SuccessSample = append(r.SuccessSample, record)
	}
}

// Store is the log sink contract the engine requires. Upsert is keyed by
// trace id: calling it twice with the same trace id yields one row with the
// second call's fields.
type Store interface {
	Upsert(ctx context.Context, entry *RunLog) error
	Get(ctx context.Context, traceID string) (*RunLog, error)
	List(ctx context.Context, limit int) ([]*RunLog, error)
	Close() error
}
