// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package queue implements the durable sync job queue on NATS JetStream
// with Watermill, plus the worker pool consuming it.
//
// Delivery is at-least-once: a job that fails is redelivered with
// exponential backoff up to the configured attempt limit, then routed to
// the poison topic. Run logging is idempotent on trace id, so a redelivered
// job overwrites its own row rather than duplicating it.
package queue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// Trigger identifies what enqueued a job.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
)

// Job is one unit of queued synchronization work for a (tenant, entity)
// pair. TraceID is caller-visible from enqueue time so the run log can be
// polled before a worker picks the job up.
type Job struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenantId"`
	EntityType  models.EntityType `json:"entityType"`
	Environment string            `json:"environment,omitempty"`
	TraceID     string            `json:"traceId"`

	// Priority is advisory ordering metadata carried for operators;
	// JetStream itself delivers in arrival order.
	Priority int `json:"priority,omitempty"`

	Trigger    Trigger   `json:"trigger"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ManualJobID builds a timestamp-qualified id so repeated manual triggers
// for the same pair never collide.
func ManualJobID(tenantID string, entity models.EntityType) string {
	return fmt.Sprintf("manual-%s-%s-%d", tenantID, entity, time.Now().UnixMilli())
}

// CronJobID builds the stable recurring-job id for a pair. Stability is
// what makes schedule re-registration idempotent.
func CronJobID(tenantID string, entity models.EntityType) string {
	return fmt.Sprintf("cron-%s-%s", tenantID, entity)
}

// Marshal encodes the job for the wire.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob decodes a job and checks the fields a worker cannot run
// without.
func UnmarshalJob(data []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.TenantID == "" || j.TraceID == "" {
		return nil, fmt.Errorf("job %s is missing tenant or trace id", j.ID)
	}
	if _, err := models.ParseEntityType(string(j.EntityType)); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}
