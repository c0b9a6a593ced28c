// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

func validJobPayload(t *testing.T) []byte {
	t.Helper()
	data, err := (&Job{
		ID:         "manual-school-1-teacher-1",
		TenantID:   "school-1",
		EntityType: models.EntityTeacher,
		TraceID:    "tr-1",
		Trigger:    TriggerManual,
		EnqueuedAt: time.Now(),
	}).Marshal()
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return data
}

func TestRejectMalformedShortCircuits(t *testing.T) {
	inner := 0
	wrapped := rejectMalformed(func(msg *message.Message) ([]*message.Message, error) {
		inner++
		return nil, nil
	})

	// An undecodable payload must fail before the wrapped handler (and
	// therefore before any retry of it) ever runs.
	if _, err := wrapped(message.NewMessage("m-1", []byte("not json"))); err == nil {
		t.Error("malformed payload should fail")
	}
	if _, err := wrapped(message.NewMessage("m-2", []byte(`{"tenantId":"","traceId":""}`))); err == nil {
		t.Error("payload missing tenant and trace id should fail")
	}
	if inner != 0 {
		t.Fatalf("handler ran %d times for malformed payloads, want 0", inner)
	}

	if _, err := wrapped(message.NewMessage("m-3", validJobPayload(t))); err != nil {
		t.Fatalf("valid payload: %v", err)
	}
	if inner != 1 {
		t.Errorf("handler ran %d times for the valid payload, want 1", inner)
	}
}

func TestHandleJobInvokesRunner(t *testing.T) {
	var got string
	handler := handleJob(RunnerFunc(func(_ context.Context, tenantID string, entity models.EntityType, environment, traceID string) error {
		got = tenantID + "/" + string(entity) + "/" + traceID
		return nil
	}))

	if err := handler(message.NewMessage("m-1", validJobPayload(t))); err != nil {
		t.Fatalf("handleJob: %v", err)
	}
	if got != "school-1/teacher/tr-1" {
		t.Errorf("runner saw %q, want school-1/teacher/tr-1", got)
	}
}
