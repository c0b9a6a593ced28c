// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/queue"
)

// fakeEnqueuer records enqueued jobs and can be told to fail.
type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*queue.Job
	fail bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("queue unavailable")
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("trace-%d", len(f.jobs)), nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestRegisterReplacesExisting(t *testing.T) {
	s := New(&fakeEnqueuer{}, time.Minute)

	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "0 2 * * *"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "0 3 * * *"}); err != nil {
		t.Fatalf("Register again: %v", err)
	}

	if len(s.entries) != 1 {
		t.Errorf("entries = %d, re-registering a pair must replace, not duplicate", len(s.entries))
	}

	if err := s.Register("school-1", models.EntityStudent, models.SyncConfig{Cron: "0 2 * * *"}); err != nil {
		t.Fatalf("Register student: %v", err)
	}
	if len(s.entries) != 2 {
		t.Errorf("entries = %d, distinct pairs are distinct entries", len(s.entries))
	}
}

func TestRegisterInvalidCron(t *testing.T) {
	s := New(&fakeEnqueuer{}, time.Minute)
	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "not a cron"}); err == nil {
		t.Fatal("invalid expression should fail registration")
	}
	if len(s.entries) != 0 {
		t.Error("failed registration must not leave an entry behind")
	}
}

func TestUnregister(t *testing.T) {
	s := New(&fakeEnqueuer{}, time.Minute)
	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "* * * * *"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Unregister("school-1", models.EntityTeacher)
	if len(s.entries) != 0 {
		t.Error("Unregister should remove the entry")
	}
	// Unregistering a missing pair is a no-op.
	s.Unregister("school-1", models.EntityStudent)
}

func TestFireDueEnqueuesJob(t *testing.T) {
	q := &fakeEnqueuer{}
	s := New(q, time.Minute)

	syncCfg := models.SyncConfig{Cron: "* * * * *", Environment: "production", Priority: 2}
	if err := s.Register("school-1", models.EntityClass, syncCfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	id := queue.CronJobID("school-1", models.EntityClass)
	firstNext := s.entries[id].next

	s.fireDue(context.Background(), firstNext)

	if q.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", q.count())
	}
	job := q.jobs[0]
	if job.ID != id {
		t.Errorf("job id = %q, want stable cron id %q", job.ID, id)
	}
	if job.Trigger != queue.TriggerCron {
		t.Errorf("trigger = %q, want cron", job.Trigger)
	}
	if job.TenantID != "school-1" || job.EntityType != models.EntityClass {
		t.Errorf("job pair = %s/%s", job.TenantID, job.EntityType)
	}
	if job.Environment != "production" || job.Priority != 2 {
		t.Errorf("job carries %q/%d, want configured environment and priority", job.Environment, job.Priority)
	}
	if !s.entries[id].next.After(firstNext) {
		t.Error("fired entry should advance its next time")
	}
}

func TestFireDueSkipsNotDue(t *testing.T) {
	q := &fakeEnqueuer{}
	s := New(q, time.Minute)

	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "0 2 * * *"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	id := queue.CronJobID("school-1", models.EntityTeacher)
	s.fireDue(context.Background(), s.entries[id].next.Add(-time.Minute))

	if q.count() != 0 {
		t.Errorf("enqueued = %d, entry was not due", q.count())
	}
}

func TestFireDueRetriesAfterEnqueueFailure(t *testing.T) {
	q := &fakeEnqueuer{fail: true}
	s := New(q, time.Minute)

	if err := s.Register("school-1", models.EntityTeacher, models.SyncConfig{Cron: "* * * * *"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	id := queue.CronJobID("school-1", models.EntityTeacher)
	due := s.entries[id].next

	s.fireDue(context.Background(), due)
	if q.count() != 0 {
		t.Fatalf("enqueued = %d despite failure", q.count())
	}
	if s.entries[id].next.After(due) {
		t.Fatal("failed enqueue must leave the entry due for the next tick")
	}

	q.mu.Lock()
	q.fail = false
	q.mu.Unlock()

	s.fireDue(context.Background(), due)
	if q.count() != 1 {
		t.Errorf("enqueued = %d after recovery, want 1", q.count())
	}
}

func TestStartStop(t *testing.T) {
	s := New(&fakeEnqueuer{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}
	s.Stop()
	// Stop is idempotent.
	s.Stop()

	if err := s.Start(ctx); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	s.Stop()
}
