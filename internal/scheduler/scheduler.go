// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schoolbridge/schoolbridge/internal/config"
	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/queue"
)

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (string, error)
}

// entry is one registered recurring job.
type entry struct {
	tenantID    string
	entityType  models.EntityType
	environment string
	priority    int
	schedule    *Schedule
	next        time.Time
}

// Scheduler fires registered cron schedules on a minute tick and enqueues
// one sync job per fire. Entries are keyed by the stable cron job id, so
// re-registering a pair replaces its schedule instead of duplicating it.
type Scheduler struct {
	queue    Enqueuer
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Scheduler ticking at interval; zero means one minute,
// matching cron's granularity.
func New(q Enqueuer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		queue:    q,
		interval: interval,
		entries:  make(map[string]*entry),
	}
}

// Register adds or replaces the recurring schedule for a pair.
func (s *Scheduler) Register(tenantID string, entityType models.EntityType, syncCfg models.SyncConfig) error {
	schedule, err := ParseSchedule(syncCfg.Cron)
	if err != nil {
		return fmt.Errorf("schedule for %s/%s: %w", tenantID, entityType, err)
	}

	id := queue.CronJobID(tenantID, entityType)
	now := time.Now()

	s.mu.Lock()
	_, replaced := s.entries[id]
	s.entries[id] = &entry{
		tenantID:    tenantID,
		entityType:  entityType,
		environment: syncCfg.Environment,
		priority:    syncCfg.Priority,
		schedule:    schedule,
		next:        schedule.Next(now),
	}
	metrics.SchedulerEntries.Set(float64(len(s.entries)))
	s.mu.Unlock()

	logging.Info().
		Str("tenant", tenantID).
		Str("entity", string(entityType)).
		Str("cron", syncCfg.Cron).
		Bool("replaced", replaced).
		Msg("Cron schedule registered")
	return nil
}

// Unregister removes the schedule for a pair if one exists.
func (s *Scheduler) Unregister(tenantID string, entityType models.EntityType) {
	id := queue.CronJobID(tenantID, entityType)
	s.mu.Lock()
	delete(s.entries, id)
	metrics.SchedulerEntries.Set(float64(len(s.entries)))
	s.mu.Unlock()
}

// RegisterAll walks every active tenant and registers each enabled entity
// schedule. Pairs without a configuration document or with an invalid cron
// expression are logged and skipped so one bad document cannot block the
// rest of the fleet.
func (s *Scheduler) RegisterAll(provider *config.Provider) error {
	tenants, err := provider.Tenants()
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		tenant, err := provider.TenantConfig(tenantID)
		if err != nil {
			logging.Warn().Err(err).Str("tenant", tenantID).Msg("Skipping unreadable tenant")
			continue
		}
		if !tenant.Active() {
			continue
		}
		for _, entityType := range provider.Entities(tenantID) {
			cfg, err := provider.EntityConfig(tenantID, entityType)
			if err != nil {
				continue
			}
			if !cfg.Sync.Enabled || cfg.Sync.Cron == "" {
				continue
			}
			if err := s.Register(tenantID, entityType, cfg.Sync); err != nil {
				logging.Warn().Err(err).
					Str("tenant", tenantID).
					Str("entity", string(entityType)).
					Msg("Skipping invalid cron schedule")
			}
		}
	}
	return nil
}

// Start begins the tick loop. It returns immediately; Stop or context
// cancellation ends the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop ends the tick loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue enqueues a job for every entry whose next fire time has passed
// and advances it. A failed enqueue leaves the entry due so the next tick
// retries it.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make(map[string]*entry)
	for id, e := range s.entries {
		if !e.next.After(now) {
			due[id] = e
		}
	}
	s.mu.Unlock()

	for id, e := range due {
		job := &queue.Job{
			ID:          id,
			TenantID:    e.tenantID,
			EntityType:  e.entityType,
			Environment: e.environment,
			Priority:    e.priority,
			Trigger:     queue.TriggerCron,
		}
		traceID, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			logging.Error().Err(err).Str("job_id", id).Msg("Failed to enqueue scheduled sync")
			continue
		}
		metrics.SchedulerFires.Inc()
		logging.Debug().Str("job_id", id).Str("trace_id", traceID).Msg("Scheduled sync enqueued")

		s.mu.Lock()
		if cur, ok := s.entries[id]; ok && cur == e {
			cur.next = cur.schedule.Next(now)
		}
		s.mu.Unlock()
	}
}
