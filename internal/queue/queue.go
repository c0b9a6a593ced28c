// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/runlog"
)

// Queue is the producer side of the job queue. Enqueue pre-creates the
// queued run log row so callers can poll it by trace id before any worker
// picks the job up.
type Queue struct {
	topic     string
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	store     runlog.Store

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a JetStream publisher for topic. The stream must already
// exist; see EnsureStreams.
func NewQueue(url, topic string, store runlog.Store, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = NewLoggerAdapter()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create queue publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "queue-publisher",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Queue publisher circuit breaker state change")
		},
	})

	return &Queue{
		topic:     topic,
		publisher: pub,
		breaker:   breaker,
		store:     store,
	}, nil
}

// Enqueue publishes a job. A job without a trace id gets a fresh one; the
// run log row is created in queued state before the publish so the trace id
// the caller receives is always pollable, even if the publish then fails.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("queue is closed")
	}
	q.mu.Unlock()

	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	if err := q.store.Upsert(ctx, &runlog.RunLog{
		TraceID:     job.TraceID,
		TenantID:    job.TenantID,
		EntityType:  job.EntityType,
		Environment: job.Environment,
		Status:      runlog.RunQueued,
		StartedAt:   job.EnqueuedAt,
	}); err != nil {
		return "", fmt.Errorf("pre-create run log: %w", err)
	}

	data, err := job.Marshal()
	if err != nil {
		return "", err
	}

	// The trace id, not the job id, deduplicates: cron jobs reuse a
	// stable id across fires, and each fire must still be delivered.
	msg := message.NewMessage(job.TraceID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, job.TraceID)
	msg.Metadata.Set("job_id", job.ID)
	msg.SetContext(ctx)

	_, err = q.breaker.Execute(func() (any, error) {
		return nil, q.publisher.Publish(q.topic, msg)
	})
	if err != nil {
		return "", fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	metrics.QueueJobsPublished.WithLabelValues(string(job.Trigger)).Inc()
	logging.Info().
		Str("job_id", job.ID).
		Str("tenant", job.TenantID).
		Str("entity", string(job.EntityType)).
		Str("trace_id", job.TraceID).
		Str("trigger", string(job.Trigger)).
		Msg("Sync job enqueued")

	return job.TraceID, nil
}

// Close shuts down the publisher. Enqueue calls after Close fail fast.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.publisher.Close()
}
