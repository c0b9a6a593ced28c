// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

// Runner executes one sync run. The executor satisfies it.
type Runner interface {
	Run(ctx context.Context, tenantID string, entity models.EntityType, environment, traceID string) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, tenantID string, entity models.EntityType, environment, traceID string) error

func (f RunnerFunc) Run(ctx context.Context, tenantID string, entity models.EntityType, environment, traceID string) error {
	return f(ctx, tenantID, entity, environment, traceID)
}

// WorkerConfig tunes the consumer side of the queue.
type WorkerConfig struct {
	URL   string
	Topic string

	// Workers is the parallel consumer count within one queue group.
	Workers int

	// Attempts is total delivery attempts per job; BackoffInitial seeds
	// the exponential retry interval between them.
	Attempts       int
	BackoffInitial time.Duration

	// AckWait is the per-delivery visibility window. It must exceed the
	// longest expected run so a slow page does not trigger a concurrent
	// redelivery of the same job.
	AckWait time.Duration
}

// Worker consumes sync jobs and invokes the runner. Failed jobs are
// retried with exponential backoff inside the handler; jobs still failing
// after all attempts are published to the poison topic.
type Worker struct {
	router     *message.Router
	subscriber message.Subscriber
	poisonPub  message.Publisher
}

// NewWorker wires a Watermill router over a durable JetStream queue-group
// subscription.
func NewWorker(cfg WorkerConfig, runner Runner, logger watermill.LoggerAdapter) (*Worker, error) {
	if logger == nil {
		logger = NewLoggerAdapter()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.Attempts),
		natsgo.MaxAckPending(cfg.Workers),
		natsgo.AckWait(cfg.AckWait),
		natsgo.BindStream(streamName(cfg.Topic)),
	}

	subscriber, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: "schoolbridge-workers",
		SubscribersCount: cfg.Workers,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    "schoolbridge",
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create queue subscriber: %w", err)
	}

	poisonPub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{AutoProvision: false},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create poison publisher: %w", err)
	}

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	// Middleware order, outermost first: recover panics, poison what the
	// retry chain gave up on, count poisonings, drop malformed jobs before
	// the retry layer, retry with backoff.
	router.AddMiddleware(middleware.Recoverer)

	poison, err := middleware.PoisonQueue(poisonPub, PoisonTopic(cfg.Topic))
	if err != nil {
		return nil, fmt.Errorf("create poison queue middleware: %w", err)
	}
	router.AddMiddleware(poison)

	router.AddMiddleware(func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil {
				metrics.QueueJobsPoisoned.Inc()
			}
			return out, err
		}
	})

	router.AddMiddleware(rejectMalformed)

	retry := middleware.Retry{
		MaxRetries:      cfg.Attempts - 1,
		InitialInterval: cfg.BackoffInitial,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Logger:          logger,
	}
	router.AddMiddleware(retry.Middleware)

	router.AddConsumerHandler(
		"sync-jobs",
		cfg.Topic,
		subscriber,
		handleJob(runner),
	)

	return &Worker{
		router:     router,
		subscriber: subscriber,
		poisonPub:  poisonPub,
	}, nil
}

// Run blocks processing jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Running returns a channel closed once the router is consuming.
func (w *Worker) Running() <-chan struct{} {
	return w.router.Running()
}

// Close shuts the router, subscriber and poison publisher down.
func (w *Worker) Close() error {
	err := w.router.Close()
	if serr := w.subscriber.Close(); err == nil {
		err = serr
	}
	if perr := w.poisonPub.Close(); err == nil {
		err = perr
	}
	return err
}

// rejectMalformed sits between the poison and retry layers. A malformed job
// can never succeed, so its error must bypass the retry chain and go
// straight to the poison queue.
func rejectMalformed(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if _, err := UnmarshalJob(msg.Payload); err != nil {
			logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed sync job")
			return nil, err
		}
		return h(msg)
	}
}

func handleJob(runner Runner) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		metrics.QueueJobsConsumed.Inc()

		// Screened by rejectMalformed; a decode failure here is terminal.
		job, err := UnmarshalJob(msg.Payload)
		if err != nil {
			return err
		}

		started := time.Now()
		logging.Info().
			Str("job_id", job.ID).
			Str("tenant", job.TenantID).
			Str("entity", string(job.EntityType)).
			Str("trace_id", job.TraceID).
			Msg("Sync job started")

		if err := runner.Run(msg.Context(), job.TenantID, job.EntityType, job.Environment, job.TraceID); err != nil {
			metrics.QueueJobsFailed.Inc()
			logging.Error().Err(err).
				Str("job_id", job.ID).
				Str("trace_id", job.TraceID).
				Dur("elapsed", time.Since(started)).
				Msg("Sync job failed")
			return err
		}

		logging.Info().
			Str("job_id", job.ID).
			Str("trace_id", job.TraceID).
			Dur("elapsed", time.Since(started)).
			Msg("Sync job finished")
		return nil
	}
}
