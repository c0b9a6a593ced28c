// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// SchoolBridge server: pulls school data (teachers, students,
// organizations, classes) from per-tenant sources, transforms and
// validates it, and pushes it to the downstream write service in batches.
//
// One process hosts the whole engine: the HTTP control surface, the
// durable job queue (embedded NATS JetStream by default), the worker pool,
// and the cron scheduler.
//
// Usage:
//
//	schoolbridge-server
//
// Configuration comes from config.yaml (or $CONFIG_PATH) with SB_*
// environment overrides, e.g. SB_SERVER_PORT=8080.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schoolbridge/schoolbridge/internal/api"
	"github.com/schoolbridge/schoolbridge/internal/config"
	"github.com/schoolbridge/schoolbridge/internal/executor"
	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/queue"
	"github.com/schoolbridge/schoolbridge/internal/runlog"
	"github.com/schoolbridge/schoolbridge/internal/scheduler"
	"github.com/schoolbridge/schoolbridge/internal/source"
	"github.com/schoolbridge/schoolbridge/internal/writer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("tenants_dir", cfg.TenantsDir).
		Str("queue_env", cfg.Queue.Env).
		Int("workers", cfg.Queue.Workers).
		Msg("Starting SchoolBridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run log store: metadata database when configured, memory otherwise.
	var store runlog.Store
	if cfg.Metadata.DSN != "" {
		sqlStore, err := runlog.OpenSQLStore(ctx, cfg.Metadata.DSN)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open run log store")
		}
		store = sqlStore
		logging.Info().Msg("Run log store ready")
	} else {
		store = runlog.NewMemoryStore()
		logging.Warn().Msg("No metadata DSN configured, run logs are in-memory only")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing run log store")
		}
	}()

	// Queue transport: embedded JetStream by default.
	natsURL := cfg.Queue.URL
	if cfg.Queue.Embedded {
		embedded, err := queue.StartEmbeddedServer(cfg.Queue.StoreDir)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		}()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	topic := cfg.QueueTopic()
	if err := queue.EnsureStreams(ctx, natsURL, topic, queue.StreamRetention{
		CompletedMaxAge: cfg.Queue.CompletedMaxAge,
		FailedMaxAge:    cfg.Queue.FailedMaxAge,
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision job streams")
	}

	wmLogger := queue.NewLoggerAdapter()

	q, err := queue.NewQueue(natsURL, topic, store, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create job queue")
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing job queue")
		}
	}()

	// The sync engine behind the workers.
	provider := config.NewProvider(cfg.TenantsDir)
	pools := source.NewPoolManager()
	defer pools.DestroyAll()

	exec := executor.New(cfg, provider, pools, writer.New(), store)
	runner := queue.RunnerFunc(func(ctx context.Context, tenantID string, entity models.EntityType, environment, traceID string) error {
		_, err := exec.Run(ctx, tenantID, entity, environment, traceID)
		return err
	})

	worker, err := queue.NewWorker(queue.WorkerConfig{
		URL:            natsURL,
		Topic:          topic,
		Workers:        cfg.Queue.Workers,
		Attempts:       cfg.Queue.Attempts,
		BackoffInitial: cfg.Queue.BackoffInitial,
		AckWait:        cfg.Queue.AckWait,
	}, runner, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create queue worker")
	}
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Queue worker stopped")
		}
	}()
	<-worker.Running()
	logging.Info().Msg("Queue worker consuming")
	defer func() {
		if err := worker.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing queue worker")
		}
	}()

	// Cron schedules for every enabled (tenant, entity) pair.
	sched := scheduler.New(q, 0)
	if err := sched.RegisterAll(provider); err != nil {
		logging.Error().Err(err).Msg("Failed to register cron schedules")
	}
	if err := sched.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()

	// HTTP control surface.
	handler := api.NewHandler(q, store, provider)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	go func() {
		logging.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
	}
	cancel()
}
