// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamRetention bounds how long jobs stay in the streams. Processed jobs
// age out quickly; the poison stream keeps failed jobs around longer for
// operator inspection.
type StreamRetention struct {
	CompletedMaxAge time.Duration
	FailedMaxAge    time.Duration
}

// EnsureStreams creates or updates the job stream and the poison stream.
// The operation is idempotent and must run before publishers or
// subscribers start.
func EnsureStreams(ctx context.Context, url, topic string, cfg StreamRetention) error {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streams := []jetstream.StreamConfig{
		{
			Name:      streamName(topic),
			Subjects:  []string{topic},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    cfg.CompletedMaxAge,
			Storage:   jetstream.FileStorage,
			Discard:   jetstream.DiscardOld,
		},
		{
			Name:      streamName(PoisonTopic(topic)),
			Subjects:  []string{PoisonTopic(topic)},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    cfg.FailedMaxAge,
			Storage:   jetstream.FileStorage,
			Discard:   jetstream.DiscardOld,
		},
	}

	for _, sc := range streams {
		if err := ensureStream(ctx, js, sc); err != nil {
			return err
		}
	}
	return nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) error {
	if _, err := js.Stream(ctx, cfg.Name); err == nil {
		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("look up stream %s: %w", cfg.Name, err)
	}
	if _, err := js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// PoisonTopic returns the poison-queue topic for a job topic.
func PoisonTopic(topic string) string {
	return topic + "-poison"
}

// streamName maps a topic to a JetStream stream name. Stream names cannot
// contain dots, so they are replaced.
func streamName(topic string) string {
	name := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '.' || c == '>' || c == '*' {
			c = '_'
		}
		name[i] = c
	}
	return string(name)
}
