// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// SQLStore persists run logs in the metadata database (PostgreSQL). The
// trace_id primary key plus ON CONFLICT upsert gives the idempotent-logging
// guarantee: repeated upserts for one trace id converge to a single row.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open metadata database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore connects to the metadata database and ensures the schema.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	store := NewSQLStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the run-log table when absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS bridge_sync_logs (
		trace_id       TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		environment    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		summary        JSONB NOT NULL,
		stages         JSONB NOT NULL,
		raw_sample     JSONB,
		success_sample JSONB,
		failed_records JSONB,
		write_debug    JSONB,
		started_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure run log schema: %w", err)
	}
	return nil
}

// row is the scan target for bridge_sync_logs.
type row struct {
	TraceID       string         `db:"trace_id"`
	TenantID      string         `db:"tenant_id"`
	EntityType    string         `db:"entity_type"`
	Environment   string         `db:"environment"`
	Status        string         `db:"status"`
	Summary       []byte         `db:"summary"`
	Stages        []byte         `db:"stages"`
	RawSample     []byte         `db:"raw_sample"`
	SuccessSample []byte         `db:"success_sample"`
	FailedRecords []byte         `db:"failed_records"`
	WriteDebug    []byte         `db:"write_debug"`
	StartedAt     time.Time      `db:"started_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// Upsert inserts or updates the row keyed by trace id.
func (s *SQLStore) Upsert(ctx context.Context, entry *RunLog) error {
	now := time.Now()
	if entry.StartedAt.IsZero() {
		entry.StartedAt = now
	}
	entry.UpdatedAt = now

	summary, err := json.Marshal(entry.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	stages, err := json.Marshal(entry.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	rawSample, _ := json.Marshal(entry.RawSample)
	successSample, _ := json.Marshal(entry.SuccessSample)
	failedRecords, _ := json.Marshal(entry.FailedRecords)

	var writeDebug []byte
	if entry.WriteDebug != nil {
		writeDebug, _ = json.Marshal(entry.WriteDebug)
	}

	const stmt = `INSERT INTO bridge_sync_logs
		(trace_id, tenant_id, entity_type, environment, status,
		 summary, stages, raw_sample, success_sample, failed_records, write_debug,
		 started_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (trace_id) DO UPDATE SET
		status = EXCLUDED.status,
		summary = EXCLUDED.summary,
		stages = EXCLUDED.stages,
		raw_sample = EXCLUDED.raw_sample,
		success_sample = EXCLUDED.success_sample,
		failed_records = EXCLUDED.failed_records,
		write_debug = EXCLUDED.write_debug,
		updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, stmt,
		entry.TraceID, entry.TenantID, string(entry.EntityType), entry.Environment, string(entry.Status),
		summary, stages, rawSample, successSample, failedRecords, writeDebug,
		entry.StartedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert run log %s: %w", entry.TraceID, err)
	}
	return nil
}

// Get returns the full run log for a trace id.
func (s *SQLStore) Get(ctx context.Context, traceID string) (*RunLog, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM bridge_sync_logs WHERE trace_id = $1`, traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run log %s: %w", traceID, err)
	}
	return decodeRow(&r)
}

// List returns up to limit run logs, most recently updated first.
func (s *SQLStore) List(ctx context.Context, limit int) ([]*RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM bridge_sync_logs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}

	out := make([]*RunLog, 0, len(rows))
	for i := range rows {
		entry, err := decodeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func decodeRow(r *row) (*RunLog, error) {
	entry := &RunLog{
		TraceID:     r.TraceID,
		TenantID:    r.TenantID,
		EntityType:  models.EntityType(r.EntityType),
		Environment: r.Environment,
		Status:      RunStatus(r.Status),
		StartedAt:   r.StartedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Summary, &entry.Summary); err != nil {
		return nil, fmt.Errorf("decode summary for %s: %w", r.TraceID, err)
	}
	if err := json.Unmarshal(r.Stages, &entry.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for %s: %w", r.TraceID, err)
	}
	decodeOptional(r.RawSample, &entry.RawSample)
	decodeOptional(r.SuccessSample, &entry.SuccessSample)
	decodeOptional(r.FailedRecords, &entry.FailedRecords)
	if len(r.WriteDebug) > 0 {
		entry.WriteDebug = &WriteDebug{}
		decodeOptional(r.WriteDebug, entry.WriteDebug)
	}
	return entry, nil
}

// decodeOptional ignores decoding failures on optional sample columns; a
// corrupt sample must not make the whole run log unreadable.
func decodeOptional(raw []byte, target any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}
