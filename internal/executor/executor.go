// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package executor drives one synchronization run: resolve the effective
// configuration, then loop fetch → transform → write across pages, folding
// stage statistics into a durable run log.
//
// A run is a state machine: INIT → RUNNING → (per page: FETCH → TRANSFORM →
// WRITE) → COMPLETED | FAILED. Whatever goes wrong, the run log is
// finalized; a finalization failure is joined with the run error rather
// than replacing it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schoolbridge/schoolbridge/internal/config"
	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/pipeline"
	"github.com/schoolbridge/schoolbridge/internal/runlog"
	"github.com/schoolbridge/schoolbridge/internal/source"
	"github.com/schoolbridge/schoolbridge/internal/writer"
)

// defaultDBFetchSize is the page size for database sources that do not
// configure one.
const defaultDBFetchSize = 1000

// RunResult is the caller-visible accounting of one finished run.
type RunResult struct {
	TraceID string `json:"traceId"`
	Total   int    `json:"total"`
	Written int    `json:"written"`
	Failed  int    `json:"failed"`
}

// Executor orchestrates sync runs. It is safe for concurrent use; each Run
// keeps all per-run state on the stack.
type Executor struct {
	cfg      *config.Config
	provider *config.Provider
	pools    *source.PoolManager
	writer   *writer.Writer
	store    runlog.Store
}

// New wires an Executor from its collaborators.
func New(cfg *config.Config, provider *config.Provider, pools *source.PoolManager, w *writer.Writer, store runlog.Store) *Executor {
	return &Executor{
		cfg:      cfg,
		provider: provider,
		pools:    pools,
		writer:   w,
		store:    store,
	}
}

// Run executes one synchronization for (tenantID, entity). An empty traceID
// mints a fresh one; callers that pre-created a queued run log pass the
// same traceID so the row transitions in place.
func (e *Executor) Run(ctx context.Context, tenantID string, entity models.EntityType, environment, traceID string) (*RunResult, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx = logging.WithTraceID(ctx, traceID)
	started := time.Now()

	entry := &runlog.RunLog{
		TraceID:     traceID,
		TenantID:    tenantID,
		EntityType:  entity,
		Environment: environment,
		Status:      runlog.RunRunning,
		StartedAt:   started,
	}

	result, runErr := e.execute(ctx, entry, tenantID, entity, environment)

	if runErr != nil {
		entry.Status = runlog.RunFailed
		entry.Stages.Fetch.Status = "failed"
		entry.Stages.Fetch.Reason = runErr.Error()
	} else {
		entry.Status = runlog.RunSuccess
		entry.Stages.Fetch.Status = "success"
	}
	entry.Summary = runlog.Summary{
		Total:   result.Total,
		Success: result.Written,
		Failed:  result.Failed,
	}

	if err := e.store.Upsert(ctx, entry); err != nil {
		finalizeErr := fmt.Errorf("finalize run log %s: %w", traceID, err)
		if runErr != nil {
			runErr = errors.Join(runErr, finalizeErr)
		} else {
			runErr = finalizeErr
		}
	}

	metrics.RecordRun(string(entity), time.Since(started), result.Written, result.Failed, runErr)

	evt := logging.Info()
	if runErr != nil {
		evt = logging.Error().Err(runErr)
	}
	evt.Str("tenant", tenantID).
		Str("entity", string(entity)).
		Str("trace_id", traceID).
		Int("total", result.Total).
		Int("written", result.Written).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("Sync run finished")

	return result, runErr
}

// execute performs the paged run body. It mutates entry in place so the
// caller can finalize a consistent log even on error.
func (e *Executor) execute(ctx context.Context, entry *runlog.RunLog, tenantID string, entity models.EntityType, environment string) (*RunResult, error) {
	result := &RunResult{TraceID: entry.TraceID}

	cfg, err := e.provider.EntityConfig(tenantID, entity)
	if err != nil {
		return result, fmt.Errorf("resolve configuration: %w", err)
	}
	if environment == "" {
		environment = cfg.Sync.Environment
	}
	env, err := e.cfg.ResolveEnvironment(environment)
	if err != nil {
		return result, fmt.Errorf("resolve environment: %w", err)
	}
	entry.Environment = env.ID
	endpoint := strings.TrimSuffix(env.BaseURL, "/") + entity.EndpointPath()

	adapter, err := source.ForConfig(cfg, e.pools)
	if err != nil {
		return result, fmt.Errorf("select source adapter: %w", err)
	}

	if err := e.store.Upsert(ctx, entry); err != nil {
		return result, fmt.Errorf("persist running state: %w", err)
	}

	state := source.PageState{TraceID: entry.TraceID, Page: startPage(cfg)}
	fullPage := fullPageSize(cfg)

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run cancelled: %w", err)
		}

		fetchStart := time.Now()
		envelope, err := adapter.FetchPage(ctx, cfg, state)
		metrics.RecordFetch(string(cfg.DataSource.Kind), time.Since(fetchStart), envelopeLen(envelope), err)
		if err != nil {
			return result, fmt.Errorf("fetch page %d: %w", state.Page, err)
		}

		fetched := len(envelope.RawData)
		if fetched == 0 {
			break
		}
		entry.Stages.Fetch.Total += fetched
		entry.AddRawSample(envelope.RawData)

		page, err := pipeline.Transform(envelope, cfg)
		if err != nil {
			return result, fmt.Errorf("transform page %d: %w", state.Page, err)
		}
		entry.Stages.Transform.Success += page.SuccessCount
		entry.Stages.Transform.Failed += page.FailedCount

		if err := e.writePage(ctx, entry, cfg, endpoint, page.Records); err != nil {
			return result, fmt.Errorf("write page %d: %w", state.Page, err)
		}

		result.Total += fetched
		for i := range page.Records {
			switch page.Records[i].Status {
			case models.RecordSuccess:
				result.Written++
			case models.RecordFailed:
				result.Failed++
			}
		}

		if err := e.store.Upsert(ctx, entry); err != nil {
			return result, fmt.Errorf("persist page progress: %w", err)
		}

		if done(cfg, fetched, fullPage) {
			break
		}
		state.Page++
		state.Offset += fetched
	}

	return result, nil
}

// writePage sends the page's pending records downstream and reconciles
// per-record outcomes back onto the page.
//
// Pending records are optimistically promoted to success once their batch
// call returns, then demoted strictly by id for every failure the write
// service reported. A write result with zero successes demotes the whole
// page's pending records, id match or not.
func (e *Executor) writePage(ctx context.Context, entry *runlog.RunLog, cfg *models.EntityConfig, endpoint string, records []models.TransformedRecord) error {
	pending := make([]models.TransformedRecord, 0, len(records))
	for i := range records {
		if records[i].Status == models.RecordPendingWrite {
			pending = append(pending, records[i])
		}
	}

	if len(pending) > 0 {
		res, err := e.writer.Write(ctx, pending, writer.Options{
			BatchSize:    cfg.Batch.BatchSize,
			Concurrency:  e.cfg.Writer.Concurrency,
			Endpoint:     endpoint,
			AuthToken:    e.cfg.Writer.AuthToken,
			ClientSecret: e.cfg.Writer.ClientSecret,
			EntityType:   cfg.EntityType,
		})
		if err != nil {
			return err
		}

		failedByID := make(map[string]string, len(res.Errors))
		for _, we := range res.Errors {
			failedByID[we.ID] = we.Message
		}

		for i := range records {
			if records[i].Status != models.RecordPendingWrite {
				continue
			}
			records[i].Status = models.RecordSuccess
			if reason, ok := failedByID[records[i].ID()]; ok {
				records[i].Status = models.RecordFailed
				records[i].Reason = reason
			} else if res.Success == 0 {
				records[i].Status = models.RecordFailed
				records[i].Reason = models.ReasonDownstreamProtocol + " batch reported zero successes"
			}
		}

		if failure := res.LastFailure(); failure != nil {
			entry.WriteDebug = &runlog.WriteDebug{
				BatchIndex: failure.BatchIndex,
				Payload:    failure.Payload,
				Response:   failure.Response,
				Error:      failure.Error,
			}
		}
	}

	for i := range records {
		switch records[i].Status {
		case models.RecordSuccess:
			entry.Stages.Write.Success++
			entry.AddSuccessSample(records[i].Record)
		case models.RecordFailed:
			// Transform-stage failures never reached the writer and do
			// not count against the write stage.
			if !strings.HasPrefix(records[i].Reason, models.ReasonSchemaValidation) {
				entry.Stages.Write.Failed++
			}
			entry.FailedRecords = append(entry.FailedRecords, runlog.FailedRecord{
				Data:   records[i].Record,
				Reason: records[i].Reason,
			})
		}
	}
	return nil
}

// startPage returns the first page number for API pagination.
func startPage(cfg *models.EntityConfig) int {
	if cfg.DataSource.Kind == models.SourceAPI && cfg.DataSource.API.Pagination != nil {
		if sp := cfg.DataSource.API.Pagination.StartPage; sp > 0 {
			return sp
		}
	}
	return 1
}

// fullPageSize returns the fetch size a full page is expected to carry, or
// 0 when the source cannot paginate and the loop must stop after one fetch.
func fullPageSize(cfg *models.EntityConfig) int {
	switch cfg.DataSource.Kind {
	case models.SourceAPI:
		if p := cfg.DataSource.API.Pagination; p != nil && p.PageSize > 0 {
			return p.PageSize
		}
		return 0
	case models.SourceDB:
		if bs := cfg.DataSource.DB.BatchSize; bs > 0 {
			return bs
		}
		return defaultDBFetchSize
	}
	return 0
}

// done decides loop termination after a non-empty page: a short page means
// the source is exhausted, a non-paginating source stops after one fetch,
// and a placeholder API source never drives a loop.
func done(cfg *models.EntityConfig, fetched, fullPage int) bool {
	if fullPage == 0 || fetched < fullPage {
		return true
	}
	if cfg.DataSource.Kind == models.SourceAPI && cfg.DataSource.API.IsPlaceholder() {
		return true
	}
	return false
}

func envelopeLen(envelope *models.DataEnvelope) int {
	if envelope == nil {
		return 0
	}
	return len(envelope.RawData)
}
