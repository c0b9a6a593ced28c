// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package writer dispatches validated records to the downstream write
// service in fixed-size batches with bounded concurrency.
//
// The writer never retries: a transport failure marks the batch failed and
// surfaces in the result, and re-execution is the job queue's
// responsibility. A circuit breaker protects the downstream service from a
// storm of doomed calls once it starts failing.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

// BatchOutcome is the explicit tri-state result of one batch call.
type BatchOutcome string

const (
	BatchAllSuccess BatchOutcome = "all-success"
	BatchPartial    BatchOutcome = "partial"
	BatchAllFailed  BatchOutcome = "all-failed"
)

// Options configures one Write call.
type Options struct {
	BatchSize    int
	Concurrency  int
	Endpoint     string
	AuthToken    string
	ClientSecret string
	EntityType   models.EntityType

	// BatchStamp overrides the generated batchId for entity types that
	// carry one; tests use it for determinism.
	BatchStamp string
}

// WriteError is one per-record failure reported by the downstream service
// or synthesized for a failed batch.
type WriteError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// BatchDetail captures the request/response of one batch for debugging.
// Payload and Response hold the verbatim bytes of the last exchange.
type BatchDetail struct {
	BatchIndex int             `json:"batchIndex"`
	Outcome    BatchOutcome    `json:"outcome"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Result aggregates a Write call across all batches. BatchDetails is
// ordered by original batch index regardless of completion order.
type Result struct {
	Success      int           `json:"success"`
	Failed       int           `json:"failed"`
	Errors       []WriteError  `json:"errors"`
	BatchDetails []BatchDetail `json:"batchDetails"`
}

// LastFailure returns the highest-indexed non-successful batch detail, or
// nil when every batch succeeded. The run log stores it as the write debug
// snapshot.
func (r *Result) LastFailure() *BatchDetail {
	for i := len(r.BatchDetails) - 1; i >= 0; i-- {
		if r.BatchDetails[i].Outcome != BatchAllSuccess {
			return &r.BatchDetails[i]
		}
	}
	return nil
}

// writeTimeout bounds one downstream call.
const writeTimeout = 30 * time.Second

// Writer posts record batches to the downstream write service.
type Writer struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*exchange]
}

// New creates a Writer with a fresh circuit breaker. One Writer is shared
// across runs so the breaker state reflects the downstream service, not a
// single run.
func New() *Writer {
	settings := gobreaker.Settings{
		Name:    "downstream-writer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Downstream circuit breaker state change")
		},
	}
	return &Writer{
		client:  &http.Client{Timeout: writeTimeout},
		breaker: gobreaker.NewCircuitBreaker[*exchange](settings),
	}
}

// Write partitions records into fixed-size batches in original order and
// dispatches them concurrently, at most opts.Concurrency in flight.
func (w *Writer) Write(ctx context.Context, records []models.TransformedRecord, opts Options) (*Result, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("write endpoint is empty")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	batches := partition(records, opts.BatchSize)
	outcomes := make([]batchResult, len(batches))

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[index] = w.writeBatch(ctx, batches[index], index, opts)
		}(i)
	}
	wg.Wait()

	// Fold per-batch results in index order so parallel completion order
	// never leaks into the aggregate.
	result := &Result{}
	for _, out := range outcomes {
		result.Success += out.success
		result.Failed += out.failed
		result.Errors = append(result.Errors, out.errors...)
		result.BatchDetails = append(result.BatchDetails, out.detail)
	}
	return result, nil
}

// batchResult is the outcome of one dispatched batch.
type batchResult struct {
	success int
	failed  int
	errors  []WriteError
	detail  BatchDetail
}

// exchange carries one HTTP round trip through the circuit breaker.
type exchange struct {
	status int
	body   []byte
}

// downstreamResponse is the documented response envelope: either a
// whole-batch {code, message} or per-record failures in data.
type downstreamResponse struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Success any    `json:"success"`
	Data    []struct {
		ID       string   `json:"id"`
		Messages []string `json:"messages"`
	} `json:"data"`
}

// writeBatch posts one batch, interprets the response, and records the batch
// metrics.
func (w *Writer) writeBatch(ctx context.Context, batch []models.TransformedRecord, index int, opts Options) batchResult {
	started := time.Now()
	out := w.dispatchBatch(ctx, batch, index, opts)
	metrics.RecordWriteBatch(string(opts.EntityType), string(out.detail.Outcome),
		time.Since(started), len(batch), out.failed)
	return out
}

// dispatchBatch posts one batch and interprets the response, most-specific
// first: per-record error list, then whole-batch business code, then
// transport failure.
func (w *Writer) dispatchBatch(ctx context.Context, batch []models.TransformedRecord, index int, opts Options) batchResult {
	payload, err := buildPayload(batch, index, opts)
	if err != nil {
		return failWholeBatch(batch, index, nil, nil,
			fmt.Sprintf("%s encode payload: %v", models.ReasonDownstreamProtocol, err))
	}

	ex, err := w.post(ctx, payload, opts)
	if err != nil {
		var respBody []byte
		if ex != nil {
			respBody = ex.body
		}
		return failWholeBatch(batch, index, payload, respBody,
			fmt.Sprintf("%s %v", models.ReasonDownstreamProtocol, err))
	}

	var resp downstreamResponse
	if err := json.Unmarshal(ex.body, &resp); err != nil {
		// An unparseable 2xx body is treated as whole-batch success per
		// the downstream contract (HTTP 200 with no envelope).
		logging.Debug().Int("batch", index).Msg("Downstream response has no envelope; assuming success")
		return succeedWholeBatch(batch, index, payload, ex.body)
	}

	// Per-record error list: exactly those ids fail, the rest succeed.
	if len(resp.Data) > 0 {
		out := batchResult{
			success: len(batch) - len(resp.Data),
			failed:  len(resp.Data),
		}
		for _, rec := range resp.Data {
			id := rec.ID
			if id == "" {
				id = "unknown"
			}
			msg := "business validation failed"
			if len(rec.Messages) > 0 {
				msg = strings.Join(rec.Messages, "; ")
			}
			out.errors = append(out.errors, WriteError{
				ID:      id,
				Message: fmt.Sprintf("%s %s", models.ReasonDownstreamBusiness, msg),
			})
		}
		outcome := BatchPartial
		if len(resp.Data) >= len(batch) {
			outcome = BatchAllFailed
			out.success = 0
			out.failed = len(batch)
		}
		out.detail = BatchDetail{BatchIndex: index, Outcome: outcome, Payload: payload, Response: ex.body}
		return out
	}

	// Whole-batch business code with no per-record list.
	if !isSuccessCode(resp.Code, resp.Success) {
		reason := fmt.Sprintf("%s %s (code: %v)", models.ReasonDownstreamBusiness, resp.Message, resp.Code)
		return failWholeBatch(batch, index, payload, ex.body, reason)
	}

	return succeedWholeBatch(batch, index, payload, ex.body)
}

// post sends one batch through the circuit breaker. It returns an error for
// transport failures and non-2xx statuses; business-level failures inside a
// 2xx response do not trip the breaker.
func (w *Writer) post(ctx context.Context, payload []byte, opts Options) (*exchange, error) {
	return w.breaker.Execute(func() (*exchange, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if opts.AuthToken != "" {
			req.Header.Set("Authorization", opts.AuthToken)
		}
		if opts.ClientSecret != "" {
			req.Header.Set("client-secret", opts.ClientSecret)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		ex := &exchange{status: resp.StatusCode, body: body}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return ex, fmt.Errorf("downstream status %d: %s", resp.StatusCode, truncate(body, 512))
		}
		return ex, nil
	})
}

// buildPayload wraps the batch in the entity-specific envelope key and
// stamps batchId/semesterId for the entity types that require them.
func buildPayload(batch []models.TransformedRecord, index int, opts Options) ([]byte, error) {
	records := make([]map[string]any, len(batch))
	for i := range batch {
		records[i] = batch[i].Record
	}

	payload := map[string]any{
		opts.EntityType.WrapperKey(): records,
	}
	if opts.EntityType.NeedsBatchStamp() {
		stamp := opts.BatchStamp
		if stamp == "" {
			stamp = fmt.Sprintf("batch_%d_%d", time.Now().UnixMilli(), index)
		}
		payload["batchId"] = stamp
		payload["semesterId"] = "default"
	}
	return json.Marshal(payload)
}

func succeedWholeBatch(batch []models.TransformedRecord, index int, payload, response []byte) batchResult {
	return batchResult{
		success: len(batch),
		detail:  BatchDetail{BatchIndex: index, Outcome: BatchAllSuccess, Payload: payload, Response: response},
	}
}

func failWholeBatch(batch []models.TransformedRecord, index int, payload, response []byte, reason string) batchResult {
	out := batchResult{
		failed: len(batch),
		detail: BatchDetail{
			BatchIndex: index,
			Outcome:    BatchAllFailed,
			Payload:    payload,
			Response:   response,
			Error:      reason,
		},
	}
	for i := range batch {
		id := batch[i].ID()
		if id == "" {
			id = "batch-error"
		}
		out.errors = append(out.errors, WriteError{ID: id, Message: reason})
	}
	return out
}

// successCodes is the downstream whitelist: any of these code values (after
// lowercasing) means the batch was accepted.
var successCodes = map[string]bool{
	"200": true, "0": true, "1": true, "success": true,
	"ok": true, "true": true, "201": true, "e200": true,
}

// isSuccessCode interprets the downstream code/success pair. A missing code
// on a 2xx response counts as success.
func isSuccessCode(code, successFlag any) bool {
	if successFlag == true || successFlag == "true" {
		return true
	}
	if code == nil {
		return true
	}
	return successCodes[strings.ToLower(fmt.Sprintf("%v", code))]
}

func partition(records []models.TransformedRecord, size int) [][]models.TransformedRecord {
	var batches [][]models.TransformedRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
