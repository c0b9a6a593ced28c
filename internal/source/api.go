// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

// fetchTimeout bounds one page fetch so a stuck source cannot stall a
// worker indefinitely.
const fetchTimeout = 30 * time.Second

// APIAdapter fetches pages from a REST endpoint, one HTTP call per page.
type APIAdapter struct {
	client *http.Client
}

// NewAPIAdapter creates an API adapter with a bounded request timeout.
func NewAPIAdapter() *APIAdapter {
	return &APIAdapter{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// FetchPage issues one HTTP call, injecting the page cursor into the
// configured pagination query parameters. It fails fast on a missing or
// placeholder URL; there is no fallback to synthetic data.
func (a *APIAdapter) FetchPage(ctx context.Context, cfg *models.EntityConfig, state PageState) (*models.DataEnvelope, error) {
	src := cfg.DataSource.API

	if src.URL == "" {
		return nil, fmt.Errorf("api source for %s:%s has no url configured", cfg.TenantID, cfg.EntityType)
	}
	if src.IsPlaceholder() {
		return nil, fmt.Errorf("api source for %s:%s points at placeholder url %q", cfg.TenantID, cfg.EntityType, src.URL)
	}

	req, err := a.buildRequest(ctx, src, state)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d from %s: %w", state.Page, src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch page %d from %s: status %d: %s", state.Page, src.URL, resp.StatusCode, body)
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode page %d from %s: %w", state.Page, src.URL, err)
	}

	logging.Ctx(ctx).Debug().
		Str("tenant", cfg.TenantID).
		Int("page", state.Page).
		Int("records", len(records)).
		Msg("Fetched API page")

	return &models.DataEnvelope{
		TraceID:  state.TraceID,
		TenantID: cfg.TenantID,
		RawData:  records,
	}, nil
}

// buildRequest assembles the paged request from the source configuration.
func (a *APIAdapter) buildRequest(ctx context.Context, src *models.APISource, state PageState) (*http.Request, error) {
	method := src.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", src.URL, err)
	}

	query := url.Values{}
	for k, v := range src.Params {
		query.Set(k, v)
	}
	if p := src.Pagination; p != nil {
		if p.PageParam != "" {
			query.Set(p.PageParam, strconv.Itoa(state.Page))
		}
		if p.SizeParam != "" && p.PageSize > 0 {
			query.Set(p.SizeParam, strconv.Itoa(p.PageSize))
		}
	}
	req.URL.RawQuery = query.Encode()

	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// decodeRecords accepts the common source response shapes: a top-level
// array, an object with a "data" array, or a single object (one record).
func decodeRecords(body io.Reader) ([]map[string]any, error) {
	var payload any
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, err
	}

	switch v := payload.(type) {
	case []any:
		return toRecordSlice(v)
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			return toRecordSlice(data)
		}
		return []map[string]any{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected response shape %T", payload)
	}
}

func toRecordSlice(items []any) ([]map[string]any, error) {
	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is %T, expected object", i, item)
		}
		records = append(records, rec)
	}
	return records, nil
}
