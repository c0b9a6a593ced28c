// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package source implements the data-source adapters (REST API and
// relational database) and the shared connection-pool manager.
package source

import (
	"context"
	"fmt"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// PageState carries the cursor for one fetch. Page drives API pagination,
// Offset drives database pagination; TraceID scopes the returned envelope
// to the current run.
type PageState struct {
	TraceID string
	Page    int
	Offset  int
}

// Adapter fetches one page of raw records from a configured source.
type Adapter interface {
	FetchPage(ctx context.Context, cfg *models.EntityConfig, state PageState) (*models.DataEnvelope, error)
}

// ForConfig selects the adapter for the configuration's data-source kind.
// The switch is exhaustive over the union: webhook sources are push-style
// and have no fetch loop, so selecting one is a configuration error.
func ForConfig(cfg *models.EntityConfig, pools *PoolManager) (Adapter, error) {
	switch cfg.DataSource.Kind {
	case models.SourceAPI:
		if cfg.DataSource.API == nil {
			return nil, fmt.Errorf("data source declares kind %q but has no api block", cfg.DataSource.Kind)
		}
		return NewAPIAdapter(), nil
	case models.SourceDB:
		if cfg.DataSource.DB == nil {
			return nil, fmt.Errorf("data source declares kind %q but has no db block", cfg.DataSource.Kind)
		}
		return NewDBAdapter(pools), nil
	case models.SourceWebhook:
		return nil, fmt.Errorf("webhook sources are push-only and cannot be fetched")
	default:
		return nil, fmt.Errorf("unsupported data source kind %q", cfg.DataSource.Kind)
	}
}
