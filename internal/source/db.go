// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

// DBAdapter fetches pages from a relational source through the shared pool
// manager. One of viewName, modelName, or a raw SQL statement selects the
// query form.
type DBAdapter struct {
	pools *PoolManager
}

// NewDBAdapter creates a DB adapter backed by the given pool manager.
func NewDBAdapter(pools *PoolManager) *DBAdapter {
	return &DBAdapter{pools: pools}
}

// FetchPage runs one windowed query against the configured source. The
// query carries a finite timeout so a stuck connection is reclaimed rather
// than blocking the pool indefinitely.
func (a *DBAdapter) FetchPage(ctx context.Context, cfg *models.EntityConfig, state PageState) (*models.DataEnvelope, error) {
	src := cfg.DataSource.DB

	db, err := a.pools.Get(src)
	if err != nil {
		return nil, err
	}

	query, err := buildQuery(cfg, state.Offset)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	rows, err := db.QueryxContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s source for %s:%s: %w", src.DBType, cfg.TenantID, cfg.EntityType, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s rows for %s:%s: %w", src.DBType, cfg.TenantID, cfg.EntityType, err)
	}

	logging.Ctx(ctx).Debug().
		Str("tenant", cfg.TenantID).
		Int("offset", state.Offset).
		Int("records", len(records)).
		Msg("Fetched DB page")

	return &models.DataEnvelope{
		TraceID:  state.TraceID,
		TenantID: cfg.TenantID,
		RawData:  records,
	}, nil
}

// buildQuery assembles the paged SELECT for the configured query form.
func buildQuery(cfg *models.EntityConfig, offset int) (string, error) {
	src := cfg.DataSource.DB

	batchSize := src.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	relation := src.ViewName
	if relation == "" {
		relation = src.ModelName
	}

	if relation != "" {
		columns := columnList(cfg)
		return fmt.Sprintf("SELECT %s FROM %s %s",
			columns, relation, pageClause(src.DBType, batchSize, offset)), nil
	}

	stmt := src.Statement()
	if stmt == "" {
		return "", fmt.Errorf("db source for %s:%s has no viewName, modelName, or sql", cfg.TenantID, cfg.EntityType)
	}

	// A hand-written statement may already page itself; only append the
	// window when it doesn't.
	lower := strings.ToLower(stmt)
	if strings.Contains(lower, " limit ") || strings.Contains(lower, " offset ") {
		return stmt, nil
	}
	return stmt + " " + pageClause(src.DBType, batchSize, offset), nil
}

// pageClause renders the paging window in the source's SQL dialect. SQL
// Server has no LIMIT keyword; it pages with OFFSET/FETCH, which in turn
// requires an ORDER BY clause.
func pageClause(dbType string, batchSize, offset int) string {
	if strings.ToLower(dbType) == "sqlserver" {
		return fmt.Sprintf("ORDER BY 1 OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, batchSize)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", batchSize, offset)
}

// columnList narrows the SELECT to the source fields the field map
// references, falling back to all columns with a warning when the map names
// none.
func columnList(cfg *models.EntityConfig) string {
	fields := cfg.SourceFields()
	if len(fields) == 0 {
		logging.Warn().
			Str("tenant", cfg.TenantID).
			Str("entity", string(cfg.EntityType)).
			Msg("Field map names no source fields; selecting all columns")
		return "*"
	}
	return strings.Join(fields, ", ")
}

// scanRecords converts the result set into loosely typed records. Byte
// slices (mysql's default for text columns) become strings so the pipeline
// sees comparable values across drivers.
func scanRecords(rows *sqlx.Rows) ([]map[string]any, error) {
	var records []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		records = append(records, row)
	}
	return records, rows.Err()
}
