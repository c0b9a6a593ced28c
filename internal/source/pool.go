// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package source

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	// Drivers for the supported relational source kinds.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

// Pool bounds. A sync run usually holds a single connection at a time, so
// the per-key pool stays small; idle connections are reclaimed after
// maxIdleTime so shared databases are not held open between runs.
const (
	maxOpenConns = 3
	maxIdleTime  = 30 * time.Second
)

// PoolManager is the process-wide cache of pooled relational connections.
// The cache key deliberately excludes tenant identity: tenants that resolve
// to the same physical database share one pool. It is injected into the DB
// adapter rather than accessed as ambient global state.
type PoolManager struct {
	mu    sync.Mutex
	pools map[string]*sqlx.DB
}

// NewPoolManager creates an empty pool cache.
func NewPoolManager() *PoolManager {
	return &PoolManager{pools: make(map[string]*sqlx.DB)}
}

// Get returns the pool for the source's physical database, creating it on
// first use. Creation is race-safe: at most one pool exists per cache key.
// Callers must not close the returned pool; lifecycle belongs to the
// manager.
func (m *PoolManager) Get(src *models.DBSource) (*sqlx.DB, error) {
	key := cacheKey(src)

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[key]; ok {
		return db, nil
	}

	driver, dsn, err := buildDSN(src)
	if err != nil {
		return nil, err
	}

	// sqlx.Open does not dial; connections are created lazily on first
	// query, giving the zero-minimum pool behavior.
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", src.DBType, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(maxIdleTime)

	m.pools[key] = db
	metrics.DBPoolSize.Set(float64(len(m.pools)))

	logging.Info().
		Str("db_type", src.DBType).
		Str("database", src.Database).
		Msg("Created connection pool")

	return db, nil
}

// Len returns the number of live pools, for health reporting.
func (m *PoolManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// DestroyAll closes every pool. Called once at process shutdown.
func (m *PoolManager) DestroyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, db := range m.pools {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Str("pool", key).Msg("Closing pool failed")
		}
		delete(m.pools, key)
	}
	metrics.DBPoolSize.Set(0)
}

// cacheKey identifies one physical database: driver kind, endpoint, user,
// and database/SID. Tenant identity is intentionally absent.
func cacheKey(src *models.DBSource) string {
	endpoint := src.ConnectionString
	if endpoint == "" {
		endpoint = src.Host
	}
	name := src.Database
	if name == "" {
		name = src.SID
	}
	return fmt.Sprintf("%s:%s:%d:%s:%s", src.DBType, endpoint, src.Port, src.User, name)
}

// buildDSN maps the configured source to a registered driver name and DSN.
func buildDSN(src *models.DBSource) (driver, dsn string, err error) {
	switch strings.ToLower(src.DBType) {
	case "mysql":
		if src.ConnectionString != "" {
			return "mysql", normalizeMySQLDSN(src.ConnectionString), nil
		}
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			src.User, src.Password, src.Host, src.Port, src.Database), nil

	case "postgresql", "postgres":
		if src.ConnectionString != "" {
			return "postgres", src.ConnectionString, nil
		}
		return "postgres", fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=require",
			url.QueryEscape(src.User), url.QueryEscape(src.Password),
			src.Host, src.Port, src.Database), nil

	case "sqlserver":
		if src.ConnectionString != "" {
			return "sqlserver", src.ConnectionString, nil
		}
		return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
			url.QueryEscape(src.User), url.QueryEscape(src.Password),
			src.Host, src.Port, src.Database), nil

	default:
		return "", "", fmt.Errorf("unsupported db type %q", src.DBType)
	}
}

// normalizeMySQLDSN strips a URL scheme prefix some configurations carry;
// the mysql driver expects user:pass@tcp(host:port)/db form.
func normalizeMySQLDSN(conn string) string {
	if !strings.HasPrefix(conn, "mysql://") {
		return conn
	}
	u, err := url.Parse(conn)
	if err != nil {
		return conn
	}
	password, _ := u.User.Password()
	return fmt.Sprintf("%s:%s@tcp(%s)/%s",
		u.User.Username(), password, u.Host, strings.TrimPrefix(u.Path, "/"))
}
