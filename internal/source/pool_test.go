// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package source

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/schoolbridge/schoolbridge/internal/metrics"
	"github.com/schoolbridge/schoolbridge/internal/models"
)

func TestPoolSharedAcrossTenants(t *testing.T) {
	m := NewPoolManager()
	defer m.DestroyAll()

	// Same physical database configured by two different tenants.
	src := func() *models.DBSource {
		return &models.DBSource{
			DBType: "mysql", Host: "db.school.test", Port: 3306,
			User: "sync", Password: "pw", Database: "sis",
		}
	}

	a, err := m.Get(src())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := m.Get(src())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("identical coordinates must share one pool")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}

	other := src()
	other.Database = "sis_archive"
	c, err := m.Get(other)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c == a {
		t.Error("different database must not share a pool")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestPoolConcurrentGet(t *testing.T) {
	m := NewPoolManager()
	defer m.DestroyAll()

	src := &models.DBSource{
		DBType: "postgresql", Host: "pg.school.test", Port: 5432,
		User: "sync", Database: "sis",
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Get(src); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if m.Len() != 1 {
		t.Errorf("Len = %d after concurrent Get, want 1", m.Len())
	}
}

func TestPoolDestroyAll(t *testing.T) {
	m := NewPoolManager()
	if _, err := m.Get(&models.DBSource{DBType: "mysql", Host: "h", Port: 3306, Database: "d"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	m.DestroyAll()
	if m.Len() != 0 {
		t.Errorf("Len = %d after DestroyAll, want 0", m.Len())
	}
}

func TestPoolSizeGauge(t *testing.T) {
	m := NewPoolManager()

	if _, err := m.Get(&models.DBSource{DBType: "mysql", Host: "h1", Port: 3306, Database: "d"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := m.Get(&models.DBSource{DBType: "mysql", Host: "h2", Port: 3306, Database: "d"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := testutil.ToFloat64(metrics.DBPoolSize); got != 2 {
		t.Errorf("pool size gauge = %v after two pools, want 2", got)
	}

	m.DestroyAll()
	if got := testutil.ToFloat64(metrics.DBPoolSize); got != 0 {
		t.Errorf("pool size gauge = %v after DestroyAll, want 0", got)
	}
}

func TestPoolUnsupportedDBType(t *testing.T) {
	m := NewPoolManager()
	defer m.DestroyAll()

	_, err := m.Get(&models.DBSource{DBType: "oracle", Host: "h", Port: 1521, SID: "ORCL"})
	if err == nil {
		t.Fatal("oracle is not a supported driver")
	}
	if !strings.Contains(err.Error(), "unsupported db type") {
		t.Errorf("error %q should name the unsupported type", err)
	}
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		src        *models.DBSource
		wantDriver string
		wantDSN    string
	}{
		{
			name: "mysql from fields",
			src: &models.DBSource{DBType: "mysql", Host: "h", Port: 3306,
				User: "u", Password: "p", Database: "d"},
			wantDriver: "mysql",
			wantDSN:    "u:p@tcp(h:3306)/d",
		},
		{
			name:       "mysql url scheme normalized",
			src:        &models.DBSource{DBType: "mysql", ConnectionString: "mysql://u:p@h:3306/d"},
			wantDriver: "mysql",
			wantDSN:    "u:p@tcp(h:3306)/d",
		},
		{
			name:       "mysql native dsn passthrough",
			src:        &models.DBSource{DBType: "mysql", ConnectionString: "u:p@tcp(h:3306)/d?parseTime=true"},
			wantDriver: "mysql",
			wantDSN:    "u:p@tcp(h:3306)/d?parseTime=true",
		},
		{
			name: "postgres from fields",
			src: &models.DBSource{DBType: "postgresql", Host: "h", Port: 5432,
				User: "u", Password: "p", Database: "d"},
			wantDriver: "postgres",
			wantDSN:    "postgres://u:p@h:5432/d?sslmode=require",
		},
		{
			name:       "postgres alias",
			src:        &models.DBSource{DBType: "postgres", ConnectionString: "postgres://u@h/d"},
			wantDriver: "postgres",
			wantDSN:    "postgres://u@h/d",
		},
		{
			name: "sqlserver from fields",
			src: &models.DBSource{DBType: "sqlserver", Host: "h", Port: 1433,
				User: "u", Password: "p", Database: "d"},
			wantDriver: "sqlserver",
			wantDSN:    "sqlserver://u:p@h:1433?database=d",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := buildDSN(tt.src)
			if err != nil {
				t.Fatalf("buildDSN: %v", err)
			}
			if driver != tt.wantDriver {
				t.Errorf("driver = %q, want %q", driver, tt.wantDriver)
			}
			if dsn != tt.wantDSN {
				t.Errorf("dsn = %q, want %q", dsn, tt.wantDSN)
			}
		})
	}
}
