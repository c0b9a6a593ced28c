// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

func writeDoc(t *testing.T, dir, tenant, name, content string) {
	t.Helper()
	path := filepath.Join(dir, tenant, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const tenantDoc = `
schoolName: Test High School
status: active
commonConfig:
  apiBaseUrl: https://sis.school.test/
  apiAuthToken: tok-123
  dbType: mysql
  dbConnection: sync:pw@tcp(db.school.test:3306)/sis
`

func TestTenantsListing(t *testing.T) {
	dir := t.TempDir()
	for _, tenant := range []string{"school-b", "school-a", ".hidden"} {
		writeDoc(t, dir, tenant, TenantFileName, "status: active\n")
	}
	// Stray files at the top level are not tenants.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tenants, err := NewProvider(dir).Tenants()
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if !reflect.DeepEqual(tenants, []string{"school-a", "school-b"}) {
		t.Errorf("tenants = %v, want sorted visible directories", tenants)
	}
}

func TestTenantConfigDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "school-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg, err := NewProvider(dir).TenantConfig("school-1")
	if err != nil {
		t.Fatalf("TenantConfig: %v", err)
	}
	if !cfg.Active() {
		t.Error("tenant without a document defaults to active")
	}
	if cfg.TenantID != "school-1" {
		t.Errorf("tenant id = %q", cfg.TenantID)
	}
}

func TestTenantConfigInactive(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, "status: inactive\n")

	cfg, err := NewProvider(dir).TenantConfig("school-1")
	if err != nil {
		t.Fatalf("TenantConfig: %v", err)
	}
	if cfg.Active() {
		t.Error("inactive status should stick")
	}
}

func TestCheckTenantID(t *testing.T) {
	p := NewProvider(t.TempDir())
	for _, bad := range []string{"", "../other", "a/b", `a\b`, "a..b"} {
		if _, err := p.TenantConfig(bad); err == nil {
			t.Errorf("TenantConfig(%q) should reject the id", bad)
		}
	}
}

func TestEntityConfigMergesAPIDefaults(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, tenantDoc)
	writeDoc(t, dir, "school-1", "teacher.yaml", `
dataSource:
  type: api
  api:
    url: /api/v1/teachers
fieldMap:
  - sourceField: teacher_id
    targetField: id
    required: true
`)

	cfg, err := NewProvider(dir).EntityConfig("school-1", models.EntityTeacher)
	if err != nil {
		t.Fatalf("EntityConfig: %v", err)
	}

	if cfg.TenantID != "school-1" || cfg.EntityType != models.EntityTeacher {
		t.Errorf("identity = %s/%s", cfg.TenantID, cfg.EntityType)
	}
	if cfg.SchoolName != "Test High School" {
		t.Errorf("school name = %q, want tenant fallback", cfg.SchoolName)
	}
	api := cfg.DataSource.API
	if api.URL != "https://sis.school.test/api/v1/teachers" {
		t.Errorf("url = %q, want base prefixed without double slash", api.URL)
	}
	if api.Headers["Authorization"] != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want injected bearer token", api.Headers["Authorization"])
	}
	if cfg.Batch.BatchSize != 100 {
		t.Errorf("batch size = %d, want default applied", cfg.Batch.BatchSize)
	}
	if cfg.Batch.RetryTimes != 0 {
		t.Errorf("retryTimes = %d, want 0 when the document sets none", cfg.Batch.RetryTimes)
	}
}

func TestEntityConfigEntityValuesWin(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, tenantDoc)
	writeDoc(t, dir, "school-1", "student.yaml", `
schoolName: Override School
dataSource:
  type: api
  api:
    url: https://other.school.test/students
    headers:
      Authorization: Bearer own-token
batchConfig:
  batchSize: 50
  retryTimes: 5
`)

	cfg, err := NewProvider(dir).EntityConfig("school-1", models.EntityStudent)
	if err != nil {
		t.Fatalf("EntityConfig: %v", err)
	}

	if cfg.SchoolName != "Override School" {
		t.Errorf("school name = %q, entity value must win", cfg.SchoolName)
	}
	if cfg.DataSource.API.URL != "https://other.school.test/students" {
		t.Errorf("url = %q, absolute urls must not be prefixed", cfg.DataSource.API.URL)
	}
	if cfg.DataSource.API.Headers["Authorization"] != "Bearer own-token" {
		t.Errorf("Authorization = %q, entity header must win", cfg.DataSource.API.Headers["Authorization"])
	}
	if cfg.Batch.BatchSize != 50 || cfg.Batch.RetryTimes != 5 {
		t.Errorf("batch = %+v, entity values must win", cfg.Batch)
	}
}

func TestEntityConfigMergesDBDefaults(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, tenantDoc)
	writeDoc(t, dir, "school-1", "class.yaml", `
dataSource:
  type: db
  db:
    viewName: v_classes
`)

	cfg, err := NewProvider(dir).EntityConfig("school-1", models.EntityClass)
	if err != nil {
		t.Fatalf("EntityConfig: %v", err)
	}

	db := cfg.DataSource.DB
	if db.DBType != "mysql" {
		t.Errorf("dbType = %q, want tenant fallback", db.DBType)
	}
	if db.ConnectionString != "sync:pw@tcp(db.school.test:3306)/sis" {
		t.Errorf("connection = %q, want tenant fallback", db.ConnectionString)
	}
}

func TestEntityConfigDBHostBlocksConnectionFallback(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, tenantDoc)
	writeDoc(t, dir, "school-1", "class.yaml", `
dataSource:
  type: db
  db:
    host: own-db.school.test
    port: 3306
    database: own
    viewName: v_classes
`)

	cfg, err := NewProvider(dir).EntityConfig("school-1", models.EntityClass)
	if err != nil {
		t.Fatalf("EntityConfig: %v", err)
	}
	if cfg.DataSource.DB.ConnectionString != "" {
		t.Errorf("connection = %q, explicit host must block the shared fallback",
			cfg.DataSource.DB.ConnectionString)
	}
}

func TestEntityConfigMissingDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "school-1", TenantFileName, tenantDoc)

	if _, err := NewProvider(dir).EntityConfig("school-1", models.EntityTeacher); err == nil {
		t.Fatal("missing entity document should fail resolution")
	}
}

func TestEntitiesCoversFullSet(t *testing.T) {
	got := NewProvider(t.TempDir()).Entities("school-1")
	if len(got) != len(models.AllEntityTypes()) {
		t.Errorf("entities = %d, want the full set", len(got))
	}
}
