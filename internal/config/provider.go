// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// TenantFileName is the per-tenant shared configuration document.
const TenantFileName = "tenant.yaml"

// Provider reads tenant and entity configuration documents from a directory
// tree, one subdirectory per tenant, and returns effective entity
// configurations with tenant shared defaults merged in.
type Provider struct {
	dir string
}

// NewProvider creates a provider rooted at dir.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// Tenants lists tenant ids, one per subdirectory, sorted. Hidden
// directories are skipped.
func (p *Provider) Tenants() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read tenants dir %s: %w", p.dir, err)
	}
	tenants := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		tenants = append(tenants, e.Name())
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Entities lists the entity types a tenant can synchronize. Every tenant
// carries the full set; entities without a configuration document simply
// fail resolution at trigger time.
func (p *Provider) Entities(tenantID string) []models.EntityType {
	return models.AllEntityTypes()
}

// TenantConfig loads a tenant's shared document. A missing file yields a
// default active tenant so entity-only layouts keep working.
func (p *Provider) TenantConfig(tenantID string) (*models.TenantConfig, error) {
	if err := checkTenantID(tenantID); err != nil {
		return nil, err
	}
	cfg := &models.TenantConfig{
		TenantID: tenantID,
		Status:   models.TenantActive,
	}
	path := filepath.Join(p.dir, tenantID, TenantFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.TenantID = tenantID
	return cfg, nil
}

// EntityConfig loads one (tenant, entity) document and merges the tenant's
// shared defaults into it, returning the effective configuration the rest
// of the engine runs on.
func (p *Provider) EntityConfig(tenantID string, entity models.EntityType) (*models.EntityConfig, error) {
	tenant, err := p.TenantConfig(tenantID)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, tenantID, string(entity)+".yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("tenant %s has no configuration for entity %s", tenantID, entity)
	}
	cfg := &models.EntityConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	mergeTenantDefaults(cfg, tenant, tenantID, entity)
	return cfg, nil
}

// mergeTenantDefaults applies tenant shared values where the entity document
// is silent. Entity values always win.
func mergeTenantDefaults(cfg *models.EntityConfig, tenant *models.TenantConfig, tenantID string, entity models.EntityType) {
	cfg.TenantID = tenantID
	cfg.EntityType = entity
	if cfg.SchoolName == "" {
		cfg.SchoolName = tenant.SchoolName
	}

	shared := tenant.Shared
	switch cfg.DataSource.Kind {
	case models.SourceAPI:
		if cfg.DataSource.API == nil {
			cfg.DataSource.API = &models.APISource{}
		}
		api := cfg.DataSource.API
		if strings.HasPrefix(api.URL, "/") && shared.APIBaseURL != "" {
			api.URL = strings.TrimSuffix(shared.APIBaseURL, "/") + api.URL
		}
		if shared.APIAuthToken != "" {
			if api.Headers == nil {
				api.Headers = map[string]string{}
			}
			if _, ok := api.Headers["Authorization"]; !ok {
				api.Headers["Authorization"] = "Bearer " + shared.APIAuthToken
			}
		}
	case models.SourceDB:
		if cfg.DataSource.DB == nil {
			cfg.DataSource.DB = &models.DBSource{}
		}
		db := cfg.DataSource.DB
		if db.DBType == "" {
			db.DBType = shared.DBType
		}
		if db.ConnectionString == "" && db.Host == "" {
			db.ConnectionString = shared.DBConnection
		}
	}

	if cfg.Batch.BatchSize <= 0 {
		cfg.Batch.BatchSize = 100
	}
}

func loadYAML(path string, out any) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// checkTenantID rejects ids that could escape the tenants directory.
func checkTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is empty")
	}
	if strings.ContainsAny(tenantID, `/\`) || strings.Contains(tenantID, "..") {
		return fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return nil
}
