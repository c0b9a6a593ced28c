// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package models

// TenantStatus marks whether a tenant participates in scheduling.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
)

// SharedConfig holds tenant-wide defaults that individual entity
// configurations fall back to during merging.
type SharedConfig struct {
	// APIBaseURL is prefixed to relative entity source URLs.
	APIBaseURL string `koanf:"apiBaseUrl" json:"apiBaseUrl"`

	// APIAuthToken becomes a bearer Authorization header on API sources
	// unless the entity configuration sets its own.
	APIAuthToken string `koanf:"apiAuthToken" json:"apiAuthToken"`

	// DBType and DBConnection fill in database sources that omit them.
	DBType       string `koanf:"dbType" json:"dbType"`
	DBConnection string `koanf:"dbConnection" json:"dbConnection"`
}

// TenantConfig is the per-tenant document. Tenants are never deleted, only
// deactivated.
type TenantConfig struct {
	TenantID   string       `koanf:"tenantId" json:"tenantId"`
	SchoolName string       `koanf:"schoolName" json:"schoolName"`
	Status     TenantStatus `koanf:"status" json:"status"`
	Shared     SharedConfig `koanf:"commonConfig" json:"commonConfig"`
}

// Active reports whether the tenant should be scheduled. An unset status is
// treated as active for backward compatibility with older documents.
func (t *TenantConfig) Active() bool {
	return t.Status == "" || t.Status == TenantActive
}

// FieldMapEntry is one declarative source→target mapping rule.
type FieldMapEntry struct {
	SourceField     string         `koanf:"sourceField" json:"sourceField"`
	TargetField     string         `koanf:"targetField" json:"targetField"`
	Converter       string         `koanf:"converter" json:"converter,omitempty"`
	ConverterConfig map[string]any `koanf:"converterConfig" json:"converterConfig,omitempty"`
	Required        bool           `koanf:"required" json:"required,omitempty"`
}

// BatchConfig bounds downstream write batching for one entity.
type BatchConfig struct {
	BatchSize int `koanf:"batchSize" json:"batchSize"`

	// RetryTimes is carried from the configuration document as-is; retry
	// policy is queue-level (queue.attempts), not per entity.
	RetryTimes int `koanf:"retryTimes" json:"retryTimes"`
}

// SyncConfig controls scheduled execution of one (tenant, entity) pair.
type SyncConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	Cron        string `koanf:"cron" json:"cron,omitempty"`
	Priority    int    `koanf:"priority" json:"priority,omitempty"`
	Environment string `koanf:"environment" json:"environment,omitempty"`
}

// EntityConfig is the per-(tenant, entity) document. The configuration
// provider returns it with tenant shared values already merged in, so
// downstream components treat it as the effective configuration.
type EntityConfig struct {
	TenantID   string          `koanf:"tenantId" json:"tenantId"`
	SchoolName string          `koanf:"schoolName" json:"schoolName"`
	EntityType EntityType      `koanf:"entityType" json:"entityType"`
	DataSource DataSource      `koanf:"dataSource" json:"dataSource"`
	FieldMap   []FieldMapEntry `koanf:"fieldMap" json:"fieldMap"`
	Batch      BatchConfig     `koanf:"batchConfig" json:"batchConfig"`
	Sync       SyncConfig      `koanf:"syncConfig" json:"syncConfig"`
}

// SourceFields lists the source field names referenced by the field map,
// used by the DB adapter to narrow its SELECT column list.
func (c *EntityConfig) SourceFields() []string {
	fields := make([]string, 0, len(c.FieldMap))
	for _, fm := range c.FieldMap {
		if fm.SourceField != "" {
			fields = append(fields, fm.SourceField)
		}
	}
	return fields
}
