// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package models

import "strings"

// SourceKind tags the data-source union.
type SourceKind string

const (
	SourceAPI     SourceKind = "api"
	SourceDB      SourceKind = "db"
	SourceWebhook SourceKind = "webhook"
)

// Pagination describes how an API source pages through records.
type Pagination struct {
	PageParam string `koanf:"pageParam" json:"pageParam"`
	SizeParam string `koanf:"sizeParam" json:"sizeParam"`
	PageSize  int    `koanf:"pageSize" json:"pageSize"`
	StartPage int    `koanf:"startPage" json:"startPage"`
}

// APISource configures one REST endpoint source.
type APISource struct {
	URL        string            `koanf:"url" json:"url"`
	Method     string            `koanf:"method" json:"method,omitempty"`
	Headers    map[string]string `koanf:"headers" json:"headers,omitempty"`
	Params     map[string]string `koanf:"params" json:"params,omitempty"`
	Pagination *Pagination       `koanf:"pagination" json:"pagination,omitempty"`
}

// DBSource configures one relational database source. Exactly one of
// ViewName, ModelName, or SQL selects the query form.
type DBSource struct {
	DBType           string   `koanf:"dbType" json:"dbType"`
	ConnectionString string   `koanf:"connectionString" json:"connectionString,omitempty"`
	Host             string   `koanf:"host" json:"host,omitempty"`
	Port             int      `koanf:"port" json:"port,omitempty"`
	User             string   `koanf:"user" json:"user,omitempty"`
	Password         string   `koanf:"password" json:"password,omitempty"`
	Database         string   `koanf:"database" json:"database,omitempty"`
	SID              string   `koanf:"sid" json:"sid,omitempty"`
	ViewName         string   `koanf:"viewName" json:"viewName,omitempty"`
	ModelName        string   `koanf:"modelName" json:"modelName,omitempty"`
	SQL              []string `koanf:"sql" json:"sql,omitempty"`
	BatchSize        int      `koanf:"batchSize" json:"batchSize,omitempty"`
	Offset           int      `koanf:"offset" json:"offset,omitempty"`
}

// Statement joins a multi-line SQL configuration into one statement and
// strips a trailing semicolon.
func (d *DBSource) Statement() string {
	joined := strings.TrimSpace(strings.Join(d.SQL, "\n"))
	return strings.TrimSuffix(joined, ";")
}

// WebhookSource configures a push-style source. Webhook ingestion is
// accepted by the API surface but has no fetch loop.
type WebhookSource struct {
	Endpoint string `koanf:"endpoint" json:"endpoint"`
	Secret   string `koanf:"secret" json:"secret,omitempty"`
}

// DataSource is the tagged union over the three source kinds. Exactly one
// of the pointer fields matching Kind is populated.
type DataSource struct {
	Kind    SourceKind     `koanf:"type" json:"type"`
	API     *APISource     `koanf:"api" json:"api,omitempty"`
	DB      *DBSource      `koanf:"db" json:"db,omitempty"`
	Webhook *WebhookSource `koanf:"webhook" json:"webhook,omitempty"`
}

// placeholderDomains are known stub hosts. A source pointing at one of
// these must never drive a pagination loop.
var placeholderDomains = []string{"example.com", "example.org", "localhost.invalid"}

// IsPlaceholder reports whether an API source points at a known placeholder
// domain used in template configurations.
func (s *APISource) IsPlaceholder() bool {
	for _, domain := range placeholderDomains {
		if strings.Contains(s.URL, domain) {
			return true
		}
	}
	return false
}
