// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package models

import "fmt"

// DataEnvelope is one fetched page of raw records plus run identity.
// Records are opaque and homogeneous within a page.
type DataEnvelope struct {
	TraceID  string           `json:"traceId"`
	TenantID string           `json:"tenantId"`
	RawData  []map[string]any `json:"rawData"`
}

// RecordStatus is the terminal status tag of one transformed record.
type RecordStatus string

const (
	// RecordPendingWrite marks a record that passed validation and awaits
	// the batch writer.
	RecordPendingWrite RecordStatus = "pending_write"
	RecordSuccess      RecordStatus = "success"
	RecordFailed       RecordStatus = "failed"
)

// Failure reason prefixes classify where a record failure originated.
const (
	ReasonSchemaValidation   = "[schema-validation]"
	ReasonDownstreamBusiness = "[downstream-business]"
	ReasonDownstreamProtocol = "[downstream-protocol]"
)

// RecordMeta correlates a transformed record back to its run and its
// position in the fetched page, independent of later filtering.
type RecordMeta struct {
	TraceID     string `json:"traceId"`
	TenantID    string `json:"tenantId"`
	SourceIndex int    `json:"sourceIndex"`
}

// TransformedRecord is the mapped shape of one raw record. Every raw record
// in a page yields exactly one TransformedRecord; none are silently dropped.
type TransformedRecord struct {
	Record map[string]any `json:"record"`
	Status RecordStatus   `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Meta   RecordMeta     `json:"meta"`
}

// ID returns the record's identifier in canonical string form, or "" when
// the mapped record has no id field. Demotion after an optimistic batch
// promotion matches strictly on this value.
func (r *TransformedRecord) ID() string {
	v, ok := r.Record["id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
