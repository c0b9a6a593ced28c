// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package pipeline implements the transform-and-validate stage: field
// mapping with named converters followed by entity schema validation.
//
// Invariant: every raw record in the envelope yields exactly one
// TransformedRecord in input order. A record missing a required source
// field is emitted as a terminal failure, never silently filtered.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/schoolbridge/schoolbridge/internal/convert"
	"github.com/schoolbridge/schoolbridge/internal/logging"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/schema"
)

// Result is the outcome of transforming one page.
type Result struct {
	Records      []models.TransformedRecord
	SuccessCount int
	FailedCount  int
}

// Transform maps and validates every raw record in the envelope against the
// entity's field map and schema.
func Transform(envelope *models.DataEnvelope, cfg *models.EntityConfig) (*Result, error) {
	entitySchema, err := schema.ForEntity(cfg.EntityType)
	if err != nil {
		return nil, err
	}
	if len(cfg.FieldMap) == 0 {
		return nil, fmt.Errorf("empty field map for %s:%s", cfg.TenantID, cfg.EntityType)
	}

	result := &Result{Records: make([]models.TransformedRecord, 0, len(envelope.RawData))}

	for i, raw := range envelope.RawData {
		meta := models.RecordMeta{
			TraceID:     envelope.TraceID,
			TenantID:    envelope.TenantID,
			SourceIndex: i,
		}

		normalized := normalizeKeys(raw)

		if missing := missingRequiredField(normalized, cfg.FieldMap); missing != "" {
			result.Records = append(result.Records, models.TransformedRecord{
				Record: normalized,
				Status: models.RecordFailed,
				Reason: fmt.Sprintf("%s missing required source field %q", models.ReasonSchemaValidation, missing),
				Meta:   meta,
			})
			result.FailedCount++
			continue
		}

		mapped := applyFieldMap(normalized, cfg.FieldMap)

		canonical, err := entitySchema.Validate(mapped)
		if err != nil {
			result.Records = append(result.Records, models.TransformedRecord{
				Record: mapped,
				Status: models.RecordFailed,
				Reason: fmt.Sprintf("%s %s", models.ReasonSchemaValidation, err),
				Meta:   meta,
			})
			result.FailedCount++
			continue
		}

		result.Records = append(result.Records, models.TransformedRecord{
			Record: canonical,
			Status: models.RecordPendingWrite,
			Meta:   meta,
		})
		result.SuccessCount++
	}

	logging.Debug().
		Str("tenant", envelope.TenantID).
		Str("trace_id", envelope.TraceID).
		Int("success", result.SuccessCount).
		Int("failed", result.FailedCount).
		Msg("Page transformed")

	return result, nil
}

// normalizeKeys lowercases every top-level key so field-map matching is
// case-insensitive across source systems.
func normalizeKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = v
	}
	return out
}

// missingRequiredField returns the first required source field absent from
// the record, or "" when all required fields are present.
func missingRequiredField(normalized map[string]any, fieldMap []models.FieldMapEntry) string {
	for _, fm := range fieldMap {
		if !fm.Required {
			continue
		}
		v, ok := normalized[strings.ToLower(fm.SourceField)]
		if !ok || v == nil {
			return fm.SourceField
		}
	}
	return ""
}

// applyFieldMap builds the target-shaped record: copy sourceField to
// targetField, then run the entry's converter on the copied value.
func applyFieldMap(normalized map[string]any, fieldMap []models.FieldMapEntry) map[string]any {
	target := make(map[string]any, len(fieldMap))
	for _, fm := range fieldMap {
		value, ok := normalized[strings.ToLower(fm.SourceField)]
		if !ok {
			continue
		}
		if fm.Converter != "" && fm.Converter != "default" {
			value = convert.Lookup(fm.Converter)(value, fm.ConverterConfig)
			if value == convert.Elided {
				continue
			}
		}
		target[fm.TargetField] = value
	}
	return target
}
