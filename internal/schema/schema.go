// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package schema validates mapped records against per-entity structural
// schemas using go-playground/validator v10.
//
// A mapped record arrives as a loosely typed map. Validation decodes it
// into the entity's typed struct (weakly typed, so raw database integers
// coerce to canonical string ids), runs struct validation, and re-encodes
// the struct as the canonical record: unknown keys are stripped and nil
// optionals are omitted, matching what the downstream write service accepts.
package schema

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/models"
)

// singleton validator instance; validator.Validate caches struct metadata
// and is safe for concurrent use.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report errors under json field names so diagnostics match the
		// record shape operators see in the run log.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Schema validates one entity type's mapped records.
type Schema interface {
	// Validate checks record against the entity schema. On success it
	// returns the canonical form of the record; on failure a field-level
	// diagnostic error.
	Validate(record map[string]any) (map[string]any, error)
}

// ForEntity returns the schema for the given entity type.
func ForEntity(entity models.EntityType) (Schema, error) {
	switch entity {
	case models.EntityTeacher:
		return typedSchema[Teacher]{}, nil
	case models.EntityStudent:
		return typedSchema[Student]{}, nil
	case models.EntityTeacherOrgs:
		return typedSchema[TeacherOrganization]{}, nil
	case models.EntityStudentOrgs:
		return typedSchema[StudentOrganization]{}, nil
	case models.EntityClass:
		return typedSchema[Class]{}, nil
	}
	return nil, fmt.Errorf("no schema registered for entity type %q", entity)
}

// typedSchema implements Schema for one concrete entity struct.
type typedSchema[T any] struct{}

func (typedSchema[T]) Validate(record map[string]any) (map[string]any, error) {
	var target T

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &target,
		// Weak typing coerces numeric/identifier source values (raw DB
		// integers, string years) into the declared field types.
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	if err := getValidator().Struct(&target); err != nil {
		return nil, fmt.Errorf("%s", formatFieldErrors(err))
	}

	return canonicalize(&target)
}

// formatFieldErrors flattens validator errors into one human-readable
// field-level diagnostic.
func formatFieldErrors(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("field %q is required", fe.Field()))
		case "min":
			parts = append(parts, fmt.Sprintf("field %q below minimum %s", fe.Field(), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("field %q must be one of [%s]", fe.Field(), fe.Param()))
		case "email":
			parts = append(parts, fmt.Sprintf("field %q is not a valid email", fe.Field()))
		default:
			parts = append(parts, fmt.Sprintf("field %q failed %q validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// canonicalize round-trips the validated struct through JSON to produce the
// canonical map shape: typed values, unknown keys stripped, nil optionals
// omitted.
func canonicalize(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode canonical record: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode canonical record: %w", err)
	}
	return out, nil
}
