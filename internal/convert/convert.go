// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package convert holds the registry of named field converters applied
// during mapping. Converters are pure: one raw value in, one value out,
// no state, no I/O.
package convert

import (
	"fmt"
	"strings"
	"time"
)

// Elide is returned by a converter to signal that the target key should be
// removed from the mapped record entirely.
type elide struct{}

// Elided is the sentinel value converters return to drop a key.
var Elided = elide{}

// Func transforms a single raw field value. cfg carries the per-entry
// converterConfig from the field map and may be nil.
type Func func(value any, cfg map[string]any) any

// registry maps converter names to implementations. The "default" converter
// is the identity and is used for entries that name no converter.
var registry = map[string]Func{
	"default":         Identity,
	"genderConverter": Gender,
	"dateConverter":   Date,
	"ignoreEmpty":     IgnoreEmpty,
}

// Lookup returns the named converter, falling back to the identity
// converter for unknown names so a typo in a field map degrades to a
// pass-through instead of a dropped field.
func Lookup(name string) Func {
	if fn, ok := registry[name]; ok {
		return fn
	}
	return Identity
}

// Names returns the registered converter names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Identity returns the value unchanged.
func Identity(value any, _ map[string]any) any {
	return value
}

// Gender maps source gender codes through the converter config table.
// Unmapped codes become "unknown" rather than failing validation later
// with an opaque enum error.
func Gender(value any, cfg map[string]any) any {
	key := fmt.Sprintf("%v", value)
	if mapped, ok := cfg[key]; ok {
		return mapped
	}
	return "unknown"
}

// dateLayouts are tried in order when the source value is a string.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// Date normalizes a source date value to RFC 3339 UTC. Empty values map to
// nil; unparseable values pass through unchanged so schema validation can
// report them.
func Date(value any, _ map[string]any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
		return v
	default:
		return value
	}
}

// IgnoreEmpty elides the key when the value is nil or blank, so optional
// fields absent at the source do not reach the schema as empty strings.
func IgnoreEmpty(value any, _ map[string]any) any {
	if value == nil {
		return Elided
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return Elided
	}
	return value
}
