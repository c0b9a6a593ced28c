// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package models defines the domain types shared across the synchronization
// engine: tenant and entity configuration, the tagged data-source union,
// fetched page envelopes, transformed records, and record status tags.
package models

import "fmt"

// EntityType identifies one of the five synchronized record kinds.
type EntityType string

const (
	EntityTeacher     EntityType = "teacher"
	EntityStudent     EntityType = "student"
	EntityTeacherOrgs EntityType = "teacherOrganizations"
	EntityStudentOrgs EntityType = "studentOrganizations"
	EntityClass       EntityType = "class"
)

// AllEntityTypes returns the five standard entity types, in the order they
// are presented to operators. Every tenant exposes all five regardless of
// which configuration documents exist on disk.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTeacher,
		EntityStudent,
		EntityTeacherOrgs,
		EntityStudentOrgs,
		EntityClass,
	}
}

// ParseEntityType validates and converts a raw string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityTeacher, EntityStudent, EntityTeacherOrgs, EntityStudentOrgs, EntityClass:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// WrapperKey returns the JSON field name the downstream write service
// expects the record array under for this entity type.
func (e EntityType) WrapperKey() string {
	switch e {
	case EntityTeacher:
		return "teachers"
	case EntityStudent:
		return "stus"
	case EntityTeacherOrgs:
		return "teacherOrganizations"
	case EntityStudentOrgs:
		return "stuClasses"
	case EntityClass:
		return "courseClasses"
	}
	return "data"
}

// NeedsBatchStamp reports whether downstream payloads for this entity type
// carry batchId/semesterId fields in addition to the record array.
func (e EntityType) NeedsBatchStamp() bool {
	return e == EntityClass || e == EntityStudentOrgs
}

// EndpointPath returns the downstream write path for this entity type,
// relative to the environment's base URL.
func (e EntityType) EndpointPath() string {
	switch e {
	case EntityTeacher:
		return "/v1/base/teacher/batch"
	case EntityStudent:
		return "/v1/base/stu/batch"
	case EntityTeacherOrgs:
		return "/v1/base/teacher/org/batch"
	case EntityStudentOrgs:
		return "/v1/base/stu/org/batch"
	case EntityClass:
		return "/v1/base/class/batch"
	}
	return "/v1/base/data/batch"
}
