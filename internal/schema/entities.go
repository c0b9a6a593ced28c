// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package schema

// Teacher is the validated shape of one teacher record.
type Teacher struct {
	ID           string         `json:"id" validate:"required,min=1"`
	Name         string         `json:"name" validate:"required,min=1"`
	Phone        string         `json:"phone,omitempty" validate:"omitempty"`
	Gender       string         `json:"gender,omitempty" validate:"omitempty,oneof=male female unknown"`
	Code         string         `json:"code" validate:"required,min=1"`
	Email        string         `json:"email,omitempty" validate:"omitempty,email"`
	Role         string         `json:"role,omitempty"`
	OrgClientIDs []string       `json:"orgClientIds" validate:"required,min=1,dive,min=1"`
	CustomFields map[string]any `json:"customFields,omitempty"`
}

// Student is the validated shape of one student record.
type Student struct {
	ID           string `json:"id" validate:"required,min=1"`
	Name         string `json:"name" validate:"required,min=1"`
	Phone        string `json:"phone,omitempty"`
	Code         string `json:"code" validate:"required,min=1"`
	Year         *int   `json:"year,omitempty" validate:"omitempty"`
	ClassID      string `json:"classId" validate:"required,min=1"`
	EducateLevel string `json:"educateLevel,omitempty"`
}

// TeacherOrganization is one node of the teacher org tree.
type TeacherOrganization struct {
	ID   string `json:"id" validate:"required,min=1"`
	Name string `json:"name" validate:"required,min=1"`
	PID  string `json:"pid,omitempty"`
}

// StudentOrganization is one node of the student org tree (class/grade).
// ID and PID arrive as raw database integers from some sources; the weak
// decode coerces them to strings before validation.
type StudentOrganization struct {
	ID   string  `json:"id" validate:"required,min=1"`
	Name string  `json:"name" validate:"required,min=1"`
	PID  *string `json:"pid,omitempty"`
	Year *int    `json:"year,omitempty"`
	Code string  `json:"code,omitempty"`
}

// Class is the validated shape of one course-class record.
type Class struct {
	ID            string   `json:"id" validate:"required,min=1"`
	SemesterID    string   `json:"semesterId" validate:"required,min=1"`
	CourseCode    string   `json:"courseCode,omitempty"`
	Leader        string   `json:"leader,omitempty"`
	Name          string   `json:"name" validate:"required,min=1"`
	Code          string   `json:"code,omitempty"`
	Teachers      []string `json:"teachers" validate:"required"`
	StuCodes      []string `json:"stuCodes" validate:"required"`
	ScoredTeacher string   `json:"scoredTeacher,omitempty"`
}
