// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package scheduler registers cron schedules for enabled (tenant, entity)
// pairs and enqueues a sync job each time one fires.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression: minute hour day-of-month
// month day-of-week. Each field is a bit set over its valid range.
type Schedule struct {
	minutes uint64 // 0-59
	hours   uint64 // 0-23
	days    uint64 // 1-31
	months  uint64 // 1-12
	dows    uint64 // 0-6, Sunday = 0

	dayWild bool
	dowWild bool
}

// ParseSchedule parses a 5-field cron expression. Supported syntax per
// field: "*", a value, "a-b" ranges, "a,b,c" lists, and "/n" steps over a
// range or wildcard. Day-of-week 7 is normalized to Sunday.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	s := &Schedule{}
	var err error
	if s.minutes, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	if s.hours, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	if s.days, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	if s.months, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dows, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}
	// Both 0 and 7 mean Sunday.
	if dows&(1<<7) != 0 {
		dows = (dows &^ (1 << 7)) | 1
	}
	s.dows = dows

	s.dayWild = fields[2] == "*"
	s.dowWild = fields[4] == "*"
	return s, nil
}

// Next returns the first time strictly after t that matches the schedule,
// at minute granularity. The search is bounded; a valid expression always
// matches well within the bound.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if s.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (s *Schedule) matches(t time.Time) bool {
	if s.minutes&(1<<uint(t.Minute())) == 0 {
		return false
	}
	if s.hours&(1<<uint(t.Hour())) == 0 {
		return false
	}
	if s.months&(1<<uint(t.Month())) == 0 {
		return false
	}

	dayOK := s.days&(1<<uint(t.Day())) != 0
	dowOK := s.dows&(1<<uint(t.Weekday())) != 0

	// Standard cron: when both day fields are restricted, either may
	// match; a wildcard field defers to the other.
	switch {
	case s.dayWild && s.dowWild:
		return true
	case s.dayWild:
		return dowOK
	case s.dowWild:
		return dayOK
	default:
		return dayOK || dowOK
	}
}

func parseField(field string, lo, hi int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parsePart(part, lo, hi)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	if set == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

func parsePart(part string, lo, hi int) (uint64, error) {
	step := 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q", part[i+1:])
		}
		step = n
		part = part[:i]
	}

	start, end := lo, hi
	switch {
	case part == "*":
		// full range
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("invalid range start %q", bounds[0])
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("invalid range end %q", bounds[1])
		}
		if start > end {
			return 0, fmt.Errorf("inverted range %q", part)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", part)
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	if start < lo || end > hi {
		return 0, fmt.Errorf("value out of range %d-%d in %q", lo, hi, part)
	}

	var set uint64
	for v := start; v <= end; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}
