// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package runlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// run without a metadata database.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]RunLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]RunLog)}
}

// Upsert inserts or replaces the entry for its trace id.
func (s *MemoryStore) Upsert(_ context.Context, entry *RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.UpdatedAt = time.Now()
	if existing, ok := s.entries[entry.TraceID]; ok && !existing.StartedAt.IsZero() {
		stored.StartedAt = existing.StartedAt
	} else if stored.StartedAt.IsZero() {
		stored.StartedAt = stored.UpdatedAt
	}
	s.entries[entry.TraceID] = stored
	return nil
}

// Get returns the entry for traceID or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, traceID string) (*RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := entry
	return &out, nil
}

// List returns up to limit entries, most recently updated first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*RunLog, 0, len(s.entries))
	for id := range s.entries {
		entry := s.entries[id]
		all = append(all, &entry)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
