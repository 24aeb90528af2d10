// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/praxis/pkg/errors"
)

// MemoryStore keeps checkpoints in process memory. Suited to tests and
// single-process hosts that accept losing suspended runs on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Checkpoint)}
}

// Save replaces the record for the checkpoint's thread.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ThreadID == "" {
		return errors.NewInvalidInputError("checkpoint requires a thread id")
	}
	stored := cp.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cp.ThreadID] = stored
	return nil
}

// Load returns a copy of the thread's checkpoint.
func (s *MemoryStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.records[threadID]
	if !ok {
		return nil, errors.NewNotFoundError("checkpoint", threadID)
	}
	return cp.Clone(), nil
}

// Delete removes the thread's checkpoint. Deleting a missing thread is a
// no-op.
func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

// List returns all checkpoints, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.records))
	for _, cp := range s.records {
		out = append(out, cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// ExpirePending implements the Store expiry sweep.
func (s *MemoryStore) ExpirePending(ctx context.Context, before time.Time) ([]*Checkpoint, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Checkpoint
	for _, cp := range s.records {
		if !expirable(cp, before) {
			continue
		}
		expire(cp, now)
		expired = append(expired, cp.Clone())
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ThreadID < expired[j].ThreadID
	})
	return expired, nil
}

// Check reports store health. Memory stores are healthy while reachable.
func (s *MemoryStore) Check(ctx context.Context) error {
	return nil
}

// MemoryAuditStore keeps audit records in process memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records map[string][]*AuditRecord
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make(map[string][]*AuditRecord)}
}

// Append adds a record to its thread's history.
func (s *MemoryAuditStore) Append(ctx context.Context, record AuditRecord) error {
	if record.ThreadID == "" {
		return errors.NewInvalidInputError("audit record requires a thread id")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ThreadID] = append(s.records[record.ThreadID], &record)
	return nil
}

// ListByThread returns a thread's records in chronological order. A
// positive limit keeps the most recent ones.
func (s *MemoryAuditStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[threadID]
	start := 0
	if limit > 0 && len(records) > limit {
		start = len(records) - limit
	}
	out := make([]*AuditRecord, 0, len(records)-start)
	for _, rec := range records[start:] {
		cloned := *rec
		out = append(out, &cloned)
	}
	return out, nil
}
