package storage

import (
	"context"
	"sync"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// MemoryStore keeps approval records in process memory. State does not
// survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[int64]*recordGroup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[int64]*recordGroup)}
}

func (s *MemoryStore) Get(ctx context.Context, approvalID int64) (*interfaces.RecordSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[approvalID]
	if !ok {
		return &interfaces.RecordSet{}, nil
	}
	return g.set(), nil
}

func (s *MemoryStore) Put(ctx context.Context, record *interfaces.ApprovalRecord, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[record.ApprovalID]
	if !ok {
		g = &recordGroup{}
	}
	if g.Version != expectedVersion {
		return conflict(record.ApprovalID, expectedVersion, g.Version)
	}
	g.upsert(record)
	s.groups[record.ApprovalID] = g
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, recordID string) error {
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		return interfaces.ErrRecordNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[approvalID]
	if !ok || !g.remove(recordID) {
		return interfaces.ErrRecordNotFound
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, filter interfaces.Filter, offset, limit int) ([]*interfaces.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*interfaces.ApprovalRecord
	for _, g := range s.groups {
		all = append(all, g.Records...)
	}
	return scanRecords(all, filter, offset, limit), nil
}

func (s *MemoryStore) Close() error { return nil }
