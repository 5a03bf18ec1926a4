package state

import (
	"context"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{checkpoints: make(map[string][]*Checkpoint)}
}

func (s *MemoryStorage) Initialize(ctx context.Context) error  { return nil }
func (s *MemoryStorage) Close() error                          { return nil }
func (s *MemoryStorage) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *checkpoint
	cp.Data = append([]byte(nil), checkpoint.Data...)
	s.checkpoints[cp.JobID] = append(s.checkpoints[cp.JobID], &cp)
	return nil
}

func (s *MemoryStorage) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[jobID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStorage) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[jobID]
	var out []*Checkpoint
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStorage) Prune(ctx context.Context, jobID string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[jobID]
	if len(list) == 0 {
		return nil
	}
	kept := make([]*Checkpoint, 0, len(list))
	for i, cp := range list {
		if i == len(list)-1 || !cp.CreatedAt.Before(before) {
			kept = append(kept, cp)
		}
	}
	s.checkpoints[jobID] = kept
	return nil
}
