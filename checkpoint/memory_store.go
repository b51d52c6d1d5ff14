package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-memory reference Store. Suitable for tests and
// single-process deployments that can afford to lose recovery state.
type MemoryStore struct {
	checkpoints map[string]*Checkpoint
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; ok {
		return cp.ID, nil
	}
	s.checkpoints[cp.ID] = cp
	return cp.ID, nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp, nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Checkpoint
	for _, cp := range s.checkpoints {
		if cp.WorkflowID != workflowID {
			continue
		}
		if latest == nil || cp.Timestamp.After(latest.Timestamp) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.WorkflowID == workflowID {
			results = append(results, cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
