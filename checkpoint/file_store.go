package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists checkpoints as JSON files under a base directory, one
// subdirectory per workflow. Writes go through a temp file and rename so a
// crash mid-write never leaves a truncated checkpoint behind.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) workflowDir(workflowID string) string {
	return filepath.Join(s.baseDir, sanitize(workflowID))
}

func (s *FileStore) path(workflowID, id string) string {
	return filepath.Join(s.workflowDir(workflowID), sanitize(id)+".json")
}

func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.workflowDir(cp.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workflow dir: %w", err)
	}

	target := s.path(cp.WorkflowID, cp.ID)
	if _, err := os.Stat(target); err == nil {
		// Replayed save of an existing checkpoint; append-only records
		// never change, so there is nothing to do.
		return cp.ID, nil
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := filepath.Join(s.baseDir, "*", sanitize(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil, ErrNotFound
	}
	return readCheckpoint(matches[0])
}

func (s *FileStore) LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	all, err := s.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[len(all)-1], nil
}

func (s *FileStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.workflowDir(workflowID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var results []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := readCheckpoint(filepath.Join(s.workflowDir(workflowID), entry.Name()))
		if err != nil {
			continue
		}
		results = append(results, cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := filepath.Join(s.baseDir, "*", sanitize(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// sanitize keeps IDs filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ Store = (*FileStore)(nil)
