package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

type FileStore struct {
	path string
	core *memoryCore
	lock *fileLock
}

type fileStoreState struct {
	Items []Item `json:"items"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	s := &FileStore{
		path: path,
		core: newMemoryCore(),
		lock: lock,
	}
	if err := s.load(); err != nil {
		_ = lock.release()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Insert(_ context.Context, item Item) error {
	return s.mutate(func() error {
		return s.core.insertLocked(item)
	})
}

func (s *FileStore) Update(_ context.Context, item Item) error {
	return s.mutate(func() error {
		return s.core.updateLocked(item)
	})
}

func (s *FileStore) Get(_ context.Context, id string) (Item, error) {
	return s.core.get(id)
}

func (s *FileStore) ListByStatus(_ context.Context, status Status, limit int) ([]Item, error) {
	if !status.Valid() {
		return nil, ErrInvalidInput
	}
	return s.core.listByStatus(status, limit), nil
}

func (s *FileStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]Item, error) {
	return s.core.listRetryable(now, limit), nil
}

func (s *FileStore) FindActive(_ context.Context, entityType, entityID string, op Operation) (Item, bool, error) {
	item, ok := s.core.findActive(entityType, entityID, op)
	return item, ok, nil
}

var errNotClaimed = errors.New("item not claimable")

func (s *FileStore) Claim(_ context.Context, id string, now time.Time) (Item, bool, error) {
	var claimed Item
	err := s.mutate(func() error {
		item, ok := s.core.claimLocked(id, now)
		if !ok {
			return errNotClaimed
		}
		claimed = item
		return nil
	})
	if errors.Is(err, errNotClaimed) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return claimed, true, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	return s.mutate(func() error {
		s.core.deleteLocked(id)
		return nil
	})
}

func (s *FileStore) CleanupCompleted(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.mutate(func() error {
		removed = s.core.deleteWhereLocked(func(it Item) bool {
			return it.Status == StatusCompleted && it.UpdatedAt.Before(cutoff)
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) CleanupFailed(_ context.Context, maxAttempts int) (int, error) {
	removed := 0
	err := s.mutate(func() error {
		removed = s.core.deleteWhereLocked(func(it Item) bool {
			return it.Status == StatusDormant && it.AttemptCount >= maxAttempts
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) ReviveDormant(_ context.Context, now time.Time) (int, error) {
	revived := 0
	err := s.mutate(func() error {
		revived = s.core.reviveLocked(now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revived, nil
}

func (s *FileStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	return s.core.countByStatus(), nil
}

func (s *FileStore) Close() error {
	return s.lock.release()
}

func (s *FileStore) Describe() string {
	return "file"
}

// mutate applies fn and persists the result, restoring the previous items
// when the snapshot cannot be written.
func (s *FileStore) mutate(fn func() error) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	previous := make(map[string]Item, len(s.core.items))
	for id, item := range s.core.items {
		previous[id] = item
	}
	if err := fn(); err != nil {
		return err
	}
	if err := s.saveLocked(); err != nil {
		s.core.items = previous
		return err
	}
	return nil
}

func (s *FileStore) load() error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, item := range snapshot.Items {
		if validateItem(item) != nil {
			continue
		}
		s.core.items[item.ID] = item
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	snapshot := fileStoreState{
		Items: s.core.snapshotLocked(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}
