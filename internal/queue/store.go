package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type Store interface {
	Insert(ctx context.Context, item Item) error
	Update(ctx context.Context, item Item) error
	Get(ctx context.Context, id string) (Item, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Item, error)
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]Item, error)
	FindActive(ctx context.Context, entityType, entityID string, op Operation) (Item, bool, error)
	// Claim moves a pending item to processing in one step. It reports false
	// when the item is gone or no longer pending, so two claimers never both
	// win the same item.
	Claim(ctx context.Context, id string, now time.Time) (Item, bool, error)
	Delete(ctx context.Context, id string) error
	CleanupCompleted(ctx context.Context, cutoff time.Time) (int, error)
	CleanupFailed(ctx context.Context, maxAttempts int) (int, error)
	ReviveDormant(ctx context.Context, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Close() error
}

// Describer is implemented by stores that can name their backend.
type Describer interface {
	Describe() string
}

func validateItem(item Item) error {
	if strings.TrimSpace(item.ID) == "" ||
		strings.TrimSpace(item.EntityType) == "" ||
		strings.TrimSpace(item.EntityID) == "" ||
		!item.Operation.Valid() ||
		!item.Status.Valid() {
		return ErrInvalidInput
	}
	return nil
}

// memoryCore holds items in process memory. The file store reuses it and
// persists after every mutation.
type memoryCore struct {
	mu    sync.RWMutex
	items map[string]Item
}

func newMemoryCore() *memoryCore {
	return &memoryCore{items: map[string]Item{}}
}

func (c *memoryCore) insertLocked(item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if _, exists := c.items[item.ID]; exists {
		return ErrConflict
	}
	if item.Active() {
		for _, existing := range c.items {
			if existing.Active() && sameKey(existing, item) {
				return ErrConflict
			}
		}
	}
	c.items[item.ID] = item.Clone()
	return nil
}

func sameKey(a, b Item) bool {
	return a.EntityType == b.EntityType && a.EntityID == b.EntityID && a.Operation == b.Operation
}

func (c *memoryCore) updateLocked(item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if _, exists := c.items[item.ID]; !exists {
		return ErrNotFound
	}
	c.items[item.ID] = item.Clone()
	return nil
}

func (c *memoryCore) get(id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item.Clone(), nil
}

func (c *memoryCore) filter(keep func(Item) bool, limit int) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0)
	for _, item := range c.items {
		if keep(item) {
			out = append(out, item.Clone())
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *memoryCore) listByStatus(status Status, limit int) []Item {
	return c.filter(func(it Item) bool { return it.Status == status }, limit)
}

func (c *memoryCore) listRetryable(now time.Time, limit int) []Item {
	return c.filter(func(it Item) bool { return it.Retryable(now) }, limit)
}

func (c *memoryCore) findActive(entityType, entityID string, op Operation) (Item, bool) {
	matches := c.filter(func(it Item) bool {
		return it.Active() && it.EntityType == entityType && it.EntityID == entityID && it.Operation == op
	}, 0)
	if len(matches) == 0 {
		return Item{}, false
	}
	return matches[0], true
}

func (c *memoryCore) claimLocked(id string, now time.Time) (Item, bool) {
	item, ok := c.items[id]
	if !ok || item.Status != StatusPending {
		return Item{}, false
	}
	item.Status = StatusProcessing
	item.LastAttempted = TimePtr(now)
	item.UpdatedAt = now
	c.items[id] = item
	return item.Clone(), true
}

func (c *memoryCore) deleteLocked(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

func (c *memoryCore) deleteWhereLocked(match func(Item) bool) int {
	removed := 0
	for id, item := range c.items {
		if match(item) {
			delete(c.items, id)
			removed++
		}
	}
	return removed
}

func (c *memoryCore) reviveLocked(now time.Time) int {
	revived := 0
	for id, item := range c.items {
		if item.Status != StatusDormant {
			continue
		}
		item.Status = StatusPending
		item.AttemptCount = 0
		item.ClearError()
		item.UpdatedAt = now
		c.items[id] = item
		revived++
	}
	return revived
}

func (c *memoryCore) countByStatus() map[Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[Status]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for _, item := range c.items {
		counts[item.Status]++
	}
	return counts
}

func (c *memoryCore) snapshotLocked() []Item {
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.Clone())
	}
	sortByCreated(out)
	return out
}

func sortByCreated(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

type MemoryStore struct {
	core *memoryCore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{core: newMemoryCore()}
}

func (s *MemoryStore) Insert(_ context.Context, item Item) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.core.insertLocked(item)
}

func (s *MemoryStore) Update(_ context.Context, item Item) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.core.updateLocked(item)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	return s.core.get(id)
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Item, error) {
	if !status.Valid() {
		return nil, ErrInvalidInput
	}
	return s.core.listByStatus(status, limit), nil
}

func (s *MemoryStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]Item, error) {
	return s.core.listRetryable(now, limit), nil
}

func (s *MemoryStore) FindActive(_ context.Context, entityType, entityID string, op Operation) (Item, bool, error) {
	item, ok := s.core.findActive(entityType, entityID, op)
	return item, ok, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (Item, bool, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	item, ok := s.core.claimLocked(id, now)
	return item, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	s.core.deleteLocked(id)
	return nil
}

func (s *MemoryStore) CleanupCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.core.deleteWhereLocked(func(it Item) bool {
		return it.Status == StatusCompleted && it.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) CleanupFailed(_ context.Context, maxAttempts int) (int, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.core.deleteWhereLocked(func(it Item) bool {
		return it.Status == StatusDormant && it.AttemptCount >= maxAttempts
	}), nil
}

func (s *MemoryStore) ReviveDormant(_ context.Context, now time.Time) (int, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.core.reviveLocked(now), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	return s.core.countByStatus(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Describe() string {
	return "memory"
}
