package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/retry"
)

type fakeRemote struct {
	mu       sync.Mutex
	requests []remote.Request
	respond  func(n int, req remote.Request) error
	reply    func(n int, req remote.Request) remote.Response
}

func (f *fakeRemote) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	respond := f.respond
	reply := f.reply
	f.mu.Unlock()
	if respond != nil {
		if err := respond(n, req); err != nil {
			return remote.Response{}, err
		}
	}
	if reply != nil {
		return reply(n, req), nil
	}
	return remote.Response{Success: true, ProcessedCount: 1}, nil
}

func (f *fakeRemote) Requests() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.requests...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type markerCall struct {
	EntityType string
	EntityID   string
	Version    int64
}

type recordingMarker struct {
	mu    sync.Mutex
	calls []markerCall
}

func (m *recordingMarker) MarkSynced(_ context.Context, entityType, entityID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, markerCall{EntityType: entityType, EntityID: entityID, Version: version})
	return nil
}

type mapResolver map[string]json.RawMessage

func (r mapResolver) ResolveEntity(_ context.Context, entityType, entityID string) (json.RawMessage, error) {
	data, ok := r[entityType+"/"+entityID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return data, nil
}

type testEngine struct {
	*Engine
	store  *queue.MemoryStore
	remote *fakeRemote
	clock  *testClock
}

func newTestEngine(t *testing.T, mutate func(*Options)) *testEngine {
	t.Helper()
	store := queue.NewMemoryStore()
	fake := &fakeRemote{}
	clock := newTestClock()
	policy := retry.NewPolicy(retry.DefaultConfig())
	policy.SetSampler(func() float64 { return 0.5 })
	opts := Options{
		Store:                  store,
		Remote:                 fake,
		Policy:                 policy,
		Now:                    clock.Now,
		EnableBulkOptimization: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := New(opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	return &testEngine{Engine: engine, store: store, remote: fake, clock: clock}
}

func mustEnqueue(t *testing.T, e *Engine, req EnqueueRequest) EnqueueResult {
	t.Helper()
	result, err := e.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue %s %s failed: %v", req.Operation, req.EntityID, err)
	}
	return result
}

func mustGet(t *testing.T, store queue.Store, id string) queue.Item {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %s failed: %v", id, err)
	}
	return item
}

func activeItems(t *testing.T, store queue.Store) []queue.Item {
	t.Helper()
	var out []queue.Item
	for _, status := range queue.AllStatuses {
		if status == queue.StatusCompleted {
			continue
		}
		items, err := store.ListByStatus(context.Background(), status, 0)
		if err != nil {
			t.Fatalf("list %s failed: %v", status, err)
		}
		out = append(out, items...)
	}
	return out
}

func rateLimited(retryAfter time.Duration) error {
	return &remote.Error{Kind: queue.ErrorKindRateLimit, StatusCode: 429, Message: "slow down", RetryAfter: retryAfter}
}

func networkDown() error {
	return &remote.Error{Kind: queue.ErrorKindNetwork, Message: "connection refused"}
}

// failingStore fails inserts the test selects and passes everything else to
// the wrapped store.
type failingStore struct {
	queue.Store
	failInsert func(queue.Item) bool
}

func (s *failingStore) Insert(ctx context.Context, item queue.Item) error {
	if s.failInsert != nil && s.failInsert(item) {
		return errors.New("disk full")
	}
	return s.Store.Insert(ctx, item)
}
