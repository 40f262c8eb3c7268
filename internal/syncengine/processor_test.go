package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/retry"
)

func TestProcessItemCompletesAndMarksSynced(t *testing.T) {
	marker := &recordingMarker{}
	e := newTestEngine(t, func(o *Options) { o.Marker = marker })
	ctx := context.Background()
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationCreate, Data: json.RawMessage(`{"name":"alpha","version":4}`)})

	result := e.ProcessItem(ctx, enq.Item)
	if !result.Success || result.Status != queue.StatusCompleted {
		t.Fatalf("expected completed success, got %+v", result)
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusCompleted || item.LastAttempted == nil {
		t.Fatalf("unexpected stored item: %+v", item)
	}
	requests := e.remote.Requests()
	if len(requests) != 1 || requests[0].EntityType != "project" || string(requests[0].Payload) != `{"name":"alpha","version":4}` {
		t.Fatalf("unexpected remote requests: %+v", requests)
	}
	if diff := cmp.Diff([]markerCall{{EntityType: "project", EntityID: "p1", Version: 4}}, marker.calls); diff != "" {
		t.Fatalf("unexpected marker calls (-want +got):\n%s", diff)
	}

	again := e.ProcessItem(ctx, enq.Item)
	if !again.Skipped || len(e.remote.Requests()) != 1 {
		t.Fatalf("expected completed item to be skipped, got %+v", again)
	}
}

func TestProcessItemDeleteSendsIdentityPayload(t *testing.T) {
	e := newTestEngine(t, nil)
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{UserID: "user_9", EntityType: "project", EntityID: "p1", Operation: queue.OperationDelete})
	e.ProcessItem(context.Background(), enq.Item)
	requests := e.remote.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	var payload map[string]string
	if err := json.Unmarshal(requests[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"id": "p1", "user_id": "user_9"}, payload); diff != "" {
		t.Fatalf("unexpected delete payload (-want +got):\n%s", diff)
	}
}

func TestProcessItemResolvesDataLessUpdate(t *testing.T) {
	resolver := mapResolver{"project/p1": json.RawMessage(`{"name":"fresh"}`)}
	e := newTestEngine(t, func(o *Options) { o.Resolver = resolver })
	ctx := context.Background()
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate})
	if r := e.ProcessItem(ctx, enq.Item); !r.Success {
		t.Fatalf("expected success, got %+v", r)
	}
	if got := string(e.remote.Requests()[0].Payload); got != `{"name":"fresh"}` {
		t.Fatalf("expected resolved payload, got %s", got)
	}

	missing := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "gone", Operation: queue.OperationUpdate})
	r := e.ProcessItem(ctx, missing.Item)
	if r.Success || r.ErrorKind != queue.ErrorKindUnknown {
		t.Fatalf("expected unknown failure for unresolvable entity, got %+v", r)
	}
	if len(e.remote.Requests()) != 1 {
		t.Fatalf("expected no request for an unresolvable entity")
	}
}

func TestProcessItemRateLimitedGoesDormant(t *testing.T) {
	e := newTestEngine(t, nil)
	cfg := retry.DefaultConfig()
	cfg.RateLimit.MaxRetries = 3
	e.Policy().SetConfig(cfg)
	e.remote.respond = func(int, remote.Request) error { return rateLimited(0) }
	ctx := context.Background()
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})

	for i := 1; i <= 3; i++ {
		r := e.ProcessItem(ctx, enq.Item)
		if r.Success || r.ErrorKind != queue.ErrorKindRateLimit {
			t.Fatalf("attempt %d: expected rate limit failure, got %+v", i, r)
		}
		item := mustGet(t, e.store, enq.Item.ID)
		if item.AttemptCount != i {
			t.Fatalf("attempt %d: expected attempt count %d, got %d", i, i, item.AttemptCount)
		}
		if i < 3 {
			if item.Status != queue.StatusPending || item.NextRetryAfter == nil || !item.NextRetryAfter.After(e.clock.Now()) {
				t.Fatalf("attempt %d: expected scheduled retry, got %+v", i, item)
			}
		}
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusDormant || item.ErrorKind != queue.ErrorKindRateLimit {
		t.Fatalf("expected dormant rate-limited item, got %+v", item)
	}

	revived, err := e.Revive(ctx)
	if err != nil || revived != 1 {
		t.Fatalf("expected one revived item, got %d %v", revived, err)
	}
	item = mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusPending || item.AttemptCount != 0 || item.ErrorKind != queue.ErrorKindNone {
		t.Fatalf("unexpected revived item: %+v", item)
	}
	revived, err = e.Revive(ctx)
	if err != nil || revived != 0 {
		t.Fatalf("expected second revive to be a no-op, got %d %v", revived, err)
	}
}

func TestProcessItemHonorsRetryAfterHint(t *testing.T) {
	e := newTestEngine(t, nil)
	e.remote.respond = func(int, remote.Request) error { return rateLimited(20 * time.Minute) }
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	e.ProcessItem(context.Background(), enq.Item)
	item := mustGet(t, e.store, enq.Item.ID)
	if item.NextRetryAfter == nil {
		t.Fatalf("expected a scheduled retry")
	}
	if got := item.NextRetryAfter.Sub(e.clock.Now()); got != 20*time.Minute {
		t.Fatalf("expected retry-after hint of 20m, got %s", got)
	}
}

func TestProcessItemMergedInFlightReturnsToPending(t *testing.T) {
	marker := &recordingMarker{}
	e := newTestEngine(t, func(o *Options) { o.Marker = marker })
	ctx := context.Background()
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{"name":"v1","version":1}`)})

	e.remote.respond = func(n int, _ remote.Request) error {
		if n == 0 {
			mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{"name":"v2","version":2}`)})
		}
		return nil
	}

	r := e.ProcessItem(ctx, enq.Item)
	if !r.Success || r.Status != queue.StatusPending {
		t.Fatalf("expected success that stays pending, got %+v", r)
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusPending || item.AttemptCount != 0 || item.Version != 2 {
		t.Fatalf("unexpected item after in-flight merge: %+v", item)
	}
	if len(marker.calls) != 0 {
		t.Fatalf("expected no synced mark for stale data, got %+v", marker.calls)
	}

	if r := e.ProcessItem(ctx, item); r.Status != queue.StatusCompleted {
		t.Fatalf("expected second send to complete, got %+v", r)
	}
	requests := e.remote.Requests()
	if got := string(requests[len(requests)-1].Payload); got != `{"name":"v2","version":2}` {
		t.Fatalf("expected merged payload on the second send, got %s", got)
	}
}

func TestProcessItemShutdownReleasesWithoutSpendingAttempt(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.remote.respond = func(int, remote.Request) error {
		cancel()
		return context.Canceled
	}
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	r := e.ProcessItem(ctx, enq.Item)
	if !r.Skipped || !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("expected skipped canceled result, got %+v", r)
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusPending || item.AttemptCount != 0 {
		t.Fatalf("expected released pending item, got %+v", item)
	}
}

func TestProcessBatchStopsWhenCircuitOpens(t *testing.T) {
	breaker := retry.NewBreaker(retry.BreakerConfig{FailureThreshold: 2, ResetAfter: time.Minute, HalfOpenRequests: 1})
	e := newTestEngine(t, func(o *Options) { o.Breaker = breaker })
	e.remote.respond = func(int, remote.Request) error { return networkDown() }
	ctx := context.Background()
	var items []queue.Item
	for i := 0; i < 4; i++ {
		enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: fmt.Sprintf("p%d", i), Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
		items = append(items, enq.Item)
	}

	batch := e.ProcessBatch(ctx, items)
	if !batch.CircuitOpen || batch.Failed != 2 || batch.Skipped != 1 || batch.Succeeded != 0 {
		t.Fatalf("unexpected batch result: %+v", batch)
	}
	if len(e.remote.Requests()) != 2 {
		t.Fatalf("expected two remote calls before the circuit opened, got %d", len(e.remote.Requests()))
	}
	for _, id := range []string{items[2].ID, items[3].ID} {
		item := mustGet(t, e.store, id)
		if item.Status != queue.StatusPending || item.AttemptCount != 0 || item.LastAttempted != nil {
			t.Fatalf("expected untouched item after open circuit, got %+v", item)
		}
	}
	if breaker.State() != retry.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}
}

func TestProcessItemUnknownFailuresDoNotTripBreaker(t *testing.T) {
	breaker := retry.NewBreaker(retry.BreakerConfig{FailureThreshold: 1, ResetAfter: time.Minute, HalfOpenRequests: 1})
	e := newTestEngine(t, func(o *Options) { o.Breaker = breaker })
	e.remote.respond = func(int, remote.Request) error {
		return &remote.Error{Kind: queue.ErrorKindUnknown, StatusCode: 422, Message: "invalid payload"}
	}
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	e.ProcessItem(context.Background(), enq.Item)
	if breaker.State() != retry.BreakerClosed {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
}

func TestProcessBulkItemSendsBatch(t *testing.T) {
	marker := &recordingMarker{}
	e := newTestEngine(t, func(o *Options) { o.Marker = marker })
	ctx := context.Background()
	results, err := e.EnqueueBulk(ctx, BulkRequest{
		UserID:     "user_1",
		EntityType: "small_task",
		Operations: []BulkMutation{
			{Operation: queue.OperationDelete, EntityID: "a"},
			{Operation: queue.OperationDelete, EntityID: "b"},
			{Operation: queue.OperationDelete, EntityID: "c"},
		},
	})
	if err != nil || len(results) != 1 {
		t.Fatalf("enqueue bulk failed: %v %+v", err, results)
	}
	r := e.ProcessItem(ctx, results[0].Item)
	if !r.Success {
		t.Fatalf("expected bulk success, got %+v", r)
	}
	req := e.remote.Requests()[0]
	if len(req.Batch) != 3 || req.Operation != queue.OperationDelete {
		t.Fatalf("unexpected bulk request: %+v", req)
	}
	var header map[string]any
	if err := json.Unmarshal(req.Payload, &header); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header["bulk_group_id"] != results[0].Item.BulkGroupID || header["entity_count"] != float64(3) {
		t.Fatalf("unexpected bulk header: %v", header)
	}
	if len(marker.calls) != 3 || marker.calls[2].EntityID != "c" {
		t.Fatalf("expected every bulk entry marked synced, got %+v", marker.calls)
	}
	item := mustGet(t, e.store, results[0].Item.ID)
	bulk, err := item.DecodeBulk()
	if err != nil || bulk.ProcessedAt == nil {
		t.Fatalf("expected bulk processed timestamp, got %+v %v", bulk, err)
	}
}

type inFlightRemote struct {
	mu       sync.Mutex
	inFlight map[string]int
	overlap  bool
	sent     int
}

func (r *inFlightRemote) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	var payload struct {
		Entity string `json:"entity"`
	}
	_ = json.Unmarshal(req.Payload, &payload)
	r.mu.Lock()
	r.inFlight[payload.Entity]++
	if r.inFlight[payload.Entity] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.inFlight[payload.Entity]--
	r.sent++
	r.mu.Unlock()
	return remote.Response{Success: true}, nil
}

func TestProcessBatchConcurrentLanesSerializeEntities(t *testing.T) {
	fake := &inFlightRemote{inFlight: map[string]int{}}
	e := newTestEngine(t, func(o *Options) {
		o.Remote = fake
		o.MaxConcurrency = 4
	})
	ctx := context.Background()
	var items []queue.Item
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("e%d", i)
		data := json.RawMessage(fmt.Sprintf(`{"entity":%q}`, id))
		for _, op := range []queue.Operation{queue.OperationCreate, queue.OperationUpdate} {
			enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: id, Operation: op, Data: data})
			items = append(items, enq.Item)
		}
	}
	batch := e.ProcessBatch(ctx, items)
	if batch.Succeeded != len(items) {
		t.Fatalf("expected %d successes, got %+v", len(items), batch)
	}
	if fake.overlap {
		t.Fatalf("two items for the same entity were in flight together")
	}
}

func TestRecoverReschedulesInterruptedItems(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	interrupted := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	exhausted := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p2", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})

	item := mustGet(t, e.store, interrupted.Item.ID)
	item.Status = queue.StatusProcessing
	if err := e.store.Update(ctx, item); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	item = mustGet(t, e.store, exhausted.Item.ID)
	item.Status = queue.StatusFailed
	item.ErrorKind = queue.ErrorKindAuth
	item.AttemptCount = 1
	if err := e.store.Update(ctx, item); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	result, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if diff := cmp.Diff(RecoverResult{Interrupted: 1, Rescheduled: 1, Dormant: 1}, result); diff != "" {
		t.Fatalf("unexpected recover result (-want +got):\n%s", diff)
	}
	got := mustGet(t, e.store, interrupted.Item.ID)
	if got.Status != queue.StatusPending || got.AttemptCount != 1 || got.ErrorKind != queue.ErrorKindUnknown || got.NextRetryAfter == nil {
		t.Fatalf("unexpected recovered item: %+v", got)
	}
	got = mustGet(t, e.store, exhausted.Item.ID)
	if got.Status != queue.StatusDormant || got.AttemptCount != 2 {
		t.Fatalf("expected auth item to exhaust its budget, got %+v", got)
	}
	if n := len(activeItems(t, e.store)); n != 2 {
		t.Fatalf("expected no items lost, got %d", n)
	}
}

func TestCleanupCompletedHonorsAge(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	old := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "old", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	e.ProcessItem(ctx, old.Item)
	e.clock.Advance(9 * 24 * time.Hour)
	recent := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "recent", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	e.ProcessItem(ctx, recent.Item)
	e.clock.Advance(24 * time.Hour)

	removed, err := e.CleanupCompleted(ctx, 7)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removed item, got %d %v", removed, err)
	}
	if _, err := e.Item(ctx, old.Item.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected old item removed, got %v", err)
	}
	if _, err := e.Item(ctx, recent.Item.ID); err != nil {
		t.Fatalf("expected recent item kept, got %v", err)
	}
	if _, err := e.CleanupCompleted(ctx, -1); !errors.Is(err, queue.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative days, got %v", err)
	}
}

func TestStatisticsTrackOutcomes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	stats, err := e.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.SyncSuccessRate != 100 || stats.TotalProcessed != 0 {
		t.Fatalf("unexpected empty statistics: %+v", stats)
	}

	ok := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "ok", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	bad := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "bad", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	e.remote.respond = func(n int, _ remote.Request) error {
		if n == 1 {
			return networkDown()
		}
		return nil
	}
	e.ProcessItem(ctx, ok.Item)
	e.ProcessItem(ctx, bad.Item)

	stats, err = e.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.TotalProcessed != 2 || stats.SyncSuccessRate != 50 {
		t.Fatalf("unexpected outcome statistics: %+v", stats)
	}
	if stats.ErrorsByType[queue.ErrorKindNetwork] != 1 {
		t.Fatalf("expected one network error, got %v", stats.ErrorsByType)
	}
	if stats.CountsByStatus[queue.StatusCompleted] != 1 || stats.CountsByStatus[queue.StatusPending] != 1 {
		t.Fatalf("unexpected status counts: %v", stats.CountsByStatus)
	}
}

// entityTracker counts concurrent sends per entity, looking inside batch
// entries as well as the top-level payload.
type entityTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
	peak     map[string]int
	order    []string
}

func (r *entityTracker) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	payloads := []json.RawMessage{req.Payload}
	for _, entry := range req.Batch {
		payloads = append(payloads, entry.Payload)
	}
	var entities []string
	for _, payload := range payloads {
		var body struct {
			Entity string `json:"entity"`
		}
		if err := json.Unmarshal(payload, &body); err == nil && body.Entity != "" {
			entities = append(entities, body.Entity)
		}
	}
	r.mu.Lock()
	for _, id := range entities {
		r.inFlight[id]++
		if r.inFlight[id] > r.peak[id] {
			r.peak[id] = r.inFlight[id]
		}
	}
	label := "single"
	if len(req.Batch) > 0 {
		label = "batch"
	}
	r.order = append(r.order, label+":"+strings.Join(entities, ","))
	r.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	r.mu.Lock()
	for _, id := range entities {
		r.inFlight[id]--
	}
	r.mu.Unlock()
	return remote.Response{Success: true}, nil
}

func TestProcessBatchBulkSharesLaneWithEntityItems(t *testing.T) {
	tracker := &entityTracker{inFlight: map[string]int{}, peak: map[string]int{}}
	e := newTestEngine(t, func(o *Options) {
		o.Remote = tracker
		o.MaxConcurrency = 8
	})
	ctx := context.Background()
	bulk, err := e.EnqueueBulk(ctx, BulkRequest{EntityType: "project", Operations: []BulkMutation{
		{Operation: queue.OperationUpdate, EntityID: "a", Data: json.RawMessage(`{"entity":"a"}`)},
		{Operation: queue.OperationUpdate, EntityID: "b", Data: json.RawMessage(`{"entity":"b"}`)},
	}})
	if err != nil || len(bulk) != 1 || !bulk[0].Item.IsBulk {
		t.Fatalf("expected one bulk item, got %+v %v", bulk, err)
	}
	e.clock.Advance(time.Second)
	single := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "a", Operation: queue.OperationUpdate, Data: json.RawMessage(`{"entity":"a","version":2}`)})
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("x%d", i)
		mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: id, Operation: queue.OperationUpdate, Data: json.RawMessage(fmt.Sprintf(`{"entity":%q}`, id))})
	}

	items, err := e.Retryable(ctx, 0)
	if err != nil {
		t.Fatalf("retryable failed: %v", err)
	}
	keys := laneKeys(items)
	lane := map[string]string{}
	for i, item := range items {
		lane[item.ID] = keys[i]
	}
	if lane[bulk[0].Item.ID] != lane[single.Item.ID] {
		t.Fatalf("expected the bulk item and the single update for a to share a lane key")
	}

	batch := e.ProcessBatch(ctx, items)
	if batch.Succeeded != len(items) {
		t.Fatalf("expected %d successes, got %+v", len(items), batch)
	}
	if tracker.peak["a"] != 1 {
		t.Fatalf("expected sends touching a to be serialized, peak was %d", tracker.peak["a"])
	}
	first, second := -1, -1
	for i, label := range tracker.order {
		switch label {
		case "batch:a,b":
			first = i
		case "single:a":
			second = i
		}
	}
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected the bulk send before the newer single update, got %v", tracker.order)
	}
}

func TestProcessBulkPartialFailureRequeuesRejectedEntries(t *testing.T) {
	marker := &recordingMarker{}
	e := newTestEngine(t, func(o *Options) { o.Marker = marker })
	ctx := context.Background()
	results, err := e.EnqueueBulk(ctx, BulkRequest{UserID: "user_1", EntityType: "small_task", Operations: []BulkMutation{
		{Operation: queue.OperationCreate, EntityID: "a", Data: json.RawMessage(`{"id":"a"}`)},
		{Operation: queue.OperationCreate, EntityID: "b", Data: json.RawMessage(`{"id":"b","version":3}`)},
		{Operation: queue.OperationCreate, EntityID: "c", Data: json.RawMessage(`{"id":"c"}`)},
	}})
	if err != nil || len(results) != 1 {
		t.Fatalf("enqueue bulk failed: %+v %v", results, err)
	}
	e.remote.reply = func(n int, req remote.Request) remote.Response {
		if n == 0 {
			return remote.Response{Success: true, ProcessedCount: 2, Errors: []remote.EntityError{{EntityID: "b", Error: "duplicate title"}}}
		}
		return remote.Response{Success: true, ProcessedCount: 1}
	}

	r := e.ProcessItem(ctx, results[0].Item)
	if !r.Success || r.Status != queue.StatusCompleted {
		t.Fatalf("expected the bulk item to complete, got %+v", r)
	}
	var synced []string
	for _, call := range marker.calls {
		synced = append(synced, call.EntityID)
	}
	if diff := cmp.Diff([]string{"a", "c"}, synced); diff != "" {
		t.Fatalf("expected only accepted entries marked synced (-want +got):\n%s", diff)
	}
	items := activeItems(t, e.store)
	if len(items) != 1 {
		t.Fatalf("expected one requeued item, got %+v", items)
	}
	requeued := items[0]
	if requeued.IsBulk || requeued.EntityID != "b" || requeued.Operation != queue.OperationCreate || requeued.UserID != "user_1" {
		t.Fatalf("unexpected requeued item: %+v", requeued)
	}
	if requeued.Status != queue.StatusPending || requeued.AttemptCount != 1 || requeued.ErrorKind != queue.ErrorKindUnknown || requeued.ErrorMessage != "duplicate title" {
		t.Fatalf("expected the failure recorded on the requeued item, got %+v", requeued)
	}
	if requeued.Version != 3 || string(requeued.Data) != `{"id":"b","version":3}` || requeued.NextRetryAfter == nil {
		t.Fatalf("expected entry data and a scheduled retry, got %+v", requeued)
	}

	e.clock.Advance(time.Hour)
	if r := e.ProcessItem(ctx, requeued); !r.Success {
		t.Fatalf("expected the retry to succeed, got %+v", r)
	}
	requests := e.remote.Requests()
	if len(requests) != 2 || requests[1].Batch != nil || string(requests[1].Payload) != `{"id":"b","version":3}` {
		t.Fatalf("expected only the rejected entry to be resent, got %+v", requests)
	}
}

func TestProcessItemEntityErrorsFailSingleItem(t *testing.T) {
	e := newTestEngine(t, nil)
	e.remote.reply = func(int, remote.Request) remote.Response {
		return remote.Response{Success: true, Errors: []remote.EntityError{{EntityID: "p1", Error: "stale"}}}
	}
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})

	r := e.ProcessItem(context.Background(), enq.Item)
	if r.Success || r.ErrorKind != queue.ErrorKindUnknown {
		t.Fatalf("expected an unknown failure, got %+v", r)
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusPending || item.AttemptCount != 1 {
		t.Fatalf("expected a scheduled retry, got %+v", item)
	}
}
