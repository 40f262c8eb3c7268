package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type ProcessResult struct {
	ItemID      string          `json:"itemId"`
	Success     bool            `json:"success"`
	Skipped     bool            `json:"skipped,omitempty"`
	Status      queue.Status    `json:"status,omitempty"`
	Attempt     int             `json:"attempt"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   queue.ErrorKind `json:"errorKind,omitempty"`
	ProcessedAt time.Time       `json:"processedAt"`
	Duration    time.Duration   `json:"duration"`

	Err error `json:"-"`
}

type BatchResult struct {
	Results     []ProcessResult `json:"results"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	CircuitOpen bool            `json:"circuitOpen"`
}

type deletePayload struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

type bulkHeader struct {
	BulkGroupID string `json:"bulk_group_id"`
	EntityCount int    `json:"entity_count"`
}

// ProcessBatch processes items in order. With MaxConcurrency above one the
// items are split into lanes by entity id, so two items for the same entity
// are never in flight together. A bulk item shares a lane with every item
// that touches one of its entries. An open circuit stops the batch and leaves
// the remaining items untouched.
func (e *Engine) ProcessBatch(ctx context.Context, items []queue.Item) BatchResult {
	lanes := int(e.maxConcurrency.Load())
	var results []ProcessResult
	circuitOpen := false
	if lanes <= 1 || len(items) <= 1 {
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			r := e.ProcessItem(ctx, item)
			results = append(results, r)
			if errors.Is(r.Err, ErrCircuitOpen) {
				circuitOpen = true
				break
			}
		}
	} else {
		results, circuitOpen = e.processLanes(ctx, items, lanes)
	}

	batch := BatchResult{Results: results, CircuitOpen: circuitOpen}
	for _, r := range results {
		switch {
		case r.Skipped:
			batch.Skipped++
		case r.Success:
			batch.Succeeded++
		default:
			batch.Failed++
		}
	}
	return batch
}

func (e *Engine) processLanes(ctx context.Context, items []queue.Item, lanes int) ([]ProcessResult, bool) {
	assigned := make([][]int, lanes)
	for i, key := range laneKeys(items) {
		lane := laneFor(key, lanes)
		assigned[lane] = append(assigned[lane], i)
	}

	slots := make([]*ProcessResult, len(items))
	var stop atomic.Bool
	var wg sync.WaitGroup
	for _, indexes := range assigned {
		if len(indexes) == 0 {
			continue
		}
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				if stop.Load() || ctx.Err() != nil {
					return
				}
				r := e.ProcessItem(ctx, items[i])
				slots[i] = &r
				if errors.Is(r.Err, ErrCircuitOpen) {
					stop.Store(true)
					return
				}
			}
		}(indexes)
	}
	wg.Wait()

	results := make([]ProcessResult, 0, len(items))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results, stop.Load()
}

// laneKeys returns one key per item. Items that touch a common entity,
// directly or through bulk entries, get the same key.
func laneKeys(items []queue.Item) []string {
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	owner := make(map[string]int, len(items))
	for i, item := range items {
		for _, entityID := range touchedEntities(item) {
			j, seen := owner[entityID]
			if !seen {
				owner[entityID] = i
				continue
			}
			if ri, rj := find(i), find(j); ri != rj {
				parent[ri] = rj
			}
		}
	}
	keys := make([]string, len(items))
	for i := range items {
		keys[i] = items[find(i)].EntityID
	}
	return keys
}

func touchedEntities(item queue.Item) []string {
	if !item.IsBulk {
		return []string{item.EntityID}
	}
	bulk, err := item.DecodeBulk()
	if err != nil {
		return []string{item.EntityID}
	}
	ids := make([]string, 0, len(bulk.Entries)+1)
	ids = append(ids, item.EntityID)
	for _, entry := range bulk.Entries {
		ids = append(ids, entry.EntityID)
	}
	return ids
}

func laneFor(entityID string, lanes int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(entityID))
	return int(hasher.Sum32() % uint32(lanes))
}

// ProcessItem sends one item and writes the outcome back to the store.
// Remote failures become item transitions; only store errors are returned in
// the result's Err without a transition.
func (e *Engine) ProcessItem(ctx context.Context, item queue.Item) ProcessResult {
	started := time.Now()
	result := ProcessResult{ItemID: item.ID, Attempt: item.AttemptCount}
	finish := func() ProcessResult {
		result.ProcessedAt = e.now()
		result.Duration = time.Since(started)
		return result
	}

	if !e.breaker.Allow() {
		result.Skipped = true
		result.Err = ErrCircuitOpen
		result.Error = ErrCircuitOpen.Error()
		return finish()
	}

	claimed, ok, err := e.claim(ctx, item.ID)
	if err != nil {
		result.Skipped = true
		result.Err = err
		result.Error = err.Error()
		return finish()
	}
	if !ok {
		result.Skipped = true
		return finish()
	}
	result.Attempt = claimed.AttemptCount
	log := e.log.WithFields(logrus.Fields{
		"item_id":     claimed.ID,
		"entity_type": claimed.EntityType,
		"operation":   claimed.Operation,
		"attempt":     claimed.AttemptCount,
	})

	var (
		sendErr  error
		rejected map[string]string
	)
	req, buildErr := e.buildRequest(ctx, claimed)
	if buildErr != nil {
		sendErr = &remote.Error{Kind: queue.ErrorKindUnknown, Message: "build request", Err: buildErr}
	} else {
		timeout := time.Duration(e.requestTimeout.Load())
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		var resp remote.Response
		resp, sendErr = e.remote.Send(sendCtx, req)
		cancel()
		e.recordBreaker(sendErr)
		if sendErr == nil {
			rejected, sendErr = rejectedEntries(claimed, resp)
		}
	}

	// store writes below must land even when shutdown has begun
	persistCtx := context.WithoutCancel(ctx)

	if sendErr != nil && ctx.Err() != nil {
		if err := e.release(persistCtx, claimed); err != nil {
			log.WithError(err).Error("release interrupted item")
		}
		result.Skipped = true
		result.Err = ctx.Err()
		result.Error = ctx.Err().Error()
		return finish()
	}

	if sendErr == nil {
		stored, completed, err := e.complete(persistCtx, claimed)
		if err != nil {
			log.WithError(err).Error("record sync success")
			result.Err = err
			result.Error = err.Error()
		}
		result.Success = true
		result.Status = stored.Status
		finish()
		e.stats.recordItem(true, queue.ErrorKindNone, claimed.AttemptCount)
		log.WithField("duration", result.Duration).Debug("item synced")
		if completed {
			e.markSynced(persistCtx, stored, rejected, log)
		}
		if len(rejected) > 0 {
			e.requeueRejected(persistCtx, stored, rejected, log)
		}
		e.events.Publish(SyncEvent{
			Type:       EventItemProcessed,
			Timestamp:  result.ProcessedAt,
			ItemID:     stored.ID,
			EntityType: stored.EntityType,
			EntityID:   stored.EntityID,
			Operation:  string(stored.Operation),
			Attempt:    claimed.AttemptCount,
		})
		return result
	}

	stored, err := e.fail(persistCtx, claimed, sendErr)
	if err != nil {
		log.WithError(err).Error("record sync failure")
		result.Err = err
	}
	result.Status = stored.Status
	result.ErrorKind = stored.ErrorKind
	result.Error = sendErr.Error()
	if result.Err == nil {
		result.Err = sendErr
	}
	finish()
	e.stats.recordItem(false, stored.ErrorKind, claimed.AttemptCount)
	entry := log.WithFields(logrus.Fields{"error_kind": stored.ErrorKind, "status": stored.Status})
	if stored.Status == queue.StatusDormant {
		entry.WithError(sendErr).Warn("item exhausted retries and is dormant")
	} else {
		entry.WithError(sendErr).Info("item sync failed; retry scheduled")
	}
	e.events.Publish(SyncEvent{
		Type:       EventItemFailed,
		Timestamp:  result.ProcessedAt,
		ItemID:     stored.ID,
		EntityType: stored.EntityType,
		EntityID:   stored.EntityID,
		Operation:  string(stored.Operation),
		ErrorKind:  string(stored.ErrorKind),
		Error:      sendErr.Error(),
		Attempt:    stored.AttemptCount,
	})
	return result
}

// claim marks the item processing if it is still pending. The store does the
// check and the write in one step, so another process sharing the queue
// cannot claim the same item.
func (e *Engine) claim(ctx context.Context, id string) (queue.Item, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok, err := e.store.Claim(ctx, id, e.now())
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("claim item: %w", err)
	}
	return item, ok, nil
}

// release puts an item whose send was interrupted by shutdown back to
// pending without spending an attempt.
func (e *Engine) release(ctx context.Context, claimed queue.Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.store.Get(ctx, claimed.ID)
	if err != nil {
		return err
	}
	item.Status = queue.StatusPending
	item.UpdatedAt = e.now()
	return e.store.Update(ctx, item)
}

func (e *Engine) complete(ctx context.Context, claimed queue.Item) (queue.Item, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.store.Get(ctx, claimed.ID)
	if err != nil {
		return claimed, false, fmt.Errorf("load item: %w", err)
	}
	now := e.now()
	item.UpdatedAt = now
	item.ClearError()
	completed := !changedInFlight(claimed, item)
	if completed {
		item.Status = queue.StatusCompleted
		if item.IsBulk {
			if bulk, err := item.DecodeBulk(); err == nil {
				bulk.ProcessedAt = queue.TimePtr(now)
				if data, err := json.Marshal(bulk); err == nil {
					item.Data = data
				}
			}
		}
	} else {
		// newer data arrived while the request was in flight; send it next cycle
		item.Status = queue.StatusPending
	}
	if err := e.store.Update(ctx, item); err != nil {
		return item, false, fmt.Errorf("update item: %w", err)
	}
	return item, completed, nil
}

func changedInFlight(sent, stored queue.Item) bool {
	return stored.Version != sent.Version || !bytes.Equal(stored.Data, sent.Data)
}

func (e *Engine) fail(ctx context.Context, claimed queue.Item, sendErr error) (queue.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.store.Get(ctx, claimed.ID)
	if err != nil {
		return claimed, fmt.Errorf("load item: %w", err)
	}
	kind, hint := remote.Classify(sendErr)
	decision := e.policy.Decide(kind, item.AttemptCount, hint)
	now := e.now()
	item.AttemptCount++
	item.ErrorKind = decision.Kind
	item.ErrorMessage = sendErr.Error()
	item.UpdatedAt = now
	if decision.Retry {
		item.Status = queue.StatusPending
		item.NextRetryAfter = queue.TimePtr(now.Add(decision.Delay))
	} else {
		item.Status = queue.StatusDormant
		item.NextRetryAfter = nil
	}
	if err := e.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("update item: %w", err)
	}
	return item, nil
}

// recordBreaker feeds remote outcomes to the circuit breaker. Unknown
// failures are usually specific to one payload and do not trip it.
func (e *Engine) recordBreaker(err error) {
	if err == nil {
		e.breaker.RecordSuccess()
		return
	}
	kind, _ := remote.Classify(err)
	if kind == queue.ErrorKindUnknown {
		return
	}
	e.breaker.RecordFailure()
}

// rejectedEntries maps the entity errors of a successful response onto the
// entries of a bulk item. A single item with entity errors failed as a whole,
// as does a bulk item when none of the errors names one of its entries.
func rejectedEntries(item queue.Item, resp remote.Response) (map[string]string, error) {
	partial := resp.PartialFailure()
	if partial == nil {
		return nil, nil
	}
	if !item.IsBulk {
		return nil, partial
	}
	bulk, err := item.DecodeBulk()
	if err != nil {
		return nil, partial
	}
	entries := make(map[string]bool, len(bulk.Entries))
	for _, entry := range bulk.Entries {
		entries[entry.EntityID] = true
	}
	rejected := map[string]string{}
	for _, entityErr := range resp.Errors {
		if entries[entityErr.EntityID] {
			rejected[entityErr.EntityID] = entityErr.Error
		}
	}
	if len(rejected) == 0 {
		return nil, partial
	}
	return rejected, nil
}

// requeueRejected queues the rejected entries of a delivered bulk item as
// individual items carrying the failure, so only they are sent again. An
// entry whose entity already has an active item is left to that item.
func (e *Engine) requeueRejected(ctx context.Context, bulkItem queue.Item, rejected map[string]string, log logrus.FieldLogger) {
	bulk, err := bulkItem.DecodeBulk()
	if err != nil {
		log.WithError(err).Warn("decode bulk item")
		return
	}
	e.mu.Lock()
	requeued := make([]queue.Item, 0, len(rejected))
	for _, entry := range bulk.Entries {
		message, ok := rejected[entry.EntityID]
		if !ok {
			continue
		}
		item, err := e.requeueEntryLocked(ctx, bulkItem, bulk, entry, message)
		if err != nil {
			log.WithError(err).WithField("entity_id", entry.EntityID).Error("requeue rejected bulk entry")
			continue
		}
		if item.ID != "" {
			requeued = append(requeued, item)
		}
	}
	e.mu.Unlock()

	for _, item := range requeued {
		e.stats.recordItem(false, item.ErrorKind, bulkItem.AttemptCount)
		log.WithFields(logrus.Fields{
			"entity_id":  item.EntityID,
			"requeue_id": item.ID,
			"status":     item.Status,
		}).Info("bulk entry rejected; requeued individually")
		e.events.Publish(SyncEvent{
			Type:       EventItemFailed,
			Timestamp:  item.UpdatedAt,
			ItemID:     item.ID,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Operation:  string(item.Operation),
			ErrorKind:  string(item.ErrorKind),
			Error:      item.ErrorMessage,
			Attempt:    item.AttemptCount,
		})
	}
}

func (e *Engine) requeueEntryLocked(ctx context.Context, bulkItem queue.Item, bulk queue.BulkOperation, entry queue.BulkEntry, message string) (queue.Item, error) {
	_, found, err := e.store.FindActive(ctx, bulk.EntityType, entry.EntityID, bulk.Operation)
	if err != nil {
		return queue.Item{}, fmt.Errorf("find active item: %w", err)
	}
	if found {
		return queue.Item{}, nil
	}
	now := e.now()
	version := bulkItem.Version
	if v, ok := queue.DataVersion(entry.Data); ok {
		version = v
	}
	decision := e.policy.Decide(queue.ErrorKindUnknown, bulkItem.AttemptCount, 0)
	item := queue.Item{
		ID:            queue.NewID(),
		UserID:        bulkItem.UserID,
		EntityType:    bulk.EntityType,
		EntityID:      entry.EntityID,
		Operation:     bulk.Operation,
		Data:          entry.Data,
		Status:        queue.StatusPending,
		AttemptCount:  bulkItem.AttemptCount + 1,
		LastAttempted: queue.TimePtr(now),
		ErrorMessage:  message,
		ErrorKind:     decision.Kind,
		Version:       version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if decision.Retry {
		item.NextRetryAfter = queue.TimePtr(now.Add(decision.Delay))
	} else {
		item.Status = queue.StatusDormant
	}
	if err := e.store.Insert(ctx, item); err != nil {
		return queue.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

func (e *Engine) markSynced(ctx context.Context, item queue.Item, rejected map[string]string, log logrus.FieldLogger) {
	if e.marker == nil {
		return
	}
	if !item.IsBulk {
		if err := e.marker.MarkSynced(ctx, item.EntityType, item.EntityID, item.Version); err != nil {
			log.WithError(err).Warn("mark entity synced")
		}
		return
	}
	bulk, err := item.DecodeBulk()
	if err != nil {
		log.WithError(err).Warn("decode bulk item")
		return
	}
	for _, entry := range bulk.Entries {
		if _, failed := rejected[entry.EntityID]; failed {
			continue
		}
		version := item.Version
		if v, ok := queue.DataVersion(entry.Data); ok {
			version = v
		}
		if err := e.marker.MarkSynced(ctx, bulk.EntityType, entry.EntityID, version); err != nil {
			log.WithError(err).WithField("entity_id", entry.EntityID).Warn("mark entity synced")
		}
	}
}

func (e *Engine) buildRequest(ctx context.Context, item queue.Item) (remote.Request, error) {
	if item.IsBulk {
		bulk, err := item.DecodeBulk()
		if err != nil {
			return remote.Request{}, fmt.Errorf("decode bulk item: %w", err)
		}
		payloads := make([]json.RawMessage, 0, len(bulk.Entries))
		for _, entry := range bulk.Entries {
			payload, err := e.resolvePayload(ctx, item.UserID, bulk.EntityType, bulk.Operation, entry.EntityID, entry.Data)
			if err != nil {
				return remote.Request{}, err
			}
			payloads = append(payloads, payload)
		}
		return bulkRemoteRequest(item.UserID, bulk, payloads), nil
	}
	payload, err := e.resolvePayload(ctx, item.UserID, item.EntityType, item.Operation, item.EntityID, item.Data)
	if err != nil {
		return remote.Request{}, err
	}
	return remote.Request{
		EntityType: item.EntityType,
		Operation:  item.Operation,
		Payload:    payload,
	}, nil
}

func (e *Engine) resolvePayload(ctx context.Context, userID, entityType string, op queue.Operation, entityID string, data json.RawMessage) (json.RawMessage, error) {
	if data == nil && op == queue.OperationUpdate && e.resolver != nil {
		resolved, err := e.resolver.ResolveEntity(ctx, entityType, entityID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s %s: %w", entityType, entityID, err)
		}
		if isNullJSON(resolved) {
			return nil, fmt.Errorf("resolve %s %s: %w", entityType, entityID, queue.ErrNotFound)
		}
		return resolved, nil
	}
	return entryPayload(userID, op, entityID, data), nil
}

func entryPayload(userID string, op queue.Operation, entityID string, data json.RawMessage) json.RawMessage {
	if data != nil {
		return data
	}
	payload, _ := json.Marshal(deletePayload{ID: entityID, UserID: userID})
	return payload
}

func bulkRemoteRequest(userID string, bulk queue.BulkOperation, payloads []json.RawMessage) remote.Request {
	header, _ := json.Marshal(bulkHeader{BulkGroupID: bulk.GroupID, EntityCount: len(bulk.Entries)})
	batch := make([]remote.BatchEntry, 0, len(bulk.Entries))
	for i, entry := range bulk.Entries {
		var payload json.RawMessage
		if i < len(payloads) {
			payload = payloads[i]
		} else {
			payload = entryPayload(userID, bulk.Operation, entry.EntityID, entry.Data)
		}
		batch = append(batch, remote.BatchEntry{Operation: bulk.Operation, Payload: payload})
	}
	return remote.Request{
		EntityType: bulk.EntityType,
		Operation:  bulk.Operation,
		Payload:    header,
		Batch:      batch,
	}
}
