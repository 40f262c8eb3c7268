package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type EnqueueAction string

const (
	ActionCreated   EnqueueAction = "created"
	ActionMerged    EnqueueAction = "merged"
	ActionReset     EnqueueAction = "reset"
	ActionCollapsed EnqueueAction = "collapsed"
)

type EnqueueRequest struct {
	UserID     string          `json:"userId,omitempty"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  queue.Operation `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type EnqueueResult struct {
	Item   queue.Item    `json:"item"`
	Action EnqueueAction `json:"action"`
}

type BulkMutation struct {
	Operation queue.Operation `json:"operation"`
	EntityID  string          `json:"entityId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type BulkRequest struct {
	UserID     string         `json:"userId,omitempty"`
	EntityType string         `json:"entityType"`
	Operations []BulkMutation `json:"operations"`
}

// Enqueue records a mutation, merging it into the existing non-terminal item
// for the same entity and operation when there is one.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	req, err := e.normalizeRequest(req)
	if err != nil {
		return EnqueueResult{}, err
	}
	e.mu.Lock()
	result, err := e.enqueueLocked(ctx, req)
	e.mu.Unlock()
	if err != nil {
		return EnqueueResult{}, err
	}
	e.afterEnqueue(result)
	return result, nil
}

func (e *Engine) normalizeRequest(req EnqueueRequest) (EnqueueRequest, error) {
	req.EntityType = strings.TrimSpace(req.EntityType)
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.EntityType == "" || req.EntityID == "" {
		return req, fmt.Errorf("%w: entity type and entity id are required", queue.ErrInvalidInput)
	}
	if !req.Operation.Valid() {
		op, err := queue.ParseOperation(string(req.Operation))
		if err != nil {
			return req, fmt.Errorf("%w: unsupported operation %q", queue.ErrInvalidInput, req.Operation)
		}
		req.Operation = op
	}
	if isNullJSON(req.Data) {
		req.Data = nil
	}
	if req.Data != nil && !json.Valid(req.Data) {
		return req, fmt.Errorf("%w: data is not valid json", queue.ErrInvalidInput)
	}
	switch req.Operation {
	case queue.OperationCreate:
		if req.Data == nil {
			return req, fmt.Errorf("%w: data is required for create operation", queue.ErrInvalidInput)
		}
	case queue.OperationUpdate:
		if req.Data == nil && e.resolver == nil {
			return req, fmt.Errorf("%w: data is required for update operation", queue.ErrInvalidInput)
		}
	}
	return req, nil
}

func (e *Engine) enqueueLocked(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	now := e.now()
	if req.Operation == queue.OperationDelete {
		collapsed, ok, err := e.collapseLocked(ctx, req)
		if err != nil || ok {
			return collapsed, err
		}
	}

	version := int64(1)
	if v, ok := queue.DataVersion(req.Data); ok {
		version = v
	}

	existing, found, err := e.store.FindActive(ctx, req.EntityType, req.EntityID, req.Operation)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("find active item: %w", err)
	}
	if !found {
		item := queue.Item{
			ID:         queue.NewID(),
			UserID:     req.UserID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Operation:  req.Operation,
			Data:       req.Data,
			Status:     queue.StatusPending,
			Version:    version,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.store.Insert(ctx, item); err != nil {
			return EnqueueResult{}, fmt.Errorf("insert item: %w", err)
		}
		return EnqueueResult{Item: item, Action: ActionCreated}, nil
	}

	action := ActionMerged
	existing.Data = req.Data
	if version > existing.Version {
		existing.Version = version
	}
	if req.UserID != "" {
		existing.UserID = req.UserID
	}
	existing.UpdatedAt = now
	if existing.Status == queue.StatusFailed || existing.Status == queue.StatusDormant {
		existing.AttemptCount = 0
		existing.Status = queue.StatusPending
		existing.ClearError()
		action = ActionReset
	}
	if err := e.store.Update(ctx, existing); err != nil {
		return EnqueueResult{}, fmt.Errorf("merge item: %w", err)
	}
	return EnqueueResult{Item: existing, Action: action}, nil
}

// collapseLocked drops a CREATE that was never sent, together with every
// active UPDATE for the entity, when the entity is deleted. The remote never
// learns about the entity and the DELETE is not queued.
func (e *Engine) collapseLocked(ctx context.Context, req EnqueueRequest) (EnqueueResult, bool, error) {
	create, found, err := e.store.FindActive(ctx, req.EntityType, req.EntityID, queue.OperationCreate)
	if err != nil {
		return EnqueueResult{}, false, fmt.Errorf("find pending create: %w", err)
	}
	if !found || !neverAttempted(create) {
		return EnqueueResult{}, false, nil
	}
	update, found, err := e.store.FindActive(ctx, req.EntityType, req.EntityID, queue.OperationUpdate)
	if err != nil {
		return EnqueueResult{}, false, fmt.Errorf("find pending update: %w", err)
	}
	if found {
		if update.Status == queue.StatusProcessing {
			// The update is on the wire; let it finish and queue the delete.
			return EnqueueResult{}, false, nil
		}
		if err := e.store.Delete(ctx, update.ID); err != nil {
			return EnqueueResult{}, false, fmt.Errorf("drop pending update: %w", err)
		}
	}
	if err := e.store.Delete(ctx, create.ID); err != nil {
		return EnqueueResult{}, false, fmt.Errorf("drop pending create: %w", err)
	}
	e.stats.recordCollapsed()
	return EnqueueResult{Item: create, Action: ActionCollapsed}, true, nil
}

func neverAttempted(item queue.Item) bool {
	return item.Status == queue.StatusPending && item.AttemptCount == 0 && item.LastAttempted == nil
}

func (e *Engine) afterEnqueue(result EnqueueResult) {
	item := result.Item
	e.log.WithFields(logrus.Fields{
		"item_id":     item.ID,
		"entity_type": item.EntityType,
		"operation":   item.Operation,
		"action":      result.Action,
	}).Debug("enqueued mutation")
	e.events.Publish(SyncEvent{
		Type:       EventItemEnqueued,
		Timestamp:  e.now(),
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  string(item.Operation),
		Action:     string(result.Action),
	})
	if result.Action != ActionCollapsed {
		e.fireOnEnqueue(result)
	}
}

// EnqueueBulk groups mutations by operation. Repeated entity ids within a
// group are collapsed to the entry with the highest version. With bulk
// optimization on, entries whose entity already has an active item are merged
// into it and the rest become a single bulk item when at least two remain;
// everything else is enqueued individually. Every mutation is validated before
// anything is written. On a storage error the results written so far are
// returned together with the error.
func (e *Engine) EnqueueBulk(ctx context.Context, req BulkRequest) ([]EnqueueResult, error) {
	entityType := strings.TrimSpace(req.EntityType)
	if entityType == "" || len(req.Operations) == 0 {
		return nil, fmt.Errorf("%w: entity type and operations are required", queue.ErrInvalidInput)
	}
	normalized := make([]EnqueueRequest, 0, len(req.Operations))
	for i, op := range req.Operations {
		one, err := e.normalizeRequest(EnqueueRequest{
			UserID:     req.UserID,
			EntityType: entityType,
			EntityID:   op.EntityID,
			Operation:  op.Operation,
			Data:       op.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		normalized = append(normalized, one)
	}

	order := make([]queue.Operation, 0, 3)
	groups := map[queue.Operation][]EnqueueRequest{}
	for _, one := range normalized {
		if _, seen := groups[one.Operation]; !seen {
			order = append(order, one.Operation)
		}
		groups[one.Operation] = append(groups[one.Operation], one)
	}

	results := make([]EnqueueResult, 0, len(normalized))
	var err error
	e.mu.Lock()
	for _, op := range order {
		var written []EnqueueResult
		written, err = e.enqueueGroupLocked(ctx, req.UserID, entityType, op, dedupeGroup(groups[op]))
		results = append(results, written...)
		if err != nil {
			break
		}
	}
	e.mu.Unlock()

	for _, result := range results {
		e.afterEnqueue(result)
	}
	return results, err
}

// dedupeGroup keeps one entry per entity id, in first-seen order. The entry
// with the highest data version wins; on a tie the later entry wins.
func dedupeGroup(group []EnqueueRequest) []EnqueueRequest {
	index := make(map[string]int, len(group))
	out := make([]EnqueueRequest, 0, len(group))
	for _, one := range group {
		i, seen := index[one.EntityID]
		if !seen {
			index[one.EntityID] = len(out)
			out = append(out, one)
			continue
		}
		if entryVersion(one) >= entryVersion(out[i]) {
			out[i] = one
		}
	}
	return out
}

func entryVersion(req EnqueueRequest) int64 {
	if v, ok := queue.DataVersion(req.Data); ok {
		return v
	}
	return 1
}

func (e *Engine) enqueueGroupLocked(ctx context.Context, userID, entityType string, op queue.Operation, group []EnqueueRequest) ([]EnqueueResult, error) {
	results := make([]EnqueueResult, 0, len(group))
	rest := group
	if len(group) >= 2 && e.bulkEnabled.Load() {
		rest = make([]EnqueueRequest, 0, len(group))
		for _, one := range group {
			result, absorbed, err := e.absorbLocked(ctx, one)
			if err != nil {
				return results, err
			}
			if absorbed {
				results = append(results, result)
				continue
			}
			rest = append(rest, one)
		}
		if len(rest) >= 2 {
			result, err := e.enqueueBulkLocked(ctx, userID, entityType, op, rest)
			if err != nil {
				return results, err
			}
			return append(results, result), nil
		}
	}
	for _, one := range rest {
		result, err := e.enqueueLocked(ctx, one)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// absorbLocked applies a bulk entry to the queue item that already owns its
// key: a DELETE may collapse a never-sent CREATE, anything else merges into
// the active item for the same entity and operation. It reports false when
// the entry is free to join a bulk item.
func (e *Engine) absorbLocked(ctx context.Context, req EnqueueRequest) (EnqueueResult, bool, error) {
	if req.Operation == queue.OperationDelete {
		result, ok, err := e.collapseLocked(ctx, req)
		if err != nil || ok {
			return result, ok, err
		}
	}
	_, found, err := e.store.FindActive(ctx, req.EntityType, req.EntityID, req.Operation)
	if err != nil {
		return EnqueueResult{}, false, fmt.Errorf("find active item: %w", err)
	}
	if !found {
		return EnqueueResult{}, false, nil
	}
	result, err := e.enqueueLocked(ctx, req)
	if err != nil {
		return EnqueueResult{}, false, err
	}
	return result, true, nil
}

func (e *Engine) enqueueBulkLocked(ctx context.Context, userID, entityType string, op queue.Operation, group []EnqueueRequest) (EnqueueResult, error) {
	now := e.now()
	groupID := queue.NewID()
	bulk := queue.BulkOperation{
		GroupID:    groupID,
		EntityType: entityType,
		Operation:  op,
		Entries:    make([]queue.BulkEntry, 0, len(group)),
		CreatedAt:  now,
	}
	version := int64(1)
	for _, one := range group {
		bulk.Entries = append(bulk.Entries, queue.BulkEntry{EntityID: one.EntityID, Data: one.Data})
		if v := entryVersion(one); v > version {
			version = v
		}
	}
	data, err := json.Marshal(bulk)
	if err != nil {
		return EnqueueResult{}, err
	}
	item := queue.Item{
		ID:          queue.NewID(),
		UserID:      strings.TrimSpace(userID),
		EntityType:  entityType,
		EntityID:    queue.BulkEntityID(groupID),
		Operation:   op,
		Data:        data,
		Status:      queue.StatusPending,
		Version:     version,
		IsBulk:      true,
		BulkGroupID: groupID,
		EntityCount: len(group),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Insert(ctx, item); err != nil {
		return EnqueueResult{}, fmt.Errorf("insert bulk item: %w", err)
	}
	e.stats.recordBulk(bulkBytesSaved(item.UserID, bulk))
	return EnqueueResult{Item: item, Action: ActionCreated}, nil
}

// bulkBytesSaved compares the encoded size of one request per entry with the
// single bulk request. Entries whose payload is resolved at send time are
// sized with their placeholder payload.
func bulkBytesSaved(userID string, bulk queue.BulkOperation) int64 {
	var individual int64
	for _, entry := range bulk.Entries {
		single, err := json.Marshal(remote.Request{
			EntityType: bulk.EntityType,
			Operation:  bulk.Operation,
			Payload:    entryPayload(userID, bulk.Operation, entry.EntityID, entry.Data),
		})
		if err != nil {
			return 0
		}
		individual += int64(len(single))
	}
	combined, err := json.Marshal(bulkRemoteRequest(userID, bulk, nil))
	if err != nil {
		return 0
	}
	return individual - int64(len(combined))
}

func isNullJSON(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
