// Package syncengine replays queued mutations against the remote endpoint.
// Engine owns enqueue, merge and item processing; Coordinator owns the sync
// cycle and its triggers.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/retry"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// EntityResolver loads the current payload of an entity when an UPDATE was
// queued without data.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
}

// SyncedMarker is told when an entity's mutation reached the remote.
type SyncedMarker interface {
	MarkSynced(ctx context.Context, entityType, entityID string, version int64) error
}

type Options struct {
	Store    queue.Store
	Remote   remote.Client
	Policy   *retry.Policy
	Breaker  *retry.Breaker
	Resolver EntityResolver
	Marker   SyncedMarker
	Events   *EventBus
	Logger   logrus.FieldLogger
	// Now is the clock; tests replace it.
	Now func() time.Time

	EnableBulkOptimization bool
	MaxConcurrency         int
	RequestTimeout         time.Duration
}

type Engine struct {
	store    queue.Store
	remote   remote.Client
	policy   *retry.Policy
	breaker  *retry.Breaker
	resolver EntityResolver
	marker   SyncedMarker
	events   *EventBus
	stats    *statsCollector
	log      logrus.FieldLogger
	now      func() time.Time

	// mu serializes read-modify-write sequences over queue items.
	mu sync.Mutex

	bulkEnabled    atomic.Bool
	maxConcurrency atomic.Int64
	requestTimeout atomic.Int64

	hookMu    sync.RWMutex
	onEnqueue func(EnqueueResult)
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, queue.ErrInvalidInput
	}
	if opts.Policy == nil {
		opts.Policy = retry.NewPolicy(retry.DefaultConfig())
	}
	if opts.Breaker == nil {
		opts.Breaker = retry.NewBreaker(retry.DefaultBreakerConfig())
	}
	if opts.Events == nil {
		opts.Events = NewEventBus()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	e := &Engine{
		store:    opts.Store,
		remote:   opts.Remote,
		policy:   opts.Policy,
		breaker:  opts.Breaker,
		resolver: opts.Resolver,
		marker:   opts.Marker,
		events:   opts.Events,
		stats:    newStatsCollector(),
		log:      logging.OrDiscard(opts.Logger).WithField("component", "syncengine"),
		now:      opts.Now,
	}
	e.SetBulkOptimization(opts.EnableBulkOptimization)
	e.SetMaxConcurrency(opts.MaxConcurrency)
	e.SetRequestTimeout(opts.RequestTimeout)
	return e, nil
}

func (e *Engine) Events() *EventBus {
	return e.events
}

func (e *Engine) Policy() *retry.Policy {
	return e.policy
}

func (e *Engine) SetBulkOptimization(enabled bool) {
	e.bulkEnabled.Store(enabled)
}

func (e *Engine) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	e.maxConcurrency.Store(int64(n))
}

func (e *Engine) SetRequestTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = remote.DefaultTimeout
	}
	e.requestTimeout.Store(int64(timeout))
}

// SetOnEnqueue installs a hook that runs after every successful enqueue.
func (e *Engine) SetOnEnqueue(fn func(EnqueueResult)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onEnqueue = fn
}

func (e *Engine) fireOnEnqueue(result EnqueueResult) {
	e.hookMu.RLock()
	fn := e.onEnqueue
	e.hookMu.RUnlock()
	if fn != nil {
		fn(result)
	}
}

type RecoverResult struct {
	Interrupted int `json:"interrupted"`
	Rescheduled int `json:"rescheduled"`
	Dormant     int `json:"dormant"`
}

// Recover repairs the queue after a crash: items left processing are marked
// failed with an unknown outcome, then every failed item is rescheduled or
// made dormant by the retry policy. It must run before the first cycle.
func (e *Engine) Recover(ctx context.Context) (RecoverResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result RecoverResult
	now := e.now()
	processing, err := e.store.ListByStatus(ctx, queue.StatusProcessing, 0)
	if err != nil {
		return result, err
	}
	for _, item := range processing {
		item.Status = queue.StatusFailed
		item.ErrorKind = queue.ErrorKindUnknown
		item.ErrorMessage = "interrupted while processing"
		item.UpdatedAt = now
		if err := e.store.Update(ctx, item); err != nil {
			return result, err
		}
		result.Interrupted++
	}

	failed, err := e.store.ListByStatus(ctx, queue.StatusFailed, 0)
	if err != nil {
		return result, err
	}
	for _, item := range failed {
		kind := item.ErrorKind
		if !kind.Valid() {
			kind = queue.ErrorKindUnknown
		}
		decision := e.policy.Decide(kind, item.AttemptCount, 0)
		item.AttemptCount++
		item.ErrorKind = decision.Kind
		item.UpdatedAt = now
		if decision.Retry {
			item.Status = queue.StatusPending
			item.NextRetryAfter = queue.TimePtr(now.Add(decision.Delay))
			result.Rescheduled++
		} else {
			item.Status = queue.StatusDormant
			item.NextRetryAfter = nil
			result.Dormant++
		}
		if err := e.store.Update(ctx, item); err != nil {
			return result, err
		}
	}
	if result != (RecoverResult{}) {
		e.log.WithFields(logrus.Fields{
			"interrupted": result.Interrupted,
			"rescheduled": result.Rescheduled,
			"dormant":     result.Dormant,
		}).Warn("recovered queue after unclean shutdown")
	}
	return result, nil
}

// Revive moves every dormant item back to pending with a fresh budget.
func (e *Engine) Revive(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.store.ReviveDormant(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.WithField("count", n).Info("revived dormant items")
	}
	return n, nil
}

// CleanupCompleted removes completed items last updated more than
// olderThanDays ago.
func (e *Engine) CleanupCompleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, queue.ErrInvalidInput
	}
	cutoff := e.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.CleanupCompleted(ctx, cutoff)
}

// CleanupFailed removes dormant items that reached maxAttempts.
func (e *Engine) CleanupFailed(ctx context.Context, maxAttempts int) (int, error) {
	if maxAttempts < 0 {
		return 0, queue.ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.CleanupFailed(ctx, maxAttempts)
}

func (e *Engine) Item(ctx context.Context, id string) (queue.Item, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) Items(ctx context.Context, status queue.Status, limit int) ([]queue.Item, error) {
	return e.store.ListByStatus(ctx, status, limit)
}

func (e *Engine) Retryable(ctx context.Context, limit int) ([]queue.Item, error) {
	return e.store.ListRetryable(ctx, e.now(), limit)
}
