package syncengine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/retry"
)

// Connectivity is the online signal the coordinator gates cycles on.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

type Settings struct {
	SyncInterval           time.Duration `json:"syncInterval"`
	SyncIntervalJitter     float64       `json:"syncIntervalJitter"`
	BatchSize              int           `json:"batchSize"`
	EnableAutoSync         bool          `json:"enableAutoSync"`
	EnableBulkOptimization bool          `json:"enableBulkOptimization"`
	MaxConcurrency         int           `json:"maxConcurrency"`
	RequestTimeout         time.Duration `json:"requestTimeout"`
	StatsLogInterval       time.Duration `json:"statsLogInterval"`
	Retry                  retry.Config  `json:"retry"`
}

func DefaultSettings() Settings {
	return Settings{
		SyncInterval:           30 * time.Second,
		SyncIntervalJitter:     retry.DefaultJitterRatio,
		BatchSize:              10,
		EnableAutoSync:         true,
		EnableBulkOptimization: true,
		MaxConcurrency:         1,
		RequestTimeout:         30 * time.Second,
		StatsLogInterval:       5 * time.Minute,
		Retry:                  retry.DefaultConfig(),
	}
}

func (s Settings) normalized() Settings {
	defaults := DefaultSettings()
	if s.SyncInterval <= 0 {
		s.SyncInterval = defaults.SyncInterval
	}
	s.SyncIntervalJitter = retry.ClampJitterRatio(s.SyncIntervalJitter)
	if s.BatchSize <= 0 {
		s.BatchSize = defaults.BatchSize
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = defaults.MaxConcurrency
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = defaults.RequestTimeout
	}
	if s.StatsLogInterval <= 0 {
		s.StatsLogInterval = defaults.StatsLogInterval
	}
	return s
}

type CycleResult struct {
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Fetched     int           `json:"fetched"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	CircuitOpen bool          `json:"circuitOpen"`
	Error       string        `json:"error,omitempty"`
}

type Status struct {
	Running      bool          `json:"running"`
	Online       bool          `json:"online"`
	AutoSync     bool          `json:"autoSync"`
	SyncInterval time.Duration `json:"syncInterval"`
	BatchSize    int           `json:"batchSize"`
	Cycles       int64         `json:"cycles"`
	LastCycle    *CycleResult  `json:"lastCycle,omitempty"`
}

// Coordinator runs sync cycles. At most one cycle runs at a time; a trigger
// that arrives during a cycle is dropped, not queued.
type Coordinator struct {
	engine *Engine
	conn   Connectivity
	log    logrus.FieldLogger

	running  atomic.Bool
	autoSync atomic.Bool
	cycles   atomic.Int64

	mu        sync.RWMutex
	settings  Settings
	lastCycle *CycleResult

	trigger      chan struct{}
	reconfigured chan struct{}
	sample       func() float64
}

type CoordinatorOptions struct {
	Engine       *Engine
	Connectivity Connectivity
	Settings     Settings
	Logger       logrus.FieldLogger
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		engine:       opts.Engine,
		conn:         opts.Connectivity,
		log:          logging.OrDiscard(opts.Logger).WithField("component", "coordinator"),
		trigger:      make(chan struct{}, 1),
		reconfigured: make(chan struct{}, 1),
		sample:       rand.Float64,
	}
	if c.conn == nil {
		c.conn = alwaysOnline{}
	}
	if opts.Settings == (Settings{}) {
		opts.Settings = DefaultSettings()
	}
	c.ApplyConfig(opts.Settings)
	c.engine.SetOnEnqueue(func(EnqueueResult) {
		if c.autoSync.Load() && c.conn.Online() {
			c.TriggerSync()
		}
	})
	return c
}

// ApplyConfig hot-applies settings to the coordinator and its engine.
func (c *Coordinator) ApplyConfig(s Settings) {
	s = s.normalized()
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.autoSync.Store(s.EnableAutoSync)
	c.engine.SetBulkOptimization(s.EnableBulkOptimization)
	c.engine.SetMaxConcurrency(s.MaxConcurrency)
	c.engine.SetRequestTimeout(s.RequestTimeout)
	c.engine.policy.SetConfig(s.Retry)
	select {
	case c.reconfigured <- struct{}{}:
	default:
	}
}

func (c *Coordinator) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Coordinator) SetAutoSync(enabled bool) {
	c.autoSync.Store(enabled)
	c.mu.Lock()
	c.settings.EnableAutoSync = enabled
	c.mu.Unlock()
	c.log.WithField("enabled", enabled).Info("auto sync toggled")
}

func (c *Coordinator) AutoSync() bool {
	return c.autoSync.Load()
}

func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// TriggerSync asks Run for a cycle without waiting. Repeated triggers
// before the cycle starts collapse into one.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a cycle on the caller's goroutine. It reports false when a
// cycle was already running or the remote is offline.
func (c *Coordinator) SyncNow(ctx context.Context) (CycleResult, bool) {
	return c.RunCycle(ctx)
}

// RunCycle fetches up to BatchSize retryable items and processes them.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, bool) {
	if !c.conn.Online() {
		return CycleResult{}, false
	}
	if !c.running.CompareAndSwap(false, true) {
		return CycleResult{}, false
	}
	defer c.running.Store(false)

	settings := c.Settings()
	started := time.Now()
	result := CycleResult{StartedAt: c.engine.now()}
	c.engine.events.Publish(SyncEvent{Type: EventSyncStarted, Timestamp: result.StartedAt})

	items, err := c.engine.Retryable(ctx, settings.BatchSize)
	if err != nil {
		result.Duration = time.Since(started)
		result.Error = err.Error()
		c.finishCycle(result)
		c.log.WithError(err).Error("sync cycle failed to load queue")
		c.engine.events.Publish(SyncEvent{Type: EventSyncFailed, Error: err.Error(), Cycle: &result})
		return result, true
	}
	result.Fetched = len(items)

	batch := c.engine.ProcessBatch(ctx, items)
	result.Duration = time.Since(started)
	result.Succeeded = batch.Succeeded
	result.Failed = batch.Failed
	result.Skipped = batch.Skipped
	result.CircuitOpen = batch.CircuitOpen
	c.finishCycle(result)

	entry := c.log.WithFields(logrus.Fields{
		"fetched":   result.Fetched,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"duration":  result.Duration,
	})
	if result.CircuitOpen {
		entry.Warn("sync cycle stopped: circuit breaker open")
	} else if result.Fetched > 0 {
		entry.Info("sync cycle completed")
	} else {
		entry.Debug("sync cycle completed")
	}
	c.engine.events.Publish(SyncEvent{Type: EventSyncCompleted, Cycle: &result})
	return result, true
}

func (c *Coordinator) finishCycle(result CycleResult) {
	c.cycles.Add(1)
	c.engine.stats.recordCycle(result.StartedAt, result.Duration)
	c.mu.Lock()
	c.lastCycle = &result
	c.mu.Unlock()
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	settings := c.settings
	var last *CycleResult
	if c.lastCycle != nil {
		copied := *c.lastCycle
		last = &copied
	}
	c.mu.RUnlock()
	return Status{
		Running:      c.running.Load(),
		Online:       c.conn.Online(),
		AutoSync:     c.autoSync.Load(),
		SyncInterval: settings.SyncInterval,
		BatchSize:    settings.BatchSize,
		Cycles:       c.cycles.Load(),
		LastCycle:    last,
	}
}

// Run serves the periodic timer, online transitions, manual triggers and
// the stats log until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	online, unsubscribe := c.conn.Subscribe()
	defer unsubscribe()

	settings := c.Settings()
	timer := time.NewTimer(c.nextInterval(settings))
	defer timer.Stop()
	statsTicker := time.NewTicker(settings.StatsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.WithError(ctx.Err()).Info("coordinator stopping")
			return
		case <-timer.C:
			if c.autoSync.Load() {
				c.RunCycle(ctx)
			}
			timer.Reset(c.nextInterval(c.Settings()))
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up && c.autoSync.Load() {
				c.log.Info("back online; starting sync")
				c.RunCycle(ctx)
			}
		case <-c.trigger:
			c.RunCycle(ctx)
		case <-statsTicker.C:
			c.logStats(ctx)
		case <-c.reconfigured:
			settings = c.Settings()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.nextInterval(settings))
			statsTicker.Reset(settings.StatsLogInterval)
		}
	}
}

func (c *Coordinator) nextInterval(s Settings) time.Duration {
	return retry.JitteredInterval(s.SyncInterval, s.SyncIntervalJitter, c.sample())
}

func (c *Coordinator) logStats(ctx context.Context) {
	stats, err := c.engine.Statistics(ctx)
	if err != nil {
		c.log.WithError(err).Warn("collect sync statistics")
		return
	}
	c.log.WithFields(logrus.Fields{
		"pending":         stats.CountsByStatus["pending"],
		"dormant":         stats.CountsByStatus["dormant"],
		"success_rate":    stats.SyncSuccessRate,
		"avg_duration":    stats.AverageSyncDuration,
		"avg_retry_count": stats.AverageRetryCount,
		"circuit":         stats.CircuitState,
		"bulk_optimized":  stats.BulkOperationsOptimized,
		"data_saved":      stats.DataSaved,
	}).Info("sync statistics")
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func (alwaysOnline) Subscribe() (<-chan bool, func()) {
	return nil, func() {}
}
