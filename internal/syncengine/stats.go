package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/retry"
)

const (
	durationWindow = 10
	outcomeWindow  = 100
)

type Statistics struct {
	CountsByStatus          map[queue.Status]int    `json:"countsByStatus"`
	ErrorsByType            map[queue.ErrorKind]int `json:"errorsByType"`
	BulkOperationsOptimized int64                   `json:"bulkOperationsOptimized"`
	DataSaved               int64                   `json:"dataSaved"`
	AverageSyncDuration     time.Duration           `json:"averageSyncDuration"`
	SyncSuccessRate         float64                 `json:"syncSuccessRate"`
	AverageRetryCount       float64                 `json:"averageRetryCount"`
	TotalProcessed          int64                   `json:"totalProcessed"`
	CollapsedOperations     int64                   `json:"collapsedOperations"`
	LastSyncTime            *time.Time              `json:"lastSyncTime,omitempty"`
	LastSyncDuration        time.Duration           `json:"lastSyncDuration"`
	CircuitState            retry.BreakerState      `json:"circuitState"`
}

// statsCollector keeps the in-process counters. Queue counts come from the
// store when a snapshot is taken.
type statsCollector struct {
	mu               sync.Mutex
	errorsByType     map[queue.ErrorKind]int
	bulkOptimized    int64
	dataSaved        int64
	durations        []time.Duration
	outcomes         []bool
	retrySum         int64
	totalProcessed   int64
	collapsed        int64
	lastSyncTime     time.Time
	lastSyncDuration time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{errorsByType: map[queue.ErrorKind]int{}}
}

func (s *statsCollector) recordItem(success bool, kind queue.ErrorKind, priorAttempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalProcessed++
	s.retrySum += int64(priorAttempts)
	if !success && kind != queue.ErrorKindNone {
		s.errorsByType[kind]++
	}
	s.outcomes = appendWindow(s.outcomes, success, outcomeWindow)
}

func (s *statsCollector) recordCycle(at time.Time, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncTime = at
	s.lastSyncDuration = duration
	s.durations = appendWindow(s.durations, duration, durationWindow)
}

func (s *statsCollector) recordBulk(saved int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkOptimized++
	if saved > 0 {
		s.dataSaved += saved
	}
}

func (s *statsCollector) recordCollapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collapsed++
}

func (s *statsCollector) snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Statistics{
		ErrorsByType:            make(map[queue.ErrorKind]int, len(s.errorsByType)),
		BulkOperationsOptimized: s.bulkOptimized,
		DataSaved:               s.dataSaved,
		SyncSuccessRate:         100,
		TotalProcessed:          s.totalProcessed,
		CollapsedOperations:     s.collapsed,
		LastSyncDuration:        s.lastSyncDuration,
	}
	for kind, n := range s.errorsByType {
		out.ErrorsByType[kind] = n
	}
	if len(s.durations) > 0 {
		var total time.Duration
		for _, d := range s.durations {
			total += d
		}
		out.AverageSyncDuration = total / time.Duration(len(s.durations))
	}
	if len(s.outcomes) > 0 {
		successes := 0
		for _, ok := range s.outcomes {
			if ok {
				successes++
			}
		}
		out.SyncSuccessRate = float64(successes) * 100 / float64(len(s.outcomes))
	}
	if s.totalProcessed > 0 {
		out.AverageRetryCount = float64(s.retrySum) / float64(s.totalProcessed)
	}
	if !s.lastSyncTime.IsZero() {
		out.LastSyncTime = queue.TimePtr(s.lastSyncTime)
	}
	return out
}

func appendWindow[T any](window []T, v T, size int) []T {
	window = append(window, v)
	if len(window) > size {
		window = append(window[:0], window[len(window)-size:]...)
	}
	return window
}

// Statistics combines store counts with the in-process counters.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := e.stats.snapshot()
	stats.CountsByStatus = counts
	stats.CircuitState = e.breaker.State()
	return stats, nil
}
