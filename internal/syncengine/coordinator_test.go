package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/retry"
)

func quietSettings() Settings {
	s := DefaultSettings()
	s.SyncInterval = time.Hour
	s.StatsLogInterval = time.Hour
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRunCycleIsNotReentrant(t *testing.T) {
	e := newTestEngine(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	e.remote.respond = func(n int, _ remote.Request) error {
		if n == 0 {
			close(entered)
			<-release
		}
		return nil
	}
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: quietSettings()})
	c.SetAutoSync(false)
	mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})

	done := make(chan CycleResult)
	go func() {
		result, _ := c.RunCycle(context.Background())
		done <- result
	}()
	<-entered
	if !c.Running() {
		t.Fatalf("expected running flag during a cycle")
	}
	if _, ran := c.RunCycle(context.Background()); ran {
		t.Fatalf("expected overlapping cycle to be rejected")
	}
	close(release)
	result := <-done
	if result.Succeeded != 1 {
		t.Fatalf("unexpected first cycle: %+v", result)
	}
	if status := c.Status(); status.Cycles != 1 || status.Running {
		t.Fatalf("expected exactly one finished cycle, got %+v", status)
	}
	if len(e.remote.Requests()) != 1 {
		t.Fatalf("expected one remote call, got %d", len(e.remote.Requests()))
	}
}

func TestRunCycleOfflineIsNoop(t *testing.T) {
	e := newTestEngine(t, nil)
	monitor := connectivity.NewMonitor(connectivity.Options{InitialOffline: true})
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Connectivity: monitor, Settings: quietSettings()})
	mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationCreate, Data: json.RawMessage(`{}`)})

	if _, ran := c.RunCycle(context.Background()); ran {
		t.Fatalf("expected offline cycle to be skipped")
	}
	if len(e.remote.Requests()) != 0 {
		t.Fatalf("expected no remote calls while offline")
	}
	if n := len(activeItems(t, e.store)); n != 1 {
		t.Fatalf("expected the item to stay queued, got %d", n)
	}
}

func TestRunCycleRespectsBatchSizeAndRecordsStats(t *testing.T) {
	e := newTestEngine(t, nil)
	settings := quietSettings()
	settings.BatchSize = 2
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: settings})
	c.SetAutoSync(false)
	for _, id := range []string{"a", "b", "c"} {
		mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: id, Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})
	}
	result, ran := c.RunCycle(context.Background())
	if !ran || result.Fetched != 2 || result.Succeeded != 2 {
		t.Fatalf("unexpected cycle: %+v", result)
	}
	stats, err := e.Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.LastSyncTime == nil || stats.CountsByStatus[queue.StatusPending] != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestRunCycleDrivesRateLimitedItemDormant(t *testing.T) {
	e := newTestEngine(t, nil)
	settings := quietSettings()
	settings.Retry.RateLimit.MaxRetries = 3
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: settings})
	c.SetAutoSync(false)
	e.remote.respond = func(int, remote.Request) error { return rateLimited(0) }
	enq := mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationUpdate, Data: json.RawMessage(`{}`)})

	for i := 0; i < 3; i++ {
		if _, ran := c.RunCycle(context.Background()); !ran {
			t.Fatalf("cycle %d did not run", i)
		}
		e.clock.Advance(time.Hour)
	}
	item := mustGet(t, e.store, enq.Item.ID)
	if item.Status != queue.StatusDormant || item.AttemptCount != 3 || item.ErrorKind != queue.ErrorKindRateLimit {
		t.Fatalf("expected dormant rate-limited item, got %+v", item)
	}
	result, _ := c.RunCycle(context.Background())
	if result.Fetched != 0 {
		t.Fatalf("expected dormant item to be ignored by cycles, got %+v", result)
	}
}

func TestRunTriggersOnEnqueue(t *testing.T) {
	e := newTestEngine(t, nil)
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: quietSettings()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationCreate, Data: json.RawMessage(`{}`)})
	waitFor(t, 2*time.Second, func() bool { return len(e.remote.Requests()) == 1 })
}

func TestAutoSyncOffSuppressesEnqueueTrigger(t *testing.T) {
	e := newTestEngine(t, nil)
	settings := quietSettings()
	settings.EnableAutoSync = false
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: settings})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationCreate, Data: json.RawMessage(`{}`)})
	time.Sleep(50 * time.Millisecond)
	if len(e.remote.Requests()) != 0 {
		t.Fatalf("expected no automatic sync with auto sync off")
	}

	c.TriggerSync()
	waitFor(t, 2*time.Second, func() bool { return len(e.remote.Requests()) == 1 })
}

func TestRunSyncsWhenConnectivityReturns(t *testing.T) {
	e := newTestEngine(t, nil)
	monitor := connectivity.NewMonitor(connectivity.Options{InitialOffline: true})
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Connectivity: monitor, Settings: quietSettings()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	mustEnqueue(t, e.Engine, EnqueueRequest{EntityType: "project", EntityID: "p1", Operation: queue.OperationCreate, Data: json.RawMessage(`{}`)})
	time.Sleep(20 * time.Millisecond)
	if len(e.remote.Requests()) != 0 {
		t.Fatalf("expected no sync while offline")
	}

	// Run subscribes asynchronously; flap until the transition is observed.
	waitFor(t, 2*time.Second, func() bool {
		monitor.SetOnline(false)
		monitor.SetOnline(true)
		return len(e.remote.Requests()) > 0
	})
}

func TestApplyConfigUpdatesEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: quietSettings()})
	settings := quietSettings()
	settings.EnableBulkOptimization = false
	settings.BatchSize = 0
	settings.Retry.Auth.MaxRetries = 7
	c.ApplyConfig(settings)

	if got := c.Settings().BatchSize; got != DefaultSettings().BatchSize {
		t.Fatalf("expected default batch size after normalization, got %d", got)
	}
	if e.bulkEnabled.Load() {
		t.Fatalf("expected bulk optimization disabled")
	}
	if got := e.Policy().Config().Auth.MaxRetries; got != 7 {
		t.Fatalf("expected hot-applied retry config, got %d", got)
	}
	var zero retry.Config
	if c.Settings().Retry == zero {
		t.Fatalf("expected retry settings to be kept")
	}
}

func TestNextIntervalAppliesJitter(t *testing.T) {
	e := newTestEngine(t, nil)
	c := NewCoordinator(CoordinatorOptions{Engine: e.Engine, Settings: quietSettings()})
	s := DefaultSettings()
	c.sample = func() float64 { return 0 }
	if got := c.nextInterval(s); got != 24*time.Second {
		t.Fatalf("expected 24s at the low end of jitter, got %s", got)
	}
	c.sample = func() float64 { return 0.5 }
	if got := c.nextInterval(s); got != 30*time.Second {
		t.Fatalf("expected the base interval at the midpoint, got %s", got)
	}
}
