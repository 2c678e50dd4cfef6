package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/task"
)

type fakeDriver struct{}

func (fakeDriver) RunStage(ctx context.Context, t *store.Task, stage string) task.StageOutcome {
	return task.Ok(store.Usage{})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Daemon.PollIntervalMs = 20
	cfg.Daemon.MonitorPollIntervalMs = 1000
	cfg.Daemon.ShutdownDeadlineMs = 500
	// TimeBasedUsage stays disabled (the zero-config default), which per
	// §4.D means the scheduler is permanently in off-hours mode; run these
	// tests under base_limits so admission isn't paused out of the gate.
	cfg.TimeBasedUsage.OffHoursPolicy = config.OffHoursBaseLimits
	return cfg
}

func TestPollLoopAdmitsQueuedTask(t *testing.T) {
	cfg := testConfig()
	s := store.NewMemoryStore()
	id, err := s.CreateTask(context.Background(), &store.Task{Status: store.StatusQueued, Workflow: []string{"a"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	r := New(cfg, s, fakeDriver{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected task admitted to running, got %s", got.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	s := store.NewMemoryStore()
	r := New(cfg, s, fakeDriver{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHAEnabledFallsBackToStandaloneWithoutCoordinatorStore(t *testing.T) {
	cfg := testConfig()
	cfg.HA.Enabled = true

	id := ""
	s := store.NewMemoryStore()
	func() {
		created, err := s.CreateTask(context.Background(), &store.Task{Status: store.StatusQueued, Workflow: []string{"a"}})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		id = created
	}()

	r := New(cfg, s, fakeDriver{})
	if r.ha != nil {
		t.Fatal("expected no LeaderElector wired when the store does not implement Coordinator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected standalone admission despite ha.enabled=true, got %s", got.Status)
	}
}

func TestWatchdogTriggersRestartOnSustainedPressure(t *testing.T) {
	cfg := testConfig()
	cfg.Daemon.WatchdogMemoryCapMB = 1
	cfg.Daemon.WatchdogMaxTicks = 2

	r := New(cfg, store.NewMemoryStore(), fakeDriver{})
	r.watchdogTick()
	r.watchdogTick()

	select {
	case ev := <-r.Restart:
		if ev.Reason != "memory_cap_exceeded" {
			t.Fatalf("unexpected restart reason %q", ev.Reason)
		}
	default:
		t.Fatal("expected a restart event after WatchdogMaxTicks consecutive over-cap samples")
	}

	if len(r.RestartHistory()) != 1 {
		t.Fatalf("expected one recorded restart event, got %d", len(r.RestartHistory()))
	}
}

func TestWatchdogDisabledWhenCapIsZero(t *testing.T) {
	cfg := testConfig()
	cfg.Daemon.WatchdogMemoryCapMB = 0

	r := New(cfg, store.NewMemoryStore(), fakeDriver{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.watchdogLoop(ctx)

	select {
	case <-r.Restart:
		t.Fatal("expected no restart event with watchdog disabled")
	default:
	}
}
