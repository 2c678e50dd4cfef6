package monitor

import (
	"testing"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/timewindow"
	"github.com/taskforge/daemon/internal/usage"
)

// fakeUsage lets tests drive dailyCost/activeCount independently of a real
// Tracker while still deriving TimeWindow from a real Scheduler.
type fakeUsage struct {
	sched       *timewindow.Scheduler
	dailyCost   float64
	active      int
	resetCalled int
}

func (f *fakeUsage) GetCurrentUsage() usage.TimeBasedUsage {
	return usage.TimeBasedUsage{
		TimeWindow: f.sched.GetCurrentTimeWindow(),
		Daily:      usage.DailyUsageStats{TotalCost: f.dailyCost},
	}
}

func (f *fakeUsage) ActiveCount() int { return f.active }

func (f *fakeUsage) ResetDailyStats() {
	f.dailyCost = 0
	f.resetCalled++
}

func TestModeSwitchFiresExactlyOnce(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 15, 0, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{
		Enabled:                    true,
		DayModeHours:               []int{15},
		NightModeHours:             []int{18},
		DayModeCapacityThreshold:   0.70,
		NightModeCapacityThreshold: 0.90,
		OffHoursPolicy:             config.OffHoursInactive,
	}
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched, dailyCost: 8.0}
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	var events []CapacityRestoredEvent
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { events = append(events, e) })

	mon.Tick() // primes state at 15:00, mode=day

	c.Set(time.Date(2026, 1, 1, 18, 0, 0, 0, loc))
	mon.Tick() // mode=night, more permissive than day

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Reason != ReasonModeSwitch {
		t.Fatalf("expected mode_switch, got %s", events[0].Reason)
	}

	// A second tick at the same mode must not re-fire.
	mon.Tick()
	if len(events) != 1 {
		t.Fatalf("expected no duplicate event on steady state, got %d total", len(events))
	}
}

func TestMidnightBudgetResetFiresOnceAndZeroesCost(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 23, 50, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{Enabled: false} // constant off-hours, isolates the date transition
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched, dailyCost: 9.5}
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	var events []CapacityRestoredEvent
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { events = append(events, e) })

	mon.Tick() // primes state

	c.Set(time.Date(2026, 1, 2, 0, 10, 0, 0, loc))
	mon.Tick()

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Reason != ReasonBudgetReset {
		t.Fatalf("expected budget_reset, got %s", events[0].Reason)
	}
	if tr.dailyCost != 0 {
		t.Fatalf("expected dailyCost reset to 0, got %v", tr.dailyCost)
	}
	if tr.resetCalled != 1 {
		t.Fatalf("expected ResetDailyStats called exactly once, got %d", tr.resetCalled)
	}
}

func TestCapacityDroppedFiresWhenPercentageFallsBelowThreshold(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 15, 0, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{
		Enabled:                  true,
		DayModeHours:             []int{15},
		NightModeHours:           []int{18},
		DayModeCapacityThreshold: 0.70,
	}
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched, dailyCost: 8.0} // 80% >= 70% threshold, must-pause
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	var events []CapacityRestoredEvent
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { events = append(events, e) })

	mon.Tick() // primes with shouldPause=true under capacity

	tr.dailyCost = 5.0 // 50% < 70%, capacity restored
	mon.Tick()

	if len(events) != 1 || events[0].Reason != ReasonCapacityDropped {
		t.Fatalf("expected capacity_dropped, got %+v", events)
	}
}

func TestUsageExpiredFiresWhenConcurrencyFrees(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 15, 0, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{
		Enabled:                  true,
		DayModeHours:             []int{15},
		NightModeHours:           []int{18},
		DayModeCapacityThreshold: 0.70,
		DayModeThresholds:        config.Thresholds{MaxConcurrentTasks: 1},
	}
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched, dailyCost: 0, active: 1} // at concurrency limit
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	var events []CapacityRestoredEvent
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { events = append(events, e) })

	mon.Tick()

	tr.active = 0
	mon.Tick()

	if len(events) != 1 || events[0].Reason != ReasonUsageExpired {
		t.Fatalf("expected usage_expired, got %+v", events)
	}
}

func TestManualOverrideAlwaysFires(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 15, 0, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{Enabled: true, DayModeHours: []int{15}}
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched}
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	var events []CapacityRestoredEvent
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { events = append(events, e) })

	mon.Tick()
	mon.TriggerManualOverride()
	mon.Tick() // steady state, must not add a second event

	if len(events) != 1 || events[0].Reason != ReasonManualOverride {
		t.Fatalf("expected exactly 1 manual_override event, got %+v", events)
	}
}

func TestCallbackPanicDoesNotBlockSubsequentCallbacks(t *testing.T) {
	loc := time.UTC
	c := clock.NewFake(time.Date(2026, 1, 1, 15, 0, 0, 0, loc), loc)
	cfg := config.TimeBasedUsageConfig{
		Enabled:      true,
		DayModeHours: []int{15},
	}
	sched := timewindow.New(c, cfg, config.LimitsConfig{})
	tr := &fakeUsage{sched: sched}
	mon := New(c, tr, sched, 10.0, 30*time.Second)

	called := false
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { panic("boom") })
	mon.OnCapacityRestored(func(e CapacityRestoredEvent) { called = true })

	mon.Tick()
	mon.TriggerManualOverride()

	if !called {
		t.Fatalf("expected second callback to run despite first panicking")
	}
}
