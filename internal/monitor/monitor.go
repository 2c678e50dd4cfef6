// Package monitor implements the Capacity Monitor & Auto-Resume Controller
// (§4.E): it polls the Usage Tracker and Time-Window Scheduler, detects
// must-pause -> may-proceed transitions, and fires a CapacityRestoredEvent
// for each one. The tick/dynamic-wake loop is grounded on the teacher's
// coordination/agent_monitor.go (ticker + ctx.Done select) and
// coordination/leader.go's loop() (timer.Reset to a recomputed interval
// instead of a fixed ticker period).
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/timewindow"
	"github.com/taskforge/daemon/internal/usage"
)

// Reason is a CapacityRestoredEvent's cause, fixed by §4.E.
type Reason string

const (
	ReasonModeSwitch      Reason = "mode_switch"
	ReasonBudgetReset     Reason = "budget_reset"
	ReasonCapacityDropped Reason = "capacity_dropped"
	ReasonUsageExpired    Reason = "usage_expired"
	ReasonManualOverride  Reason = "manual_override"
)

// CapacityRestoredEvent is emitted at most once per detected transition.
type CapacityRestoredEvent struct {
	Reason        Reason
	Timestamp     time.Time
	PreviousUsage usage.TimeBasedUsage
	CurrentUsage  usage.TimeBasedUsage
	ModeInfo      timewindow.TimeWindow
}

// Callback observes a CapacityRestoredEvent. It performs no side effects
// itself; the orchestrator registers one to drive auto-resume.
type Callback func(CapacityRestoredEvent)

// UsageSource is the subset of usage.Tracker the monitor needs.
type UsageSource interface {
	GetCurrentUsage() usage.TimeBasedUsage
	ActiveCount() int
	ResetDailyStats()
}

// SchedulerSource is the subset of timewindow.Scheduler the monitor needs.
type SchedulerSource interface {
	ShouldPauseTasks(dailySpent, dailyBudget float64, activeCount int) timewindow.PauseDecision
	GetTimeUntilBudgetReset() time.Duration
	GetTimeUntilModeSwitch() time.Duration
}

// modeRank orders modes by permissiveness for mode_switch detection:
// off-hours is least permissive, night the most (wider concurrency budget).
func modeRank(m timewindow.Mode) int {
	switch m {
	case timewindow.ModeDay:
		return 1
	case timewindow.ModeNight:
		return 2
	default:
		return 0
	}
}

// Monitor is the Capacity Monitor & Auto-Resume Controller.
type Monitor struct {
	mu sync.Mutex

	clock       clock.Clock
	tracker     UsageSource
	scheduler   SchedulerSource
	dailyBudget float64
	poll        time.Duration

	callbacks []Callback

	initialized     bool
	lastDecision    timewindow.PauseDecision
	lastDailyCost   float64
	lastMode        timewindow.Mode
	lastDate        string
	lastActiveCount int
}

// New constructs a Monitor. poll is the default tick interval (§4.E default
// 30s, floored to 1s by config.Validate's MonitorPollIntervalMs check).
func New(c clock.Clock, tracker UsageSource, scheduler SchedulerSource, dailyBudget float64, poll time.Duration) *Monitor {
	if poll < time.Second {
		poll = time.Second
	}
	return &Monitor{
		clock:       c,
		tracker:     tracker,
		scheduler:   scheduler,
		dailyBudget: dailyBudget,
		poll:        poll,
	}
}

// OnCapacityRestored registers a callback, invoked in registration order.
func (m *Monitor) OnCapacityRestored(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Run blocks, ticking until ctx is cancelled. Each tick recomputes the wake
// interval as min(poll, timeUntilBudgetReset, timeUntilModeSwitch) so a
// mode switch or midnight reset is observed promptly instead of waiting out
// a full poll period.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	// Prime state on first entry so the very first tick cannot itself look
	// like a transition (nothing to compare against yet).
	m.Tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.Tick()
			timer.Reset(m.nextInterval())
		}
	}
}

func (m *Monitor) nextInterval() time.Duration {
	d := m.poll
	if untilReset := m.scheduler.GetTimeUntilBudgetReset(); untilReset < d {
		d = untilReset
	}
	if untilSwitch := m.scheduler.GetTimeUntilModeSwitch(); untilSwitch < d {
		d = untilSwitch
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Tick re-queries the tracker and scheduler once and emits at most one
// CapacityRestoredEvent, per §4.E's "at most one per transition" contract.
func (m *Monitor) Tick() {
	m.mu.Lock()

	current := m.tracker.GetCurrentUsage()
	mode := current.TimeWindow.Mode
	dailyCost := current.Daily.TotalCost
	activeCount := m.tracker.ActiveCount()
	date := m.clock.TodayLocalDate()

	if !m.initialized {
		m.initialized = true
		m.lastMode = mode
		m.lastDailyCost = dailyCost
		m.lastDate = date
		m.lastActiveCount = activeCount
		m.lastDecision = m.scheduler.ShouldPauseTasks(dailyCost, m.dailyBudget, activeCount)
		m.mu.Unlock()
		return
	}

	previous := current // snapshot taken before any reset below
	var reason Reason
	var fire bool

	switch {
	case date != m.lastDate:
		m.tracker.ResetDailyStats()
		current = m.tracker.GetCurrentUsage()
		reason, fire = ReasonBudgetReset, true

	case mode != m.lastMode && modeRank(mode) > modeRank(m.lastMode):
		reason, fire = ReasonModeSwitch, true

	default:
		decision := m.scheduler.ShouldPauseTasks(dailyCost, m.dailyBudget, activeCount)
		if m.lastDecision.ShouldPause && !decision.ShouldPause {
			reason = ReasonCapacityDropped
			if m.lastDecision.Reason == timewindow.PauseReasonConcurrency && activeCount < m.lastActiveCount {
				reason = ReasonUsageExpired
			}
			fire = true
		}
		m.lastDecision = decision
	}

	m.lastMode = mode
	m.lastDailyCost = current.Daily.TotalCost
	m.lastDate = m.clock.TodayLocalDate()
	m.lastActiveCount = activeCount
	if fire {
		m.lastDecision = m.scheduler.ShouldPauseTasks(current.Daily.TotalCost, m.dailyBudget, activeCount)
	}

	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if fire {
		m.dispatch(callbacks, CapacityRestoredEvent{
			Reason:        reason,
			Timestamp:     m.clock.Now(),
			PreviousUsage: previous,
			CurrentUsage:  current,
			ModeInfo:      current.TimeWindow,
		})
	}
}

// TriggerManualOverride fires a manual_override event unconditionally,
// bypassing transition detection (operator-initiated, per §4.E).
func (m *Monitor) TriggerManualOverride() {
	m.mu.Lock()
	current := m.tracker.GetCurrentUsage()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	m.dispatch(callbacks, CapacityRestoredEvent{
		Reason:       ReasonManualOverride,
		Timestamp:    m.clock.Now(),
		CurrentUsage: current,
		ModeInfo:     current.TimeWindow,
	})
}

// dispatch invokes callbacks in order, isolating each from the others: a
// panicking or misbehaving callback is logged and never reaches the next
// one or the monitor's own loop.
func (m *Monitor) dispatch(callbacks []Callback, event CapacityRestoredEvent) {
	for _, cb := range callbacks {
		m.invokeOne(cb, event)
	}
}

func (m *Monitor) invokeOne(cb Callback, event CapacityRestoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("monitor: capacity-restored callback panicked: %v", r)
		}
	}()
	cb(event)
}
