// Package usage implements the Usage Tracker (§4.C): the single source of
// truth for in-flight and daily resource consumption. All mutations are
// serialized through Tracker's mutex so the daily aggregate and the active
// set never diverge, the same "one writer, many readers, copy-out reads"
// discipline the teacher applies to CircuitBreaker/DegradedMode state.
package usage

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/timewindow"
)

// ModeUsage is one mode's slice of the daily aggregate.
type ModeUsage struct {
	Tokens int64
	Cost   float64
	Tasks  int
}

// DailyUsageStats is the in-memory daily aggregate, reset at local midnight.
type DailyUsageStats struct {
	Date                string
	TotalTokens         int64
	TotalCost           float64
	TasksCompleted      int
	TasksFailed         int
	PeakConcurrentTasks int
	ModeBreakdown       map[timewindow.Mode]ModeUsage
}

func newDailyUsageStats(date string) DailyUsageStats {
	return DailyUsageStats{
		Date:          date,
		ModeBreakdown: make(map[timewindow.Mode]ModeUsage),
	}
}

// Estimate is the caller's best guess of a not-yet-started task's cost,
// checked against per-task and per-mode ceilings before admission.
type Estimate struct {
	EstimatedCost float64
	TotalTokens   int64
}

// AdmissionResult is canStartTask's verdict.
type AdmissionResult struct {
	Allowed    bool
	Reason     string
	Thresholds config.Thresholds
}

// TimeWindowSource is the subset of timewindow.Scheduler the tracker needs;
// an interface so tests can fake it without constructing a real clock+config.
type TimeWindowSource interface {
	GetCurrentTimeWindow() timewindow.TimeWindow
	Thresholds() config.Thresholds
}

// Tracker is the Usage Tracker (§4.C).
type Tracker struct {
	mu sync.Mutex

	clock       clock.Clock
	timeWindow  TimeWindowSource
	dailyBudget float64

	active map[string]store.Usage
	daily  DailyUsageStats
}

// New constructs a Tracker. dailyBudget comes from config.LimitsConfig.DailyBudget.
func New(c clock.Clock, tw TimeWindowSource, dailyBudget float64) *Tracker {
	return &Tracker{
		clock:       c,
		timeWindow:  tw,
		dailyBudget: dailyBudget,
		active:      make(map[string]store.Usage),
		daily:       newDailyUsageStats(c.TodayLocalDate()),
	}
}

// TrackTaskStart records a task entering `running`. Idempotent: a duplicate
// id is a no-op, so a retried admit never double-counts concurrency.
func (t *Tracker) TrackTaskStart(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[taskID]; ok {
		return
	}
	t.active[taskID] = store.Usage{}
	if len(t.active) > t.daily.PeakConcurrentTasks {
		t.daily.PeakConcurrentTasks = len(t.active)
	}
	observability.ActiveTasks.Set(float64(len(t.active)))
}

// UpdateTaskUsage replaces the running total for an active task.
func (t *Tracker) UpdateTaskUsage(taskID string, u store.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clamped, changed := u.Clamp()
	if changed {
		t.logClampWarnings(taskID, u, clamped)
	}
	t.active[taskID] = clamped
}

// TrackTaskPause removes taskID from the active set without folding its
// usage into the daily aggregate: a paused task has not finished, so its
// consumption isn't final yet. This frees the concurrency slot per the
// "status=running implies a slot, counted by C" invariant, while handing
// the caller the running total to persist on the Task record.
func (t *Tracker) TrackTaskPause(taskID string) store.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.active[taskID]
	delete(t.active, taskID)
	observability.ActiveTasks.Set(float64(len(t.active)))
	return u
}

// TrackTaskCompletion removes taskID from the active set and folds its
// final usage into the daily aggregate and the current mode's sub-aggregate.
func (t *Tracker) TrackTaskCompletion(taskID string, u store.Usage, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clamped, changed := u.Clamp()
	if changed {
		t.logClampWarnings(taskID, u, clamped)
	}
	delete(t.active, taskID)

	t.daily.TotalTokens += clamped.TotalTokens
	t.daily.TotalCost += clamped.EstimatedCost
	if success {
		t.daily.TasksCompleted++
	} else {
		t.daily.TasksFailed++
	}

	mode := t.timeWindow.GetCurrentTimeWindow().Mode
	mu := t.daily.ModeBreakdown[mode]
	mu.Tokens += clamped.TotalTokens
	mu.Cost += clamped.EstimatedCost
	mu.Tasks++
	t.daily.ModeBreakdown[mode] = mu

	observability.ActiveTasks.Set(float64(len(t.active)))
	if t.dailyBudget > 0 {
		observability.DailyBudgetUtilization.Set(t.daily.TotalCost / t.dailyBudget)
	}
}

// CanStartTask evaluates whether a new task may be admitted right now.
func (t *Tracker) CanStartTask(estimate *Estimate) AdmissionResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	thresholds := t.timeWindow.Thresholds()

	if thresholds.MaxConcurrentTasks > 0 && len(t.active) >= thresholds.MaxConcurrentTasks {
		return AdmissionResult{Allowed: false, Reason: "max_concurrent_tasks", Thresholds: thresholds}
	}
	if t.daily.TotalCost >= t.dailyBudget {
		return AdmissionResult{Allowed: false, Reason: "daily_budget_exhausted", Thresholds: thresholds}
	}
	if estimate != nil {
		if thresholds.MaxCostPerTask > 0 && estimate.EstimatedCost > thresholds.MaxCostPerTask {
			return AdmissionResult{Allowed: false, Reason: "estimated_cost_exceeds_max_cost_per_task", Thresholds: thresholds}
		}
		if thresholds.MaxTokensPerTask > 0 && estimate.TotalTokens > thresholds.MaxTokensPerTask {
			return AdmissionResult{Allowed: false, Reason: "estimated_tokens_exceeds_max_tokens_per_task", Thresholds: thresholds}
		}
	}
	return AdmissionResult{Allowed: true, Thresholds: thresholds}
}

// TimeBasedUsage composes the current mode, its thresholds, and the daily
// stats snapshot for getCurrentUsage().
type TimeBasedUsage struct {
	TimeWindow timewindow.TimeWindow
	Thresholds config.Thresholds
	Daily      DailyUsageStats
}

// GetCurrentUsage returns a consistent copy-out snapshot.
func (t *Tracker) GetCurrentUsage() TimeBasedUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	breakdown := make(map[timewindow.Mode]ModeUsage, len(t.daily.ModeBreakdown))
	for k, v := range t.daily.ModeBreakdown {
		breakdown[k] = v
	}
	dailyCopy := t.daily
	dailyCopy.ModeBreakdown = breakdown

	return TimeBasedUsage{
		TimeWindow: t.timeWindow.GetCurrentTimeWindow(),
		Thresholds: t.timeWindow.Thresholds(),
		Daily:      dailyCopy,
	}
}

// ActiveCount returns the number of tasks currently tracked as running.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ResetDailyStats clears the daily aggregate for a new local day. Called
// exactly once per local midnight by the Daemon Runner.
func (t *Tracker) ResetDailyStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.daily = newDailyUsageStats(t.clock.TodayLocalDate())
}

// logClampWarnings logs one warning per field Clamp() changed, per §8's
// "Negative or NaN usage values are clamped to 0 with a warning".
func (t *Tracker) logClampWarnings(taskID string, original, clamped store.Usage) {
	if original.InputTokens != clamped.InputTokens {
		log.Printf("usage: task %s: %s", taskID, clampWarning("input_tokens", float64(original.InputTokens)))
	}
	if original.OutputTokens != clamped.OutputTokens {
		log.Printf("usage: task %s: %s", taskID, clampWarning("output_tokens", float64(original.OutputTokens)))
	}
	if original.TotalTokens != clamped.TotalTokens {
		log.Printf("usage: task %s: %s", taskID, clampWarning("total_tokens", float64(original.TotalTokens)))
	}
	if original.EstimatedCost != clamped.EstimatedCost {
		log.Printf("usage: task %s: %s", taskID, clampWarning("estimated_cost", original.EstimatedCost))
	}
}

// clampWarning formats a warning for a clamped usage value.
func clampWarning(field string, original float64) string {
	if math.IsNaN(original) {
		return fmt.Sprintf("usage field %s was NaN, clamped to 0", field)
	}
	return fmt.Sprintf("usage field %s was negative (%v), clamped to 0", field, original)
}
