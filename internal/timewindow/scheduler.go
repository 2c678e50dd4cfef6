// Package timewindow computes the time-of-day admission mode and pause
// decisions (§4.D). It derives everything from configuration and the
// clock alone — no persistence, no network — the same "pure function of
// config + a health signal" shape the teacher's scheduler mode machinery
// (SchedulerMode/AdmissionMode in control_plane/scheduler/types.go) takes,
// generalized from queue-admission modes to day/night/off-hours modes.
package timewindow

import (
	"fmt"
	"math"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/resilience"
)

// Mode is the time-of-day classification driving UsageThresholds selection.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// TimeWindow is the current mode plus the next instant it will change.
type TimeWindow struct {
	Mode           Mode
	IsActive       bool
	NextTransition time.Time
}

// CapacityInfo reports how close daily spend is to its budget under the
// current mode's threshold.
type CapacityInfo struct {
	CurrentPercentage float64
	Threshold         float64
	ShouldPause       bool
}

// PauseReason explains shouldPauseTasks()'s verdict; both human-readable and
// machine-parseable per §4.D.
type PauseReason string

const (
	PauseReasonNone           PauseReason = ""
	PauseReasonOffHours       PauseReason = "off_hours"
	PauseReasonCapacity       PauseReason = "capacity_exceeded"
	PauseReasonConcurrency    PauseReason = "concurrency_limit"
	PauseReasonCircuitOpen    PauseReason = "circuit_open"
)

// PauseDecision is shouldPauseTasks()'s result.
type PauseDecision struct {
	ShouldPause bool
	Reason      PauseReason
	Message     string
	TimeWindow  TimeWindow
	Capacity    CapacityInfo
}

// Scheduler computes mode and pause decisions from configuration alone.
type Scheduler struct {
	clock   clock.Clock
	cfg     config.TimeBasedUsageConfig
	limits  config.LimitsConfig // base limits, used off-hours under OffHoursBaseLimits
	breaker *resilience.CircuitBreaker
}

// New builds a Scheduler against cfg, classifying hours with the defaults
// from §4.D ({9..17} / {22,23,0..6}) when the configured hour sets are empty.
// limits is the base-limits fallback used off-hours when cfg.OffHoursPolicy
// is OffHoursBaseLimits. A CircuitBreakerQueueThreshold > 0 adds an extra
// backpressure pause signal on top of the capacity/concurrency checks below;
// left at 0 (the default), the breaker is never constructed and shouldPauseTasks
// behaves exactly as it did before the breaker existed.
func New(c clock.Clock, cfg config.TimeBasedUsageConfig, limits config.LimitsConfig) *Scheduler {
	if len(cfg.DayModeHours) == 0 {
		cfg.DayModeHours = []int{9, 10, 11, 12, 13, 14, 15, 16, 17}
	}
	if len(cfg.NightModeHours) == 0 {
		cfg.NightModeHours = []int{22, 23, 0, 1, 2, 3, 4, 5, 6}
	}
	s := &Scheduler{clock: c, cfg: cfg, limits: limits}
	if cfg.CircuitBreakerQueueThreshold > 0 {
		s.breaker = resilience.NewCircuitBreaker(cfg.CircuitBreakerQueueThreshold)
	}
	return s
}

func (s *Scheduler) dayHours() map[int]bool {
	m := make(map[int]bool, len(s.cfg.DayModeHours))
	for _, h := range s.cfg.DayModeHours {
		m[h] = true
	}
	return m
}

func (s *Scheduler) nightHours() map[int]bool {
	m := make(map[int]bool, len(s.cfg.NightModeHours))
	for _, h := range s.cfg.NightModeHours {
		m[h] = true
	}
	return m
}

// classify returns the Mode for hour h. Day wins over an hour present in
// both sets (§4.D edge case: "overlapping day/night hours → day wins").
func (s *Scheduler) classify(h int) Mode {
	if !s.cfg.Enabled {
		return ModeOffHours
	}
	if s.dayHours()[h] {
		return ModeDay
	}
	if s.nightHours()[h] {
		return ModeNight
	}
	return ModeOffHours
}

// GetCurrentTimeWindow computes the current mode and the next wall-clock
// instant at which the mode would change.
func (s *Scheduler) GetCurrentTimeWindow() TimeWindow {
	h := s.clock.LocalHour()
	mode := s.classify(h)
	next := s.nextTransition(h)
	reportMode(mode)
	return TimeWindow{
		Mode:           mode,
		IsActive:       mode != ModeOffHours,
		NextTransition: next,
	}
}

// reportMode sets the SchedulerMode gauge for mode to 1 and every other
// known mode to 0, so a single PromQL query gives the current mode without
// needing to track which label was last non-zero.
func reportMode(mode Mode) {
	for _, m := range []Mode{ModeDay, ModeNight, ModeOffHours} {
		v := 0.0
		if m == mode {
			v = 1
		}
		observability.SchedulerMode.WithLabelValues(string(m)).Set(v)
	}
}

// nextTransition finds the smallest hour h' > h at which classification
// differs from classify(h); if none exists today, it's the earliest such
// hour tomorrow.
func (s *Scheduler) nextTransition(h int) time.Time {
	current := s.classify(h)
	now := s.clock.Now()
	midnightToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for delta := 1; delta <= 24; delta++ {
		candidate := (h + delta) % 24
		if s.classify(candidate) != current {
			dayOffset := (h + delta) / 24
			return midnightToday.AddDate(0, 0, dayOffset).Add(time.Duration(candidate) * time.Hour)
		}
	}
	// All 24 hours classify identically: next transition is undefined: next
	// midnight is the only principled answer, matching getTimeUntilBudgetReset.
	return midnightToday.AddDate(0, 0, 1)
}

// GetTimeUntilModeSwitch reports the duration until the next mode change.
func (s *Scheduler) GetTimeUntilModeSwitch() time.Duration {
	tw := s.GetCurrentTimeWindow()
	d := tw.NextTransition.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// GetTimeUntilBudgetReset reports the duration until the next local
// midnight, always positive even exactly at the boundary.
func (s *Scheduler) GetTimeUntilBudgetReset() time.Duration {
	now := s.clock.Now()
	midnightToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnightToday.AddDate(0, 0, 1)
	d := next.Sub(now)
	if d <= 0 {
		d = 24 * time.Hour
	}
	return d
}

// thresholdsFor returns the effective thresholds for mode. Off-hours uses
// the base limits when OffHoursBaseLimits is configured; otherwise the
// daemon never admits off-hours anyway, so the zero value is harmless.
func (s *Scheduler) thresholdsFor(mode Mode) config.Thresholds {
	switch mode {
	case ModeDay:
		return s.cfg.DayModeThresholds
	case ModeNight:
		return s.cfg.NightModeThresholds
	default:
		if s.cfg.OffHoursPolicy == config.OffHoursBaseLimits {
			return config.Thresholds{
				MaxTokensPerTask:   s.limits.MaxTokensPerTask,
				MaxCostPerTask:     s.limits.MaxCostPerTask,
				MaxConcurrentTasks: s.limits.MaxConcurrentTasks,
			}
		}
		return config.Thresholds{}
	}
}

// capacityThresholdFor returns the capacity-percentage ceiling for mode.
func (s *Scheduler) capacityThresholdFor(mode Mode) float64 {
	switch mode {
	case ModeDay:
		return s.cfg.DayModeCapacityThreshold
	case ModeNight:
		return s.cfg.NightModeCapacityThreshold
	default:
		return s.cfg.DayModeCapacityThreshold
	}
}

// GetCapacityInfo reports how close dailySpent is to dailyBudget under tw's
// mode. dailyBudget = 0 is treated as +Inf percentage (always pause), per
// §8 boundary behavior.
func (s *Scheduler) GetCapacityInfo(tw TimeWindow, dailySpent, dailyBudget float64) CapacityInfo {
	const epsilon = 1e-9
	denom := dailyBudget
	if denom <= epsilon {
		denom = epsilon
	}
	pct := dailySpent / denom
	if dailyBudget <= epsilon {
		pct = math.Inf(1)
	}
	threshold := s.capacityThresholdFor(tw.Mode)
	return CapacityInfo{
		CurrentPercentage: pct,
		Threshold:         threshold,
		ShouldPause:       pct >= threshold, // closed-above per §8
	}
}

// ShouldPauseTasks reports whether new admission and running tasks should
// pause, folding in off-hours, capacity, and concurrency checks.
func (s *Scheduler) ShouldPauseTasks(dailySpent, dailyBudget float64, activeCount int) PauseDecision {
	tw := s.GetCurrentTimeWindow()

	if tw.Mode == ModeOffHours && s.cfg.OffHoursPolicy != config.OffHoursBaseLimits {
		return PauseDecision{
			ShouldPause: true,
			Reason:      PauseReasonOffHours,
			Message:     "off-hours: task admission and execution are inactive",
			TimeWindow:  tw,
		}
	}

	capacity := s.GetCapacityInfo(tw, dailySpent, dailyBudget)
	if capacity.ShouldPause {
		return PauseDecision{
			ShouldPause: true,
			Reason:      PauseReasonCapacity,
			Message:     fmt.Sprintf("daily usage at %.1f%% of budget, threshold %.1f%%", capacity.CurrentPercentage*100, capacity.Threshold*100),
			TimeWindow:  tw,
			Capacity:    capacity,
		}
	}

	thresholds := s.thresholdsFor(tw.Mode)
	if thresholds.MaxConcurrentTasks > 0 && activeCount >= thresholds.MaxConcurrentTasks {
		return PauseDecision{
			ShouldPause: true,
			Reason:      PauseReasonConcurrency,
			Message:     fmt.Sprintf("active task count %d reached mode limit %d", activeCount, thresholds.MaxConcurrentTasks),
			TimeWindow:  tw,
			Capacity:    capacity,
		}
	}

	if s.breaker != nil {
		saturation := 0.0
		if thresholds.MaxConcurrentTasks > 0 {
			saturation = float64(activeCount) / float64(thresholds.MaxConcurrentTasks)
		}
		observability.CircuitState.WithLabelValues("time_window").Set(float64(s.breaker.State()))
		if !s.breaker.ShouldAdmit(activeCount, saturation) {
			return PauseDecision{
				ShouldPause: true,
				Reason:      PauseReasonCircuitOpen,
				Message:     fmt.Sprintf("circuit breaker open: active task count %d exceeds queue threshold", activeCount),
				TimeWindow:  tw,
				Capacity:    capacity,
			}
		}
	}

	return PauseDecision{ShouldPause: false, Reason: PauseReasonNone, TimeWindow: tw, Capacity: capacity}
}

// Thresholds exposes the effective thresholds for the current mode, used by
// the Usage Tracker's canStartTask.
func (s *Scheduler) Thresholds() config.Thresholds {
	return s.thresholdsFor(s.GetCurrentTimeWindow().Mode)
}
