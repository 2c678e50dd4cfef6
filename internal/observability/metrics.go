// Package observability exposes the daemon's Prometheus metrics as package
// level vars, the same shape the teacher's observability/metrics.go uses:
// promauto-registered globals any package can touch without threading a
// registry through every constructor.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued/paused tasks by status and
	// priority, the Usage Tracker/Scheduler's admission-queue analogue of
	// the teacher's TaskQueueDepth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Current number of tasks queued or paused, by status and priority",
	}, []string{"status", "priority"})

	// AdmissionDecisions tracks admit/deny outcomes from the Orchestrator's
	// shared admit() sequence and its auto-resume batch, by decision and
	// reason: a denial carries the scheduler's PauseReason or the tracker's
	// CanStartTask reason; an admission carries new, resume, or auto_resume.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_admission_decisions_total",
		Help: "Total admission decisions made by the orchestrator",
	}, []string{"decision", "reason"})

	// SchedulerMode tracks the Time-Window Scheduler's current mode.
	SchedulerMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_scheduler_mode",
		Help: "Current time-window scheduler mode (1 for the active mode, 0 for the others)",
	}, []string{"mode"})

	// DailyBudgetUtilization tracks the fraction of the configured daily
	// budget spent so far, the signal the Capacity Monitor watches for a
	// budget_reset CapacityRestoredEvent.
	DailyBudgetUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_daily_budget_utilization_ratio",
		Help: "Fraction of the configured daily budget spent so far (0-1+)",
	})

	// ActiveTasks tracks the Usage Tracker's concurrently-active task count.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_active_tasks",
		Help: "Current number of concurrently active tasks",
	})

	// TaskStageDuration tracks the wall time of a single stage execution
	// through the Task State Machine, the teacher's TaskRuntimeSeconds
	// narrowed from whole-task to per-stage.
	TaskStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_task_stage_duration_seconds",
		Help:    "Duration of a single task stage execution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"outcome"})

	// TaskCompletions tracks terminal task outcomes.
	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_completions_total",
		Help: "Total number of tasks reaching a terminal status",
	}, []string{"status"})

	// TaskPauses tracks why a task was paused, mirroring store.PauseReason.
	TaskPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_pauses_total",
		Help: "Total number of tasks paused, by reason",
	}, []string{"reason"})

	// AutoResumeBatch tracks the size and error count of each
	// tasks:auto-resumed event the Orchestrator publishes.
	AutoResumeBatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_auto_resume_batch_size",
		Help:    "Number of tasks resumed per capacity-restored auto-resume batch",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	// AutoResumeErrors tracks per-task resume failures inside a batch.
	AutoResumeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_auto_resume_errors_total",
		Help: "Total number of individual task resume failures during auto-resume",
	})

	// LeaderEpoch tracks the current fencing epoch held by this node.
	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_leader_epoch",
		Help: "Current fencing epoch of the leader lock, by node",
	}, []string{"node_id"})

	// LeaderTransitions tracks leadership acquisition/loss events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeaderStatus tracks whether this process currently holds leadership.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_leader_status",
		Help: "Current leader status of this process (1=leader, 0=follower)",
	})

	// WatchdogRestarts tracks watchdog-triggered restart requests.
	WatchdogRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_watchdog_restarts_total",
		Help: "Total number of watchdog-triggered restart requests, by reason",
	}, []string{"reason"})

	// StoreLatency tracks store backend roundtrip latency, the teacher's
	// RedisLatency generalized to any Store implementation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_store_roundtrip_latency_seconds",
		Help:    "Store backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"backend", "op"})

	// IdempotencyLocks tracks idempotency-store lock acquisitions for the
	// CLI-surface commands (resume/cancel/trash/restore).
	IdempotencyLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_idempotency_locks_total",
		Help: "Idempotency lock outcomes for CLI-surface commands",
	}, []string{"command", "outcome"})

	// StreamingClients tracks currently connected websocket subscribers.
	StreamingClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_streaming_connected_clients",
		Help: "Current number of connected streaming clients",
	})

	// CircuitState tracks the resilience package's circuit breaker state,
	// by the name of the guarded operation.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"name"})
)
