// Package orchestrator implements the Orchestrator (§4.G): admission,
// the event bus, and the auto-resume driver reacting to capacity-restored
// events from the monitor.
package orchestrator

import (
	"context"
	"errors"
	"log"

	"github.com/taskforge/daemon/internal/monitor"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/resilience"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/task"
	"github.com/taskforge/daemon/internal/timewindow"
	"github.com/taskforge/daemon/internal/usage"
)

// UsageSource is the admission-time subset of usage.Tracker.
type UsageSource interface {
	CanStartTask(estimate *usage.Estimate) usage.AdmissionResult
	GetCurrentUsage() usage.TimeBasedUsage
	ActiveCount() int
}

// SchedulerSource is the admission-time subset of timewindow.Scheduler.
type SchedulerSource interface {
	ShouldPauseTasks(dailySpent, dailyBudget float64, activeCount int) timewindow.PauseDecision
}

// Orchestrator coordinates the Store, Scheduler, Tracker, and Task State
// Machine, and owns the event Bus.
type Orchestrator struct {
	store       store.Store
	scheduler   SchedulerSource
	tracker     UsageSource
	machine     *task.Machine
	bus         *Bus
	dailyBudget float64

	// resumeLimiter throttles how often the same task can be re-attempted
	// across successive auto-resume batches, so a task that keeps pausing
	// right after resume doesn't dominate every batch.
	resumeLimiter *resilience.TokenBucketLimiter
}

// New constructs an Orchestrator.
func New(s store.Store, scheduler SchedulerSource, tracker UsageSource, machine *task.Machine, bus *Bus, dailyBudget float64) *Orchestrator {
	return &Orchestrator{
		store:         s,
		scheduler:     scheduler,
		tracker:       tracker,
		machine:       machine,
		bus:           bus,
		dailyBudget:   dailyBudget,
		resumeLimiter: resilience.NewTokenBucketLimiter(1, 2),
	}
}

// Bus exposes the orchestrator's event bus for subscribers (metrics, the
// streaming hub, tests).
func (o *Orchestrator) Bus() *Bus { return o.bus }

// CreateTask persists a new task and immediately attempts to admit it.
func (o *Orchestrator) CreateTask(ctx context.Context, t *store.Task) (string, error) {
	id, err := o.store.CreateTask(ctx, t)
	if err != nil {
		return "", err
	}
	t.ID = id
	o.bus.Publish("task:created", t)
	o.ScheduleIfReady(ctx, id)
	return id, nil
}

// ResumePausedTask attempts to resume a specific paused task through the
// same admission gate as any other start, per §4.G.
func (o *Orchestrator) ResumePausedTask(ctx context.Context, taskID string) error {
	return o.admit(ctx, taskID, nil, true)
}

// ScheduleIfReady attempts to admit taskID (queued or paused) against
// current capacity, per §4.G's 4-step admission sequence. Used by the
// daemon's polling loop for the next queued task.
func (o *Orchestrator) ScheduleIfReady(ctx context.Context, taskID string) {
	if err := o.admit(ctx, taskID, nil, false); err != nil {
		o.onAdmissionError(ctx, taskID, err)
	}
}

// admit implements the shared createTask/resumePausedTask/scheduleIfReady
// sequence from §4.G. Returning nil means either "admitted" or "correctly
// left queued/paused for now" — not an error the caller needs to react to.
func (o *Orchestrator) admit(ctx context.Context, taskID string, estimate *usage.Estimate, viaResume bool) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}

	daily := o.tracker.GetCurrentUsage().Daily.TotalCost
	if decision := o.scheduler.ShouldPauseTasks(daily, o.dailyBudget, o.tracker.ActiveCount()); decision.ShouldPause {
		observability.AdmissionDecisions.WithLabelValues("deny", string(decision.Reason)).Inc()
		return nil
	}

	if admission := o.tracker.CanStartTask(estimate); !admission.Allowed {
		observability.AdmissionDecisions.WithLabelValues("deny", admission.Reason).Inc()
		return nil
	}

	if viaResume {
		_, err := o.machine.Resume(ctx, taskID)
		if err == nil {
			observability.AdmissionDecisions.WithLabelValues("admit", "resume").Inc()
		}
		return err
	}
	if err := o.machine.Admit(ctx, taskID); err != nil {
		return err
	}
	observability.AdmissionDecisions.WithLabelValues("admit", "new").Inc()
	return nil
}

// onAdmissionError logs a store-originated admission failure and, per §6,
// moves the task to failed with reason store_error (there is nothing to
// mark if the task was never found).
func (o *Orchestrator) onAdmissionError(ctx context.Context, taskID string, err error) {
	log.Printf("orchestrator: admission for task %s failed: %v", taskID, err)
	if errors.Is(err, store.ErrTaskNotFound) {
		return
	}
	status := store.StatusFailed
	reason := "store_error"
	if uerr := o.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &status, FailureReason: &reason}); uerr != nil {
		log.Printf("orchestrator: failed to mark task %s store_error: %v", taskID, uerr)
	}
}

// ResumeError is one failed resume() attempt inside an auto-resume batch.
type ResumeError struct {
	TaskID string
	Error  string
}

// AutoResumeResult is the payload of the aggregated tasks:auto-resumed
// event (§4.G step 3).
type AutoResumeResult struct {
	Reason         string
	ResumedCount   int
	ResumedTaskIDs []string
	Errors         []ResumeError
}

const maxAutoResumeErrors = 5

// OnCapacityRestored is the monitor.Callback the daemon registers as G's
// auto-resume handler. Phase 1 resumes paused parents (highest priority
// first) and their resumable paused subtasks; Phase 2 resumes remaining
// resumable paused tasks, priority-ordered, until capacity is re-exhausted.
func (o *Orchestrator) OnCapacityRestored(event monitor.CapacityRestoredEvent) {
	ctx := context.Background()
	seen := map[string]bool{}
	var resumed []string
	var errs []ResumeError

	parents, err := o.store.FindHighestPriorityParentTask(ctx)
	if err != nil {
		log.Printf("orchestrator: auto-resume: listing paused parents: %v", err)
	}
	for _, parent := range parents {
		o.resumeAndCollect(ctx, parent, seen, &resumed, &errs)

		subtasks, err := o.store.ListSubtasks(ctx, parent.ID)
		if err != nil {
			log.Printf("orchestrator: auto-resume: listing subtasks of %s: %v", parent.ID, err)
			continue
		}
		for _, sub := range subtasks {
			if sub.Status == store.StatusPaused && sub.PauseReason.Resumable() {
				o.resumeAndCollect(ctx, sub, seen, &resumed, &errs)
			}
		}
	}

	remaining, err := o.store.GetPausedTasksForResume(ctx)
	if err != nil {
		log.Printf("orchestrator: auto-resume: listing paused tasks: %v", err)
	}
	for _, t := range remaining {
		if seen[t.ID] {
			continue
		}
		if admission := o.tracker.CanStartTask(nil); !admission.Allowed {
			break
		}
		o.resumeAndCollect(ctx, t, seen, &resumed, &errs)
	}

	if len(errs) > maxAutoResumeErrors {
		errs = errs[:maxAutoResumeErrors]
	}
	observability.AutoResumeBatch.Observe(float64(len(resumed)))
	observability.AutoResumeErrors.Add(float64(len(errs)))
	o.bus.Publish("tasks:auto-resumed", AutoResumeResult{
		Reason:         string(event.Reason),
		ResumedCount:   len(resumed),
		ResumedTaskIDs: resumed,
		Errors:         errs,
	})
}

func (o *Orchestrator) resumeAndCollect(ctx context.Context, t *store.Task, seen map[string]bool, resumed *[]string, errs *[]ResumeError) {
	if seen[t.ID] {
		return
	}
	seen[t.ID] = true

	if !o.resumeLimiter.Allow(t.ID) {
		log.Printf("orchestrator: auto-resume: task %s rate limited, will retry next batch", t.ID)
		return
	}

	ok, err := o.machine.Resume(ctx, t.ID)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "Unknown error"
		}
		*errs = append(*errs, ResumeError{TaskID: t.ID, Error: msg})
		return
	}
	if ok {
		*resumed = append(*resumed, t.ID)
		observability.AdmissionDecisions.WithLabelValues("admit", "auto_resume").Inc()
	}
}
