package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/monitor"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/task"
	"github.com/taskforge/daemon/internal/timewindow"
	"github.com/taskforge/daemon/internal/usage"
)

// stubScheduler lets tests dictate ShouldPauseTasks's verdict directly,
// sidestepping the real Scheduler's day/night/capacity wiring.
type stubScheduler struct {
	pause bool
}

func (s *stubScheduler) ShouldPauseTasks(dailySpent, dailyBudget float64, activeCount int) timewindow.PauseDecision {
	return timewindow.PauseDecision{ShouldPause: s.pause}
}

// stubUsage lets tests dictate CanStartTask's verdict directly.
type stubUsage struct {
	allowed bool
	active  int
}

func (u *stubUsage) CanStartTask(estimate *usage.Estimate) usage.AdmissionResult {
	return usage.AdmissionResult{Allowed: u.allowed}
}
func (u *stubUsage) GetCurrentUsage() usage.TimeBasedUsage { return usage.TimeBasedUsage{} }
func (u *stubUsage) ActiveCount() int                      { return u.active }

// fakeDriver completes every stage immediately.
type fakeDriver struct{}

func (fakeDriver) RunStage(ctx context.Context, t *store.Task, stage string) task.StageOutcome {
	return task.Ok(store.Usage{})
}

type fakeSink struct{}

func (fakeSink) TrackTaskStart(taskID string)                              {}
func (fakeSink) UpdateTaskUsage(taskID string, u store.Usage)              {}
func (fakeSink) TrackTaskPause(taskID string) store.Usage                  { return store.Usage{} }
func (fakeSink) TrackTaskCompletion(taskID string, u store.Usage, ok bool) {}

func newTestOrchestrator(pause, allowed bool) (*Orchestrator, store.Store) {
	s := store.NewMemoryStore()
	c := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)
	machine := task.New(s, c, fakeDriver{}, fakeSink{}, nil)
	bus := NewBus()
	orch := New(s, &stubScheduler{pause: pause}, &stubUsage{allowed: allowed}, machine, bus, 100.0)
	return orch, s
}

func mustCreate(t *testing.T, s store.Store, task *store.Task) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func TestCreateTaskAdmitsWhenCapacityAvailable(t *testing.T) {
	orch, s := newTestOrchestrator(false, true)
	id, err := orch.CreateTask(context.Background(), &store.Task{Status: store.StatusQueued, Workflow: []string{"a"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

func TestCreateTaskLeavesQueuedWhenSchedulerSaysPause(t *testing.T) {
	orch, s := newTestOrchestrator(true, true)
	id, err := orch.CreateTask(context.Background(), &store.Task{Status: store.StatusQueued, Workflow: []string{"a"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusQueued {
		t.Fatalf("expected still queued, got %s", got.Status)
	}
}

func TestCreateTaskLeavesQueuedWhenCapacityDenied(t *testing.T) {
	orch, s := newTestOrchestrator(false, false)
	id, err := orch.CreateTask(context.Background(), &store.Task{Status: store.StatusQueued, Workflow: []string{"a"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusQueued {
		t.Fatalf("expected still queued, got %s", got.Status)
	}
}

func TestScheduleIfReadyTerminalTaskIsNoop(t *testing.T) {
	orch, s := newTestOrchestrator(false, true)
	id := mustCreate(t, s, &store.Task{Status: store.StatusCompleted})
	orch.ScheduleIfReady(context.Background(), id)
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected unchanged completed, got %s", got.Status)
	}
}

// TestAutoResumeParentsBeforeOrphans mirrors §8 scenario 1/2: a paused
// parent with a resumable paused subtask resumes before a lone paused task
// of equal priority, and all three resumes land in one aggregated event.
func TestAutoResumeParentsBeforeOrphans(t *testing.T) {
	orch, s := newTestOrchestrator(false, true)

	parentID := mustCreate(t, s, &store.Task{
		Status: store.StatusPaused, PauseReason: store.PauseCapacity,
		Priority: store.PriorityNormal, CurrentStage: "a", Workflow: []string{"a"},
		MaxResumeAttempts: 3,
	})
	subID := mustCreate(t, s, &store.Task{
		Status: store.StatusPaused, PauseReason: store.PauseCapacity,
		Priority: store.PriorityNormal, ParentTaskID: parentID, CurrentStage: "a",
		Workflow: []string{"a"}, MaxResumeAttempts: 3,
	})

	orphanID := mustCreate(t, s, &store.Task{
		Status: store.StatusPaused, PauseReason: store.PauseCapacity,
		Priority: store.PriorityNormal, CurrentStage: "a", Workflow: []string{"a"},
		MaxResumeAttempts: 3,
	})

	var published []Event
	orch.Bus().Subscribe("tasks:auto-resumed", func(e Event) { published = append(published, e) })

	orch.OnCapacityRestored(monitor.CapacityRestoredEvent{Reason: monitor.ReasonCapacityDropped})

	if len(published) != 1 {
		t.Fatalf("expected exactly one tasks:auto-resumed event, got %d", len(published))
	}
	result := published[0].Payload.(AutoResumeResult)
	if result.ResumedCount != 3 {
		t.Fatalf("expected 3 tasks resumed (parent, subtask, orphan), got %d: %v", result.ResumedCount, result.ResumedTaskIDs)
	}
	wantOrder := []string{parentID, subID, orphanID}
	for i, id := range wantOrder {
		if result.ResumedTaskIDs[i] != id {
			t.Fatalf("expected resume order %v, got %v", wantOrder, result.ResumedTaskIDs)
		}
	}

	parent, _ := s.GetTask(context.Background(), parentID)
	if parent.Status != store.StatusRunning {
		t.Fatalf("expected parent running, got %s", parent.Status)
	}
	sub, _ := s.GetTask(context.Background(), subID)
	if sub.Status != store.StatusRunning {
		t.Fatalf("expected subtask running, got %s", sub.Status)
	}
	orphan, _ := s.GetTask(context.Background(), orphanID)
	if orphan.Status != store.StatusRunning {
		t.Fatalf("expected orphan running, got %s", orphan.Status)
	}
}

// TestAutoResumeStopsPhase2WhenCapacityReExhausted covers the "stop when
// admission fails" half of Phase 2.
func TestAutoResumeStopsPhase2WhenCapacityReExhausted(t *testing.T) {
	orch, s := newTestOrchestrator(false, false)

	id := mustCreate(t, s, &store.Task{
		Status: store.StatusPaused, PauseReason: store.PauseCapacity,
		Priority: store.PriorityHigh, CurrentStage: "a", Workflow: []string{"a"},
		MaxResumeAttempts: 3,
	})

	var published []Event
	orch.Bus().Subscribe("tasks:auto-resumed", func(e Event) { published = append(published, e) })

	orch.OnCapacityRestored(monitor.CapacityRestoredEvent{Reason: monitor.ReasonModeSwitch})

	result := published[0].Payload.(AutoResumeResult)
	if result.ResumedCount != 0 {
		t.Fatalf("expected no resumes once capacity denies admission, got %d", result.ResumedCount)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusPaused {
		t.Fatalf("expected task to remain paused, got %s", got.Status)
	}
}

// TestAutoResumeSkipsNonResumablePause covers PauseUserRequest never being
// picked up by either phase.
func TestAutoResumeSkipsNonResumablePause(t *testing.T) {
	orch, s := newTestOrchestrator(false, true)
	id := mustCreate(t, s, &store.Task{
		Status: store.StatusPaused, PauseReason: store.PauseUserRequest,
		Priority: store.PriorityNormal, CurrentStage: "a", Workflow: []string{"a"},
		MaxResumeAttempts: 3,
	})

	var published []Event
	orch.Bus().Subscribe("tasks:auto-resumed", func(e Event) { published = append(published, e) })
	orch.OnCapacityRestored(monitor.CapacityRestoredEvent{Reason: monitor.ReasonBudgetReset})

	result := published[0].Payload.(AutoResumeResult)
	if result.ResumedCount != 0 {
		t.Fatalf("expected user_request pause to be skipped, got %d resumed", result.ResumedCount)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusPaused {
		t.Fatalf("expected task to remain paused, got %s", got.Status)
	}
}
