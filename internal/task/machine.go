// Package task implements the Task State Machine (§4.F): the lifecycle of
// one task, workflow stage advancement, checkpoints, and suspend/resume
// with bounded retry. Grounded on the teacher's reconciler.go: the
// hard-timeout-kill-switch shape of Reconcile/reconcileWithContext, the
// per-key mutex (acquireLock/releaseLock) generalized here to per-task
// resume serialization, and the updateStatus "patch + log + emit" helper.
package task

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/idgen"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/store"
)

// Event is published on every state transition. The orchestrator (§4.G)
// subscribes and fans these out over its event bus; the machine itself
// knows nothing about subscribers beyond the single emit func it was built
// with, same as the teacher's Reconciler holding one streaming.Publisher.
type Event struct {
	Type  string
	Task  *store.Task
	Extra map[string]interface{}
}

const (
	EventStarted        = "task:started"
	EventPaused         = "task:paused"
	EventSessionResumed = "task:session-resumed"
	EventCompleted      = "task:completed"
	EventFailed         = "task:failed"
	EventCancelled      = "task:cancelled"
	EventTrashed        = "task:trashed"
	EventRestored       = "task:restored"
	EventArchived       = "task:archived"
	EventUnarchived     = "task:unarchived"
)

// UsageSink is the subset of usage.Tracker the machine needs to keep the
// concurrency slot count (§3 invariant: "status=running implies a slot,
// counted by C") in lockstep with task status.
type UsageSink interface {
	TrackTaskStart(taskID string)
	UpdateTaskUsage(taskID string, u store.Usage)
	TrackTaskPause(taskID string) store.Usage
	TrackTaskCompletion(taskID string, u store.Usage, success bool)
}

// Machine is the Task State Machine.
type Machine struct {
	store   store.Store
	clock   clock.Clock
	driver  AgentDriver
	tracker UsageSink
	emit    func(Event)

	// workspaceCleaner is the optional out-of-scope collaborator notified to
	// tear down a failed task's workspace; nil means no-op (tests that don't
	// care about workspace cleanup never need to supply one).
	workspaceCleaner WorkspaceCleaner
	// worktreePreserveOnFailure is config.git.worktree.preserveOnFailure
	// (§6), read by fail()'s §7 preserve-vs-cleanup evaluation.
	worktreePreserveOnFailure bool

	resumeLocks sync.Map // taskID -> *sync.Mutex
}

// New constructs a Machine. emit may be nil (events are dropped), useful in
// tests that only assert on store state.
func New(s store.Store, c clock.Clock, driver AgentDriver, tracker UsageSink, emit func(Event)) *Machine {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Machine{store: s, clock: c, driver: driver, tracker: tracker, emit: emit}
}

// WithWorkspaceCleaner sets the collaborator fail() notifies to clean up a
// failed task's workspace, and the worktree.preserveOnFailure config value
// it falls back to for worktree-strategy workspaces. Returns m for chaining
// at construction time.
func (m *Machine) WithWorkspaceCleaner(cleaner WorkspaceCleaner, worktreePreserveOnFailure bool) *Machine {
	m.workspaceCleaner = cleaner
	m.worktreePreserveOnFailure = worktreePreserveOnFailure
	return m
}

func (m *Machine) resumeMutex(taskID string) *sync.Mutex {
	v, _ := m.resumeLocks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func stageIndexOf(workflow []string, stage string) int {
	for i, s := range workflow {
		if s == stage {
			return i
		}
	}
	return 0
}

// Admit transitions a queued or paused task directly to running, per
// §4.F's "requires status ∈ {queued, paused}". Resumption through the
// resume-attempt-bounded path is Resume, not this.
func (m *Machine) Admit(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusQueued && t.Status != store.StatusPaused {
		return fmt.Errorf("task: admit requires queued or paused, got %s", t.Status)
	}

	stage := t.CurrentStage
	if stage == "" && len(t.Workflow) > 0 {
		stage = t.Workflow[0]
	}

	if err := m.store.CreateCheckpoint(ctx, taskID, &store.Checkpoint{
		TaskID:       taskID,
		CheckpointID: idgen.New("chk"),
		Stage:        stage,
		StageIndex:   stageIndexOf(t.Workflow, stage),
		CreatedAt:    m.clock.Now(),
	}); err != nil {
		return err
	}

	status := store.StatusRunning
	patch := store.TaskPatch{Status: &status, CurrentStage: &stage, ClearPausedAt: true}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}

	m.tracker.TrackTaskStart(taskID)

	t.Status, t.CurrentStage, t.PausedAt = status, stage, nil
	m.emit(Event{Type: EventStarted, Task: t})
	return nil
}

// AdvanceStage runs the current stage through the agent driver and applies
// its StageOutcome, per §4.F.
func (m *Machine) AdvanceStage(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusRunning {
		return fmt.Errorf("task: advanceStage requires running, got %s", t.Status)
	}

	start := m.clock.Now()
	outcome := m.driver.RunStage(ctx, t, t.CurrentStage)
	observability.TaskStageDuration.WithLabelValues(string(outcome.Kind)).Observe(m.clock.Now().Sub(start).Seconds())
	m.tracker.UpdateTaskUsage(taskID, t.Usage.Add(outcome.Usage))

	switch outcome.Kind {
	case OutcomeOk:
		return m.advanceOnSuccess(ctx, t, outcome)
	case OutcomeRetryable:
		return m.advanceOnRetryable(ctx, t, outcome)
	case OutcomeSessionLimit:
		return m.Pause(ctx, taskID, store.PauseSessionLimit)
	case OutcomeUsageLimit:
		return m.Pause(ctx, taskID, store.PauseUsageLimit)
	case OutcomeFatal:
		return m.fail(ctx, t, outcome.Err)
	default:
		return fmt.Errorf("task: unknown stage outcome kind %q", outcome.Kind)
	}
}

func (m *Machine) advanceOnSuccess(ctx context.Context, t *store.Task, outcome StageOutcome) error {
	usage := t.Usage.Add(outcome.Usage)
	idx := stageIndexOf(t.Workflow, t.CurrentStage)

	if idx+1 >= len(t.Workflow) {
		status := store.StatusCompleted
		patch := store.TaskPatch{Status: &status, Usage: &usage}
		if err := m.store.UpdateTask(ctx, t.ID, patch); err != nil {
			return err
		}
		m.tracker.TrackTaskCompletion(t.ID, usage, true)
		observability.TaskCompletions.WithLabelValues(string(status)).Inc()
		t.Status, t.Usage = status, usage
		m.emit(Event{Type: EventCompleted, Task: t})
		return nil
	}

	nextStage := t.Workflow[idx+1]
	if err := m.store.CreateCheckpoint(ctx, t.ID, &store.Checkpoint{
		TaskID:       t.ID,
		CheckpointID: idgen.New("chk"),
		Stage:        nextStage,
		StageIndex:   idx + 1,
		CreatedAt:    m.clock.Now(),
	}); err != nil {
		return err
	}

	retryCount := 0
	patch := store.TaskPatch{CurrentStage: &nextStage, Usage: &usage, RetryCount: &retryCount}
	if err := m.store.UpdateTask(ctx, t.ID, patch); err != nil {
		return err
	}
	t.CurrentStage, t.Usage, t.RetryCount = nextStage, usage, 0
	return nil
}

func (m *Machine) advanceOnRetryable(ctx context.Context, t *store.Task, outcome StageOutcome) error {
	usage := t.Usage.Add(outcome.Usage)
	retryCount := t.RetryCount + 1

	if retryCount < t.MaxRetries {
		patch := store.TaskPatch{RetryCount: &retryCount, Usage: &usage}
		if err := m.store.UpdateTask(ctx, t.ID, patch); err != nil {
			return err
		}
		t.RetryCount, t.Usage = retryCount, usage
		return nil
	}
	return m.fail(ctx, t, outcome.Err)
}

func (m *Machine) fail(ctx context.Context, t *store.Task, cause error) error {
	status := store.StatusFailed
	reason := "stage_failed"
	if cause != nil {
		reason = cause.Error()
	}
	patch := store.TaskPatch{Status: &status, FailureReason: &reason}
	if err := m.store.UpdateTask(ctx, t.ID, patch); err != nil {
		return err
	}
	m.tracker.TrackTaskCompletion(t.ID, t.Usage, false)
	observability.TaskCompletions.WithLabelValues(string(status)).Inc()
	t.Status, t.FailureReason = status, reason
	m.handleWorkspaceOnFailure(ctx, t)
	m.emit(Event{Type: EventFailed, Task: t})
	return nil
}

// shouldPreserveWorkspace is §7's preserveOnFailure evaluation: an explicit
// Task.Workspace.PreserveOnFailure=true wins outright; otherwise a worktree
// strategy falls back to config.git.worktree.preserveOnFailure; every other
// value (nil, false, empty strategy) means clean up.
func shouldPreserveWorkspace(ws store.Workspace, worktreePreserveOnFailure bool) bool {
	if ws.PreserveOnFailure != nil && *ws.PreserveOnFailure {
		return true
	}
	if ws.Strategy == store.WorkspaceWorktree && worktreePreserveOnFailure {
		return true
	}
	return false
}

// handleWorkspaceOnFailure applies shouldPreserveWorkspace on a just-failed
// task: preserved workspaces are left alone (logged, per §8 scenario 6);
// otherwise the workspace collaborator is notified to clean up, if one was
// configured. Never blocks fail()'s own transition on the cleaner's result.
func (m *Machine) handleWorkspaceOnFailure(ctx context.Context, t *store.Task) {
	if shouldPreserveWorkspace(t.Workspace, m.worktreePreserveOnFailure) {
		log.Printf("task: Workspace preserved for debugging (task %s, strategy %s, path %s)", t.ID, t.Workspace.Strategy, t.Workspace.Path)
		return
	}
	if m.workspaceCleaner == nil {
		return
	}
	if err := m.workspaceCleaner.CleanupWorkspace(ctx, t); err != nil {
		log.Printf("task: workspace cleanup failed for task %s: %v", t.ID, err)
	}
}

// Pause suspends a running task with a checkpoint covering its current
// conversation state, per §4.F.
func (m *Machine) Pause(ctx context.Context, taskID string, reason store.PauseReason) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusRunning {
		return fmt.Errorf("task: pause requires running, got %s", t.Status)
	}

	running := m.tracker.TrackTaskPause(taskID)
	usage := t.Usage.Add(running)

	if err := m.store.CreateCheckpoint(ctx, taskID, &store.Checkpoint{
		TaskID:       taskID,
		CheckpointID: idgen.New("chk"),
		Stage:        t.CurrentStage,
		StageIndex:   stageIndexOf(t.Workflow, t.CurrentStage),
		CreatedAt:    m.clock.Now(),
	}); err != nil {
		return err
	}

	now := m.clock.Now()
	status := store.StatusPaused
	patch := store.TaskPatch{Status: &status, PauseReason: &reason, PausedAt: &now, Usage: &usage}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}

	observability.TaskPauses.WithLabelValues(string(reason)).Inc()
	t.Status, t.PauseReason, t.PausedAt, t.Usage = status, reason, &now, usage
	m.emit(Event{Type: EventPaused, Task: t})
	return nil
}

// Resume attempts to bring a paused task back to running, enforcing
// resumeAttempts <= maxResumeAttempts (§3 invariant) atomically under a
// per-task mutex so concurrent resume() calls on the same task can't both
// count (§5, §8 scenario 5). Returns false with no error when the task is
// not paused (a duplicate, already-resumed call) or when it was just
// exhausted into failed.
func (m *Machine) Resume(ctx context.Context, taskID string) (bool, error) {
	mu := m.resumeMutex(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, store.ErrTaskNotFound
	}
	if t.Status != store.StatusPaused {
		return false, nil
	}

	maxAttempts := t.MaxResumeAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	attempts := t.ResumeAttempts + 1

	if attempts > maxAttempts {
		status := store.StatusFailed
		reason := "resume_exhausted"
		patch := store.TaskPatch{Status: &status, ResumeAttempts: &attempts, FailureReason: &reason}
		if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
			return false, err
		}
		t.Status, t.ResumeAttempts, t.FailureReason = status, attempts, reason
		m.emit(Event{Type: EventFailed, Task: t})
		return false, nil
	}

	cp, err := m.store.GetLatestCheckpoint(ctx, taskID)
	if err != nil {
		return false, err
	}
	summary := contextSummary(cp)

	stage := t.CurrentStage
	if cp != nil {
		stage = cp.Stage
	}
	status := store.StatusRunning
	patch := store.TaskPatch{Status: &status, ResumeAttempts: &attempts, CurrentStage: &stage, ClearPausedAt: true}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return false, err
	}

	m.tracker.TrackTaskStart(taskID)

	t.Status, t.ResumeAttempts, t.CurrentStage, t.PausedAt = status, attempts, stage, nil
	m.emit(Event{Type: EventSessionResumed, Task: t, Extra: map[string]interface{}{"context_summary": summary}})
	return true, nil
}

// maxContextSummaryBytes bounds the generated fallback summary to ~2KB, per §4.F.
const maxContextSummaryBytes = 2048

// contextSummary produces resume()'s context summary: the checkpoint's
// explicit summary if present, else a bounded digest of its conversation
// state, else the fixed fallback string. Never panics; a malformed
// checkpoint degrades to the fallback rather than blocking resume.
func contextSummary(cp *store.Checkpoint) (summary string) {
	defer func() {
		if r := recover(); r != nil {
			summary = fallbackSummary(cp)
		}
	}()

	if cp == nil {
		return fallbackSummary(cp)
	}
	if cp.ContextSummary != "" {
		return cp.ContextSummary
	}
	if cp.ConversationState != "" {
		return boundedSummary(cp.ConversationState)
	}
	return fallbackSummary(cp)
}

func fallbackSummary(cp *store.Checkpoint) string {
	stage := "unknown"
	if cp != nil {
		stage = cp.Stage
	}
	return fmt.Sprintf("Task was paused in stage %s; resuming from checkpoint.", stage)
}

// boundedSummary keeps the last maxContextSummaryBytes of the conversation
// state, trimmed to a rune boundary, prefixed so it reads as a continuation
// rather than the whole transcript.
func boundedSummary(conversation string) string {
	if len(conversation) <= maxContextSummaryBytes {
		return conversation
	}
	tail := conversation[len(conversation)-maxContextSummaryBytes:]
	for i := 0; i < len(tail) && i < 4; i++ {
		if (tail[i] & 0xC0) != 0x80 {
			tail = tail[i:]
			break
		}
	}
	return "...(truncated)...\n" + tail
}

// Cancel moves a non-terminal task to cancelled. Running/paused tasks give
// up their concurrency slot.
func (m *Machine) Cancel(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status.Terminal() || t.Status == store.StatusArchived {
		return fmt.Errorf("task: cancel requires a non-terminal status, got %s", t.Status)
	}

	if t.Status == store.StatusRunning || t.Status == store.StatusPaused {
		running := m.tracker.TrackTaskPause(taskID)
		t.Usage = t.Usage.Add(running)
	}

	status := store.StatusCancelled
	patch := store.TaskPatch{Status: &status, Usage: &t.Usage, ClearPausedAt: true}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}
	observability.TaskCompletions.WithLabelValues(string(status)).Inc()
	t.Status = status
	m.emit(Event{Type: EventCancelled, Task: t})
	return nil
}

// Trash moves a completed/failed/cancelled task to trashed, remembering its
// prior status so Restore can put it back.
func (m *Machine) Trash(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	switch t.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
	default:
		return fmt.Errorf("task: trash requires completed, failed, or cancelled, got %s", t.Status)
	}

	prior := t.Status
	status := store.StatusTrashed
	patch := store.TaskPatch{Status: &status, PreTrashStatus: &prior}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}
	t.Status, t.PreTrashStatus = status, prior
	m.emit(Event{Type: EventTrashed, Task: t})
	return nil
}

// Restore reverts a trashed task to the status it held before Trash.
func (m *Machine) Restore(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusTrashed {
		return fmt.Errorf("task: restore requires trashed, got %s", t.Status)
	}

	prior := t.PreTrashStatus
	if prior == "" {
		prior = store.StatusCancelled
	}
	cleared := store.Status("")
	patch := store.TaskPatch{Status: &prior, PreTrashStatus: &cleared}
	if err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}
	t.Status, t.PreTrashStatus = prior, ""
	m.emit(Event{Type: EventRestored, Task: t})
	return nil
}

// Archive moves a completed task to archived.
func (m *Machine) Archive(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusCompleted {
		return fmt.Errorf("task: archive requires completed, got %s", t.Status)
	}
	status := store.StatusArchived
	if err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &status}); err != nil {
		return err
	}
	t.Status = status
	m.emit(Event{Type: EventArchived, Task: t})
	return nil
}

// Unarchive moves an archived task back to completed.
func (m *Machine) Unarchive(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrTaskNotFound
	}
	if t.Status != store.StatusArchived {
		return fmt.Errorf("task: unarchive requires archived, got %s", t.Status)
	}
	status := store.StatusCompleted
	if err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &status}); err != nil {
		return err
	}
	t.Status = status
	m.emit(Event{Type: EventUnarchived, Task: t})
	return nil
}

// SessionLimitCheck evaluates §4.F's per-turn utilization check and, on a
// handoff recommendation, pauses the task with reason session_limit.
func (m *Machine) SessionLimitCheck(ctx context.Context, taskID string, tokens, contextWindow int64) (SessionRecommendation, error) {
	rec := SessionLimitCheck(tokens, contextWindow)
	if rec == RecommendHandoff {
		if err := m.Pause(ctx, taskID, store.PauseSessionLimit); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
