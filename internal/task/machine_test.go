package task

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/store"
)

// fakeDriver returns a preconfigured sequence of outcomes, one per call.
type fakeDriver struct {
	outcomes []StageOutcome
	calls    int
}

func (d *fakeDriver) RunStage(ctx context.Context, t *store.Task, stage string) StageOutcome {
	if d.calls >= len(d.outcomes) {
		return Ok(store.Usage{})
	}
	o := d.outcomes[d.calls]
	d.calls++
	return o
}

// fakeSink is a minimal UsageSink recording calls without any admission logic.
type fakeSink struct {
	mu     sync.Mutex
	active map[string]bool
}

func newFakeSink() *fakeSink { return &fakeSink{active: make(map[string]bool)} }

func (f *fakeSink) TrackTaskStart(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[taskID] = true
}
func (f *fakeSink) UpdateTaskUsage(taskID string, u store.Usage) {}
func (f *fakeSink) TrackTaskPause(taskID string) store.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, taskID)
	return store.Usage{}
}
func (f *fakeSink) TrackTaskCompletion(taskID string, u store.Usage, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, taskID)
}

// fakeCleaner is a WorkspaceCleaner recording whether it was ever invoked.
type fakeCleaner struct {
	mu     sync.Mutex
	calls  int
	lastID string
}

func (f *fakeCleaner) CleanupWorkspace(ctx context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastID = t.ID
	return nil
}

func newHarness() (*Machine, store.Store, *fakeDriver) {
	s := store.NewMemoryStore()
	c := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)
	driver := &fakeDriver{}
	m := New(s, c, driver, newFakeSink(), nil)
	return m, s, driver
}

func mustCreate(t *testing.T, s store.Store, task *store.Task) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func TestAdmitTransitionsQueuedToRunningWithCheckpoint(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusQueued, Workflow: []string{"plan", "code"}})

	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.CurrentStage != "plan" {
		t.Fatalf("expected stage plan, got %s", got.CurrentStage)
	}
	cp, _ := s.GetLatestCheckpoint(context.Background(), id)
	if cp == nil {
		t.Fatalf("expected a checkpoint after admit")
	}
}

func TestAdvanceStageCompletesOnLastStageSuccess(t *testing.T) {
	m, s, driver := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusQueued, Workflow: []string{"only"}})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	driver.outcomes = []StageOutcome{Ok(store.Usage{TotalTokens: 10})}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestAdvanceStageRetriesThenFails(t *testing.T) {
	m, s, driver := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusQueued, Workflow: []string{"a"}, MaxRetries: 2})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	driver.outcomes = []StageOutcome{
		Retryable(errFlaky, store.Usage{}),
		Retryable(errFlaky, store.Usage{}),
	}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage 1: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning || got.RetryCount != 1 {
		t.Fatalf("expected running with retryCount=1, got %s/%d", got.Status, got.RetryCount)
	}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage 2: %v", err)
	}
	got, _ = s.GetTask(context.Background(), id)
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed once retryCount reaches maxRetries, got %s", got.Status)
	}
}

var errFlaky = errTest("transient failure")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestPauseThenResumeReturnsToRunning(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusQueued, Workflow: []string{"a", "b"}, MaxResumeAttempts: 3})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := m.Pause(context.Background(), id, store.PauseUsageLimit); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusPaused || got.PauseReason != store.PauseUsageLimit {
		t.Fatalf("expected paused/usage_limit, got %s/%s", got.Status, got.PauseReason)
	}

	ok, err := m.Resume(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Resume: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetTask(context.Background(), id)
	if got.Status != store.StatusRunning || got.ResumeAttempts != 1 {
		t.Fatalf("expected running/resumeAttempts=1, got %s/%d", got.Status, got.ResumeAttempts)
	}
}

// TestResumeExhaustion mirrors §8 scenario 3: maxResumeAttempts=3, 4 resume()
// calls on a paused task fail the task on the 4th with resumeAttempts=4.
func TestResumeExhaustion(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusPaused, MaxResumeAttempts: 3, CurrentStage: "a", Workflow: []string{"a"}})

	for i := 1; i <= 3; i++ {
		ok, err := m.Resume(context.Background(), id)
		if err != nil || !ok {
			t.Fatalf("resume %d: ok=%v err=%v", i, ok, err)
		}
		// Put it back into paused to simulate the agent raising session-limit
		// again on every attempt, per the scenario.
		if err := m.Pause(context.Background(), id, store.PauseSessionLimit); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
	}

	ok, err := m.Resume(context.Background(), id)
	if err != nil {
		t.Fatalf("resume 4: %v", err)
	}
	if ok {
		t.Fatalf("expected resume 4 to return false (exhausted)")
	}

	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ResumeAttempts != 4 {
		t.Fatalf("expected resumeAttempts=4, got %d", got.ResumeAttempts)
	}
	if got.FailureReason != "resume_exhausted" {
		t.Fatalf("expected resume_exhausted, got %q", got.FailureReason)
	}
}

// TestConcurrentResumeSameTaskCountsOnce mirrors §8 scenario 5: two
// goroutines racing Resume() on the same paused task must not both
// increment resumeAttempts.
func TestConcurrentResumeSameTaskCountsOnce(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusPaused, MaxResumeAttempts: 3, CurrentStage: "a", Workflow: []string{"a"}})

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Resume(context.Background(), id)
			if err != nil {
				t.Errorf("resume: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Fatalf("expected exactly one resume to succeed, got %d", trueCount)
	}

	got, _ := s.GetTask(context.Background(), id)
	if got.ResumeAttempts != 1 {
		t.Fatalf("expected resumeAttempts=1 after duplicate calls, got %d", got.ResumeAttempts)
	}
}

func TestTrashThenRestoreReturnsToPriorStatus(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusCompleted})

	if err := m.Trash(context.Background(), id); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusTrashed {
		t.Fatalf("expected trashed, got %s", got.Status)
	}

	if err := m.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ = s.GetTask(context.Background(), id)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected restored to completed, got %s", got.Status)
	}
}

func TestCancelFromRunningFreesSlot(t *testing.T) {
	m, s, _ := newHarness()
	id := mustCreate(t, s, &store.Task{ID: "t1", Status: store.StatusQueued, Workflow: []string{"a"}})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

// TestWorkspacePreservedOnFailureWhenExplicitFlagSet mirrors §8 scenario 6:
// a worktree-strategy task with Workspace.PreserveOnFailure=true is left
// alone on failure (the cleaner is never invoked) and a log entry
// "Workspace preserved for debugging" is written.
func TestWorkspacePreservedOnFailureWhenExplicitFlagSet(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	m, s, driver := newHarness()
	cleaner := &fakeCleaner{}
	m.WithWorkspaceCleaner(cleaner, false)

	preserve := true
	id := mustCreate(t, s, &store.Task{
		ID:       "t1",
		Status:   store.StatusQueued,
		Workflow: []string{"a"},
		Workspace: store.Workspace{
			Strategy:          store.WorkspaceWorktree,
			Path:              "/tmp/t1",
			PreserveOnFailure: &preserve,
		},
	})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	driver.outcomes = []StageOutcome{Fatal(errFlaky, store.Usage{})}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	got, _ := s.GetTask(context.Background(), id)
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if cleaner.calls != 0 {
		t.Fatalf("expected cleanup not invoked, got %d calls", cleaner.calls)
	}
	if !strings.Contains(buf.String(), "Workspace preserved for debugging") {
		t.Fatalf("expected preserved-workspace log entry, got %q", buf.String())
	}
}

// TestWorkspaceCleanedUpWhenNotPreserved covers the complementary branch: a
// directory-strategy task with no explicit preserveOnFailure is cleaned up.
func TestWorkspaceCleanedUpWhenNotPreserved(t *testing.T) {
	m, s, driver := newHarness()
	cleaner := &fakeCleaner{}
	m.WithWorkspaceCleaner(cleaner, true) // worktree config irrelevant: strategy is directory

	id := mustCreate(t, s, &store.Task{
		ID:       "t1",
		Status:   store.StatusQueued,
		Workflow: []string{"a"},
		Workspace: store.Workspace{
			Strategy: store.WorkspaceDirectory,
			Path:     "/tmp/t1",
		},
	})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	driver.outcomes = []StageOutcome{Fatal(errFlaky, store.Usage{})}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	if cleaner.calls != 1 || cleaner.lastID != id {
		t.Fatalf("expected cleanup invoked once for task %s, got calls=%d lastID=%s", id, cleaner.calls, cleaner.lastID)
	}
}

// TestWorkspacePreservedOnFailureViaWorktreeConfig covers the second clause
// of §7's evaluation: no explicit per-task flag, but strategy=worktree and
// config.git.worktree.preserveOnFailure=true.
func TestWorkspacePreservedOnFailureViaWorktreeConfig(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	m, s, driver := newHarness()
	cleaner := &fakeCleaner{}
	m.WithWorkspaceCleaner(cleaner, true)

	id := mustCreate(t, s, &store.Task{
		ID:       "t1",
		Status:   store.StatusQueued,
		Workflow: []string{"a"},
		Workspace: store.Workspace{
			Strategy: store.WorkspaceWorktree,
			Path:     "/tmp/t1",
		},
	})
	if err := m.Admit(context.Background(), id); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	driver.outcomes = []StageOutcome{Fatal(errFlaky, store.Usage{})}

	if err := m.AdvanceStage(context.Background(), id); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	if cleaner.calls != 0 {
		t.Fatalf("expected cleanup not invoked, got %d calls", cleaner.calls)
	}
	if !strings.Contains(buf.String(), "Workspace preserved for debugging") {
		t.Fatalf("expected preserved-workspace log entry, got %q", buf.String())
	}
}

func TestContextSummaryFallsBackWhenCheckpointEmpty(t *testing.T) {
	got := contextSummary(&store.Checkpoint{Stage: "code"})
	want := "Task was paused in stage code; resuming from checkpoint."
	if got != want {
		t.Fatalf("expected fallback summary, got %q", got)
	}
}

func TestContextSummaryPrefersExplicitSummary(t *testing.T) {
	got := contextSummary(&store.Checkpoint{Stage: "code", ContextSummary: "resume from step 4"})
	if got != "resume from step 4" {
		t.Fatalf("expected explicit summary, got %q", got)
	}
}

func TestSessionLimitCheckThresholds(t *testing.T) {
	cases := []struct {
		tokens, window int64
		want           SessionRecommendation
	}{
		{100, 1000, RecommendContinue},
		{650, 1000, RecommendSummarize},
		{850, 1000, RecommendCheckpoint},
		{960, 1000, RecommendHandoff},
	}
	for _, c := range cases {
		if got := SessionLimitCheck(c.tokens, c.window); got != c.want {
			t.Errorf("SessionLimitCheck(%d,%d) = %s, want %s", c.tokens, c.window, got, c.want)
		}
	}
}
