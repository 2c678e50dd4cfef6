package store

import (
	"context"
	"testing"
)

func TestMemoryStoreRefusesCyclicSubtask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rootID, err := s.CreateTask(ctx, &Task{ID: "root", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	childID, err := s.CreateTask(ctx, &Task{ID: "child", ParentTaskID: rootID, Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	// Attempting to make root a child of child must be refused.
	_, err = s.CreateTask(ctx, &Task{ID: rootID, ParentTaskID: childID})
	if err == nil {
		t.Fatalf("expected cycle to be refused")
	}
}

func TestGetPausedTasksForResumeExcludesUserRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mustCreate := func(id string, reason PauseReason, prio Priority) {
		tid, err := s.CreateTask(ctx, &Task{ID: id, Priority: prio})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		status := StatusPaused
		if err := s.UpdateTask(ctx, tid, TaskPatch{Status: &status, PauseReason: &reason}); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}

	mustCreate("a", PauseUsageLimit, PriorityLow)
	mustCreate("b", PauseUserRequest, PriorityUrgent)
	mustCreate("c", PauseBudget, PriorityHigh)

	out, err := s.GetPausedTasksForResume(ctx)
	if err != nil {
		t.Fatalf("GetPausedTasksForResume: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 resumable tasks, got %d", len(out))
	}
	if out[0].ID != "c" {
		t.Fatalf("expected high priority task first, got %s", out[0].ID)
	}
}

func TestGetNextQueuedTaskOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"low1", "urgent1", "low2"} {
		prio := PriorityLow
		if id == "urgent1" {
			prio = PriorityUrgent
		}
		if _, err := s.CreateTask(ctx, &Task{ID: id, Priority: prio, Status: StatusQueued}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	next, err := s.GetNextQueuedTask(ctx)
	if err != nil {
		t.Fatalf("GetNextQueuedTask: %v", err)
	}
	if next.ID != "urgent1" {
		t.Fatalf("expected urgent1 first, got %s", next.ID)
	}
}
