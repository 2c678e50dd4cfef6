package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used for tests and single-node
// development. It keeps the required indexes (status; status+priority+
// pausedAt; parentTaskID) as plain linear scans over a mutex-guarded map,
// same tradeoff the teacher's MemoryStore makes.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	checkpoints map[string][]*Checkpoint // taskID -> ordered by CreatedAt
	logs        map[string][]LogEntry
	seq         int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		checkpoints: make(map[string][]*Checkpoint),
		logs:        make(map[string][]LogEntry),
	}
}

func (s *MemoryStore) nextID() string {
	s.seq++
	return fmt.Sprintf("task-%d", s.seq)
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

// wouldCycle reports whether adding child as a descendant of ancestor (or
// ancestor itself) would create a cycle, walking the existing parent chain
// from candidateParent up to the root. Per §9 Design Note: "the
// specification prohibits [cyclic parent/child references]: store operations
// must refuse to create a subtask relation that would introduce a cycle."
func (s *MemoryStore) wouldCycle(childID, candidateParentID string) bool {
	if childID == candidateParentID {
		return true
	}
	seen := map[string]bool{}
	cur := candidateParentID
	for cur != "" {
		if cur == childID {
			return true
		}
		if seen[cur] {
			return true // existing cycle already present; refuse to extend it
		}
		seen[cur] = true
		parent, ok := s.tasks[cur]
		if !ok {
			break
		}
		cur = parent.ParentTaskID
	}
	return false
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ParentTaskID != "" {
		if _, ok := s.tasks[task.ParentTaskID]; !ok {
			return "", fmt.Errorf("store: parent task %q not found", task.ParentTaskID)
		}
	}

	id := task.ID
	if id == "" {
		id = s.nextID()
	}
	if s.wouldCycle(id, task.ParentTaskID) {
		return "", ErrCyclicSubtask
	}

	now := time.Now().UTC()
	clone := task.Clone()
	clone.ID = id
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.tasks[id] = clone

	if task.ParentTaskID != "" {
		parent := s.tasks[task.ParentTaskID]
		parent.SubtaskIDs = append(parent.SubtaskIDs, id)
		parent.UpdatedAt = now
	}

	return id, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		t.CurrentStage = *patch.CurrentStage
	}
	if patch.PauseReason != nil {
		t.PauseReason = *patch.PauseReason
	}
	if patch.ResumeAttempts != nil {
		t.ResumeAttempts = *patch.ResumeAttempts
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.Usage != nil {
		t.Usage = *patch.Usage
	}
	if patch.FailureReason != nil {
		t.FailureReason = *patch.FailureReason
	}
	if patch.PausedAt != nil {
		t.PausedAt = patch.PausedAt
	}
	if patch.ClearPausedAt {
		t.PausedAt = nil
	}
	if patch.SubtaskIDs != nil {
		t.SubtaskIDs = append([]string(nil), (*patch.SubtaskIDs)...)
	}
	if patch.PreTrashStatus != nil {
		t.PreTrashStatus = *patch.PreTrashStatus
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetNextQueuedTask(ctx context.Context) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Task
	for _, t := range s.tasks {
		if t.Status == StatusQueued {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[j].Priority.Less(candidates[i].Priority)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].Clone(), nil
}

func (s *MemoryStore) GetPausedTasksForResume(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPaused && t.PauseReason.Resumable() {
			out = append(out, t.Clone())
		}
	}
	sortByPriorityThenPausedAt(out)
	return out, nil
}

func (s *MemoryStore) FindHighestPriorityParentTask(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status != StatusPaused || len(t.SubtaskIDs) == 0 {
			continue
		}
		hasNonTerminal := false
		for _, sid := range t.SubtaskIDs {
			if sub, ok := s.tasks[sid]; ok && !sub.Status.Terminal() {
				hasNonTerminal = true
				break
			}
		}
		if hasNonTerminal {
			out = append(out, t.Clone())
		}
	}
	sortByPriorityThenPausedAt(out)
	return out, nil
}

func (s *MemoryStore) ListSubtasks(ctx context.Context, parentID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, ok := s.tasks[parentID]
	if !ok {
		return nil, nil
	}
	out := make([]*Task, 0, len(parent.SubtaskIDs))
	for _, sid := range parent.SubtaskIDs {
		if sub, ok := s.tasks[sid]; ok {
			out = append(out, sub.Clone())
		}
	}
	return out, nil
}

func sortByPriorityThenPausedAt(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[j].Priority.Less(tasks[i].Priority)
		}
		pi, pj := tasks[i].PausedAt, tasks[j].PausedAt
		if pi == nil || pj == nil {
			return pi != nil
		}
		return pi.Before(*pj)
	})
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, taskID string, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	cp := *checkpoint
	cp.TaskID = taskID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.checkpoints[taskID] = append(s.checkpoints[taskID], &cp)
	return nil
}

func (s *MemoryStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, nil
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	cpCopy := *latest
	return &cpCopy, nil
}

func (s *MemoryStore) AddLog(ctx context.Context, taskID string, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.logs[taskID] = append(s.logs[taskID], entry)
	return nil
}

// Logs returns a copy of taskID's accumulated log entries, for tests and the
// debug/admin surface.
func (s *MemoryStore) Logs(taskID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.logs[taskID]))
	copy(out, s.logs[taskID])
	return out
}
