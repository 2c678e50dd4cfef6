package store

import "time"

// Priority orders paused/queued tasks for admission and auto-resume.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// rank returns a sortable weight, higher is more urgent.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Less reports whether p is lower priority than other (for sort.Slice ascending order).
func (p Priority) Less(other Priority) bool { return p.rank() < other.rank() }

// Status is the lifecycle state of a Task, per the state machine grammar.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTrashed   Status = "trashed"
	StatusArchived  Status = "archived"
)

// Terminal reports whether the status accepts no further transitions except
// trash/archive.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTrashed:
		return true
	default:
		return false
	}
}

// PauseReason explains why a task is paused, and whether auto-resume may
// attempt it.
type PauseReason string

const (
	PauseCapacity      PauseReason = "capacity"
	PauseBudget        PauseReason = "budget"
	PauseUsageLimit    PauseReason = "usage_limit"
	PauseSessionLimit  PauseReason = "session_limit"
	PauseUserRequest   PauseReason = "user_request"
	PauseDependency    PauseReason = "dependency"
	PauseSessionError  PauseReason = "session_error"
)

// Resumable reports whether auto-resume may act on a task paused for this reason.
func (r PauseReason) Resumable() bool {
	return r != PauseUserRequest
}

// SubtaskStrategy controls how a parent's subtasks are expected to run.
type SubtaskStrategy string

const (
	SubtaskParallel   SubtaskStrategy = "parallel"
	SubtaskSequential SubtaskStrategy = "sequential"
)

// WorkspaceStrategy names the workspace-provisioning approach; opaque to core
// beyond the fields it reads (strategy, path, preserveOnFailure).
type WorkspaceStrategy string

const (
	WorkspaceDirectory WorkspaceStrategy = "directory"
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
)

// Workspace describes where a task's work happens. Core never interprets
// Path beyond passing it to the (out of scope) workspace collaborator.
type Workspace struct {
	Strategy          WorkspaceStrategy `json:"strategy"`
	Path              string            `json:"path"`
	PreserveOnFailure *bool             `json:"preserve_on_failure,omitempty"`
}

// Usage is a cumulative resource consumption snapshot.
type Usage struct {
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	EstimatedCost  float64 `json:"estimated_cost"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:   u.InputTokens + other.InputTokens,
		OutputTokens:  u.OutputTokens + other.OutputTokens,
		TotalTokens:   u.TotalTokens + other.TotalTokens,
		EstimatedCost: u.EstimatedCost + other.EstimatedCost,
	}
}

// Clamp returns u with negative or NaN fields clamped to 0, per §8 boundary
// behavior ("Negative or NaN usage values are clamped to 0 with a warning").
// The caller is responsible for emitting the warning; Clamp reports whether
// any field was clamped.
func (u Usage) Clamp() (clamped Usage, changed bool) {
	clamp := func(f float64) (float64, bool) {
		if f != f || f < 0 { // f != f catches NaN
			return 0, true
		}
		return f, false
	}
	clampInt := func(n int64) (int64, bool) {
		if n < 0 {
			return 0, true
		}
		return n, false
	}

	out := u
	var c bool
	if out.InputTokens, c = clampInt(out.InputTokens); c {
		changed = true
	}
	if out.OutputTokens, c = clampInt(out.OutputTokens); c {
		changed = true
	}
	if out.TotalTokens, c = clampInt(out.TotalTokens); c {
		changed = true
	}
	if out.EstimatedCost, c = clamp(out.EstimatedCost); c {
		changed = true
	}
	return out, changed
}

// Task is the sole source of truth for a unit of work's lifecycle (§3).
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description"`
	Workflow    []string `json:"workflow"`
	Autonomy    string   `json:"autonomy"`
	Priority    Priority `json:"priority"`
	ProjectPath string   `json:"project_path"`

	Status       Status       `json:"status"`
	CurrentStage string       `json:"current_stage,omitempty"`
	PauseReason  PauseReason  `json:"pause_reason,omitempty"`

	ResumeAttempts    int `json:"resume_attempts"`
	MaxResumeAttempts int `json:"max_resume_attempts"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	SubtaskIDs      []string        `json:"subtask_ids,omitempty"`
	SubtaskStrategy SubtaskStrategy `json:"subtask_strategy,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	BlockedBy       []string        `json:"blocked_by,omitempty"`

	Usage     Usage     `json:"usage"`
	Workspace Workspace `json:"workspace"`

	FailureReason string `json:"failure_reason,omitempty"`

	// PreTrashStatus remembers the status a task held just before it was
	// trashed, so restore() can put it back (completed/failed/cancelled ->
	// trashed -> restore -> previous status, per §4.F).
	PreTrashStatus Status `json:"pre_trash_status,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
}

// Clone returns a deep-enough copy for copy-out semantics (slices/maps are
// re-sliced, not aliased).
func (t *Task) Clone() *Task {
	c := *t
	if t.Workflow != nil {
		c.Workflow = append([]string(nil), t.Workflow...)
	}
	if t.SubtaskIDs != nil {
		c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	}
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.BlockedBy != nil {
		c.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if t.PausedAt != nil {
		p := *t.PausedAt
		c.PausedAt = &p
	}
	return &c
}

// Checkpoint is a durable snapshot sufficient to resume a task's current stage.
type Checkpoint struct {
	TaskID           string            `json:"task_id"`
	CheckpointID     string            `json:"checkpoint_id"`
	Stage            string            `json:"stage"`
	StageIndex       int               `json:"stage_index"`
	ConversationState string           `json:"conversation_state,omitempty"`
	ContextSummary   string            `json:"context_summary,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TaskPatch is an atomic partial update applied by UpdateTask. Only non-nil
// fields are merged; UpdatedAt is always bumped by the store.
type TaskPatch struct {
	Status            *Status
	CurrentStage      *string
	PauseReason       *PauseReason
	ResumeAttempts    *int
	RetryCount        *int
	Usage             *Usage
	FailureReason     *string
	PausedAt          *time.Time
	ClearPausedAt     bool
	SubtaskIDs        *[]string
	PreTrashStatus    *Status
}
