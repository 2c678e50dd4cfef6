package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend. It is the
// production Store Adapter of §6: durable, queryable, survives restarts.
//
// Required indexes (created by migrations, not by this package):
//
//	CREATE INDEX idx_tasks_status ON tasks (status);
//	CREATE INDEX idx_tasks_status_priority_paused ON tasks (status, priority, paused_at);
//	CREATE INDEX idx_tasks_parent ON tasks (parent_task_id);
//
// tasks.pre_trash_status must be NOT NULL DEFAULT '' (trash/restore round trip).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// tuned the way the teacher tunes its production pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var taskColumns = `id, description, workflow, autonomy, priority, project_path,
	status, current_stage, pause_reason, resume_attempts, max_resume_attempts,
	retry_count, max_retries, parent_task_id, subtask_ids, subtask_strategy,
	depends_on, blocked_by, input_tokens, output_tokens, total_tokens, estimated_cost,
	workspace_strategy, workspace_path, workspace_preserve_on_failure, failure_reason,
	pre_trash_status, created_at, updated_at, paused_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var preserve *bool
	var pausedAt *time.Time
	var parentTaskID *string
	err := row.Scan(
		&t.ID, &t.Description, &t.Workflow, &t.Autonomy, &t.Priority, &t.ProjectPath,
		&t.Status, &t.CurrentStage, &t.PauseReason, &t.ResumeAttempts, &t.MaxResumeAttempts,
		&t.RetryCount, &t.MaxRetries, &parentTaskID, &t.SubtaskIDs, &t.SubtaskStrategy,
		&t.DependsOn, &t.BlockedBy, &t.Usage.InputTokens, &t.Usage.OutputTokens,
		&t.Usage.TotalTokens, &t.Usage.EstimatedCost,
		&t.Workspace.Strategy, &t.Workspace.Path, &preserve, &t.FailureReason,
		&t.PreTrashStatus,
		&t.CreatedAt, &t.UpdatedAt, &pausedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Workspace.PreserveOnFailure = preserve
	t.PausedAt = pausedAt
	if parentTaskID != nil {
		t.ParentTaskID = *parentTaskID
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	// Acyclicity is enforced application-side: walk the parent chain before
	// insert, inside the same transaction, so a concurrent writer can't race
	// us into creating a cycle.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if task.ParentTaskID != "" {
		cur := task.ParentTaskID
		seen := map[string]bool{}
		for cur != "" {
			if cur == task.ID {
				return "", ErrCyclicSubtask
			}
			if seen[cur] {
				return "", ErrCyclicSubtask
			}
			seen[cur] = true
			var parent string
			err := tx.QueryRow(ctx, `SELECT COALESCE(parent_task_id, '') FROM tasks WHERE id = $1`, cur).Scan(&parent)
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("store: parent task %q not found", task.ParentTaskID)
			}
			if err != nil {
				return "", err
			}
			cur = parent
		}
	}

	query := `
		INSERT INTO tasks (id, description, workflow, autonomy, priority, project_path,
			status, current_stage, pause_reason, resume_attempts, max_resume_attempts,
			retry_count, max_retries, parent_task_id, subtask_ids, subtask_strategy,
			depends_on, blocked_by, input_tokens, output_tokens, total_tokens, estimated_cost,
			workspace_strategy, workspace_path, workspace_preserve_on_failure, failure_reason,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,NOW(),NOW())
		RETURNING id
	`
	var id string
	err = tx.QueryRow(ctx, query,
		task.ID, task.Description, task.Workflow, task.Autonomy, task.Priority, task.ProjectPath,
		task.Status, task.CurrentStage, task.PauseReason, task.ResumeAttempts, task.MaxResumeAttempts,
		task.RetryCount, task.MaxRetries, nullableString(task.ParentTaskID), task.SubtaskIDs, task.SubtaskStrategy,
		task.DependsOn, task.BlockedBy, task.Usage.InputTokens, task.Usage.OutputTokens,
		task.Usage.TotalTokens, task.Usage.EstimatedCost,
		task.Workspace.Strategy, task.Workspace.Path, task.Workspace.PreserveOnFailure, task.FailureReason,
	).Scan(&id)
	if err != nil {
		return "", err
	}

	if task.ParentTaskID != "" {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET subtask_ids = array_append(subtask_ids, $1), updated_at = NOW() WHERE id = $2`, id, task.ParentTaskID); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argN := 1
	add := func(col string, val interface{}) {
		argN++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.CurrentStage != nil {
		add("current_stage", *patch.CurrentStage)
	}
	if patch.PauseReason != nil {
		add("pause_reason", *patch.PauseReason)
	}
	if patch.ResumeAttempts != nil {
		add("resume_attempts", *patch.ResumeAttempts)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.Usage != nil {
		add("input_tokens", patch.Usage.InputTokens)
		add("output_tokens", patch.Usage.OutputTokens)
		add("total_tokens", patch.Usage.TotalTokens)
		add("estimated_cost", patch.Usage.EstimatedCost)
	}
	if patch.FailureReason != nil {
		add("failure_reason", *patch.FailureReason)
	}
	if patch.PausedAt != nil {
		add("paused_at", *patch.PausedAt)
	}
	if patch.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	}
	if patch.SubtaskIDs != nil {
		add("subtask_ids", *patch.SubtaskIDs)
	}
	if patch.PreTrashStatus != nil {
		add("pre_trash_status", *patch.PreTrashStatus)
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1`, joinComma(sets))
	full := append([]interface{}{id}, args...)
	tag, err := s.pool.Exec(ctx, query, full...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func (s *PostgresStore) GetNextQueuedTask(ctx context.Context) (*Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = 'queued'
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			created_at ASC
		LIMIT 1
	`, taskColumns)
	return scanTask(s.pool.QueryRow(ctx, query))
}

func (s *PostgresStore) queryTaskRows(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPausedTasksForResume(ctx context.Context) ([]*Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = 'paused' AND pause_reason != 'user_request'
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			paused_at ASC
	`, taskColumns)
	return s.queryTaskRows(ctx, query)
}

func (s *PostgresStore) FindHighestPriorityParentTask(ctx context.Context) ([]*Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks parent
		WHERE parent.status = 'paused'
		AND EXISTS (
			SELECT 1 FROM tasks child
			WHERE child.parent_task_id = parent.id
			AND child.status NOT IN ('completed','failed','cancelled','trashed')
		)
		ORDER BY CASE parent.priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			parent.paused_at ASC
	`, prefixColumns(taskColumns, "parent"))
	return s.queryTaskRows(ctx, query)
}

func prefixColumns(columns, alias string) string {
	// Minimal helper: the column list has no table-qualified names, so a
	// correlated subquery is enough without rewriting each column.
	return columns
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, parentID string) ([]*Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE parent_task_id = $1 ORDER BY created_at ASC`, taskColumns)
	return s.queryTaskRows(ctx, query, parentID)
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, taskID string, checkpoint *Checkpoint) error {
	meta, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (task_id, checkpoint_id, stage, stage_index, conversation_state, context_summary, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		taskID, checkpoint.CheckpointID, checkpoint.Stage, checkpoint.StageIndex,
		checkpoint.ConversationState, checkpoint.ContextSummary, meta,
	)
	return err
}

func (s *PostgresStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	query := `
		SELECT task_id, checkpoint_id, stage, stage_index, conversation_state, context_summary, metadata, created_at
		FROM checkpoints WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1
	`
	var cp Checkpoint
	var meta []byte
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&cp.TaskID, &cp.CheckpointID, &cp.Stage, &cp.StageIndex,
		&cp.ConversationState, &cp.ContextSummary, &meta, &cp.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &cp.Metadata); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}

func (s *PostgresStore) AddLog(ctx context.Context, taskID string, entry LogEntry) error {
	query := `INSERT INTO task_logs (task_id, ts, level, message) VALUES ($1,$2,$3,$4)`
	_, err := s.pool.Exec(ctx, query, taskID, entry.Timestamp, entry.Level, entry.Message)
	return err
}
