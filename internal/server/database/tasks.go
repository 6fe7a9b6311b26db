package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateTask persists a new task row in Pending state.
func (r *Repository) CreateTask(ctx context.Context, t *Task) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, status, input_data, progress, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, t.ID, t.TaskType, TaskPending, t.InputData, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task row by id.
func (r *Repository) GetTask(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	t := &Task{}
	err := r.db.Pool.QueryRowContext(ctx, `
		SELECT id, task_type, status, input_data, output_data, progress, error,
		       created_at, started_at, finished_at
		FROM tasks WHERE id = ?
	`, id).Scan(
		&t.ID, &t.TaskType, &t.Status, &t.InputData, &t.OutputData,
		&t.Progress, &t.Error, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus advances a task's status and stamps started_at or
// finished_at accordingly. errMsg is recorded only when non-nil.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id, status string, errMsg *string, now int64) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	var startedAt, finishedAt *int64
	switch status {
	case TaskRunning:
		startedAt = &now
	case TaskCompleted, TaskFailed:
		finishedAt = &now
	}

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			error = COALESCE(?, error),
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ?
	`, status, errMsg, startedAt, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// UpdateTaskProgress sets the progress percentage. MAX keeps progress
// monotonic even if updates land out of order.
func (r *Repository) UpdateTaskProgress(ctx context.Context, id string, progress int) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE tasks SET progress = MAX(progress, ?) WHERE id = ?
	`, progress, id)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// SetTaskOutput records the JSON-encoded result of a finished task.
func (r *Repository) SetTaskOutput(ctx context.Context, id, outputData string) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE tasks SET output_data = ? WHERE id = ?
	`, outputData, id)
	if err != nil {
		return fmt.Errorf("failed to set task output: %w", err)
	}
	return nil
}

// FailUnfinishedTasks marks all Pending and Running rows Failed with the
// given reason. Called at boot (reason "interrupted") and at shutdown
// (reason "shutdown"): the in-memory queue does not survive the process.
func (r *Repository) FailUnfinishedTasks(ctx context.Context, reason string, now int64) (int64, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	res, err := r.db.Pool.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?)
	`, TaskFailed, reason, now, TaskPending, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile unfinished tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
