package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGRenderBot/internal/models"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Insert(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	const query = `
INSERT INTO tasks (task_id, user_id, chat_id, kind, payload, cost, request_id, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		task.TaskID, task.UserID, task.ChatID, string(task.Kind), string(payload),
		task.Cost, task.RequestID, string(task.Status), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	task.ID = id
	return nil
}

func (r *TaskRepository) FindByTaskID(ctx context.Context, taskID string) (*models.Task, error) {
	const query = `
SELECT id, task_id, user_id, chat_id, kind, payload, cost, request_id, status, created_at, done_at
FROM tasks WHERE task_id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, taskID))
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, doneAt *time.Time) error {
	const query = `UPDATE tasks SET status = ?, done_at = ? WHERE task_id = ?`
	if _, err := r.db.ExecContext(ctx, query, string(status), doneAt, taskID); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// ListByStatus returns all tasks with the given status in enqueue order.
func (r *TaskRepository) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	const query = `
SELECT id, task_id, user_id, chat_id, kind, payload, cost, request_id, status, created_at, done_at
FROM tasks WHERE status = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// HasActive reports whether the user has a task in {queued, running}.
func (r *TaskRepository) HasActive(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT 1 FROM tasks WHERE user_id = ? AND status IN (?, ?) LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, userID,
		string(models.TaskStatusQueued), string(models.TaskStatusRunning))
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check active task: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TaskRepository) scanOne(row *sql.Row) (*models.Task, error) {
	task, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

func (r *TaskRepository) scanRow(row rowScanner) (*models.Task, error) {
	var t models.Task
	var kind, status, payload string
	var doneAt sql.NullTime
	if err := row.Scan(&t.ID, &t.TaskID, &t.UserID, &t.ChatID, &kind, &payload,
		&t.Cost, &t.RequestID, &status, &t.CreatedAt, &doneAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	if doneAt.Valid {
		done := doneAt.Time
		t.DoneAt = &done
	}
	return &t, nil
}
