package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// CreateTask stores a plain, non-recurring task.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if strings.TrimSpace(t.Title) == "" {
		return model.Task{}, fmt.Errorf("%w: title is required", ErrInvalidDefinition)
	}
	if t.Due.IsZero() {
		t.Due = t.Start
	}

	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		return insertTask(ctx, tx, "", t, s.now())
	})
	if err != nil {
		return model.Task{}, err
	}
	appLog.Info("task created", "task_id", t.ID)
	return t, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, source string, t model.Task, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks
			(id, source, title, description, priority, sort_order, start_at, due_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, source, t.Title, t.Description, t.Priority, t.SortOrder,
		toNanos(t.Start), toNanos(t.Due), nullTime(t.CompletedAt), toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("store: insert task %s: %w", t.ID, err)
	}
	return nil
}

// CompleteTask marks a plain task complete.
func (s *Store) CompleteTask(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET completed_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("store: complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	appLog.Info("task completed", "task_id", id)
	return nil
}

func loadOpenTasks(ctx context.Context, tx *sql.Tx) ([]model.Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, title, description, priority, sort_order, start_at, due_at
		FROM tasks
		WHERE completed_at IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		var (
			t            model.Task
			startAt, due int64
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.SortOrder, &startAt, &due); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		t.Start = fromNanos(startAt)
		t.Due = fromNanos(due)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate tasks: %w", err)
	}
	return tasks, nil
}
