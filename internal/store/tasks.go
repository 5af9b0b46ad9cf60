package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

const taskColumns = "t.id, t.name, t.description, t.status, t.project_id, t.phase_id, t.save_time"

func scanTask(sc scanner) (types.Task, error) {
	var (
		t         types.Task
		projectID sql.NullString
		phaseID   sql.NullString
		saved     string
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Description, &t.Status, &projectID, &phaseID, &saved); err != nil {
		return types.Task{}, err
	}
	t.ProjectID = scanNullable(projectID)
	t.PhaseID = scanNullable(phaseID)
	t.SaveTime = parseTime(saved)
	return t, nil
}

// validateTask checks status, owner and name before a write.
func validateTask(ctx context.Context, q querier, t *types.Task) error {
	if err := types.ValidateName(t.Name); err != nil {
		return err
	}
	if !types.ValidStatus(t.Status) {
		return fmt.Errorf("%w: %q", types.ErrInvalidStatus, t.Status)
	}
	if err := t.ValidateOwner(); err != nil {
		return err
	}
	if t.ProjectID != nil {
		ok, err := exists(ctx, q, "project", *t.ProjectID)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrProjectNotFound
		}
	} else {
		ok, err := exists(ctx, q, "phase", *t.PhaseID)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrPhaseNotFound
		}
	}

	var id string
	err := q.QueryRowContext(ctx, "SELECT id FROM task WHERE name_lower = ?", types.NameKey(t.Name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check task name: %w", err)
	}
	if id != t.ID {
		return fmt.Errorf("%w: task %q", types.ErrDuplicateName, t.Name)
	}
	return nil
}

// AddTask creates a task from t's name, description, status and owner.
// An empty status defaults to ToDo. ID and SaveTime are assigned here.
func (s *Store) AddTask(ctx context.Context, t types.Task) (*TaskRecord, error) {
	row := types.Task{
		ID:          newID(),
		Name:        t.Name,
		Description: t.Description,
		Status:      t.Status,
		ProjectID:   t.ProjectID,
		PhaseID:     t.PhaseID,
	}
	if row.Status == "" {
		row.Status = types.StatusToDo
	}

	err := s.update(ctx, "add_task", func(tx *sql.Tx) error {
		if err := validateTask(ctx, tx, &row); err != nil {
			return err
		}
		saved := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task (id, name, name_lower, status, description, project_id, phase_id, save_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Name, types.NameKey(row.Name), row.Status, row.Description,
			nullable(row.ProjectID), nullable(row.PhaseID), saved); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		row.SaveTime = parseTime(saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("task_id", row.ID).WithField("name", row.Name).Debug("task added")
	return newTaskRecord(s, row), nil
}

func taskByID(ctx context.Context, q querier, id string) (*types.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM task t WHERE t.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// TaskByID returns the task with id, or nil when absent.
func (s *Store) TaskByID(ctx context.Context, id string) (*TaskRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	t, err := taskByID(ctx, q, id)
	if err != nil || t == nil {
		return nil, err
	}
	return newTaskRecord(s, *t), nil
}

// TaskByName returns the task whose name matches case-insensitively, or
// nil.
func (s *Store) TaskByName(ctx context.Context, name string) (*TaskRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	t, err := scanTask(q.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM task t WHERE t.name_lower = ?", types.NameKey(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by name: %w", err)
	}
	return newTaskRecord(s, t), nil
}

// listTasks runs a task query whose select list is taskColumns over alias t.
func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*TaskRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query+" ORDER BY t.name_lower, t.id", args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, newTaskRecord(s, t))
	}
	return out, rows.Err()
}

// Tasks returns every task.
func (s *Store) Tasks(ctx context.Context) ([]*TaskRecord, error) {
	return s.listTasks(ctx, "SELECT "+taskColumns+" FROM task t")
}

// TasksByStatus returns the tasks with the given status.
func (s *Store) TasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error) {
	if !types.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidStatus, status)
	}
	return s.listTasks(ctx, "SELECT "+taskColumns+" FROM task t WHERE t.status = ?", status)
}

// TasksForProject returns the tasks whose effective project is projectID:
// those owned directly and those owned by one of its phases.
func (s *Store) TasksForProject(ctx context.Context, projectID string) ([]*TaskRecord, error) {
	return s.listTasks(ctx,
		"SELECT "+taskColumns+" FROM task t LEFT JOIN phase ph ON t.phase_id = ph.id"+
			" WHERE t.project_id = ? OR ph.project_id = ?",
		projectID, projectID)
}

// DirectTasksForProject returns only the tasks owned by projectID itself.
func (s *Store) DirectTasksForProject(ctx context.Context, projectID string) ([]*TaskRecord, error) {
	return s.listTasks(ctx, "SELECT "+taskColumns+" FROM task t WHERE t.project_id = ?", projectID)
}

// TasksForPhase returns the tasks owned by phaseID.
func (s *Store) TasksForPhase(ctx context.Context, phaseID string) ([]*TaskRecord, error) {
	return s.listTasks(ctx, "SELECT "+taskColumns+" FROM task t WHERE t.phase_id = ?", phaseID)
}

// saveTask writes the changed fields of row. The owner pair is taken from
// row when either half changed.
func (s *Store) saveTask(ctx context.Context, row *types.Task, changed fields) error {
	next := *row
	saved := s.timestamp()
	err := s.update(ctx, "save_task", func(tx *sql.Tx) error {
		cur, err := taskByID(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return types.ErrTaskNotFound
		}
		if !changed["Name"] {
			next.Name = cur.Name
		}
		if !changed["Description"] {
			next.Description = cur.Description
		}
		if !changed["Status"] {
			next.Status = cur.Status
		}
		if !changed["ProjectID"] && !changed["PhaseID"] {
			next.ProjectID, next.PhaseID = cur.ProjectID, cur.PhaseID
		}

		if err := validateTask(ctx, tx, &next); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE task SET name = ?, name_lower = ?, status = ?, description = ?,
			 project_id = ?, phase_id = ?, save_time = ? WHERE id = ?`,
			next.Name, types.NameKey(next.Name), next.Status, next.Description,
			nullable(next.ProjectID), nullable(next.PhaseID), saved, next.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return requireAffected(res, types.ErrTaskNotFound)
	})
	if err != nil {
		return err
	}
	next.SaveTime = parseTime(saved)
	*row = next
	return nil
}

// DeleteTask removes a task together with every blocker edge that
// references it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.update(ctx, "delete_task", func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "task", id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM blockers WHERE item = ? OR requires = ?", id, id); err != nil {
			return fmt.Errorf("delete task blockers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM task WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		s.log.WithField("task_id", id).Debug("task deleted")
		return nil
	})
}
