package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

const projectColumns = "id, name, description, parent_id, save_time"

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(sc scanner) (types.Project, error) {
	var (
		p        types.Project
		parentID sql.NullString
		saved    string
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Description, &parentID, &saved); err != nil {
		return types.Project{}, err
	}
	p.ParentID = scanNullable(parentID)
	p.SaveTime = parseTime(saved)
	return p, nil
}

// AddProject creates a project. An empty parentID creates a root project.
func (s *Store) AddProject(ctx context.Context, name, description, parentID string) (*ProjectRecord, error) {
	var row types.Project
	err := s.update(ctx, "add_project", func(tx *sql.Tx) error {
		if err := types.ValidateName(name); err != nil {
			return err
		}
		if err := checkProjectName(ctx, tx, name, ""); err != nil {
			return err
		}
		if parentID != "" {
			ok, err := exists(ctx, tx, "project", parentID)
			if err != nil {
				return err
			}
			if !ok {
				return types.ErrProjectNotFound
			}
		}

		row = types.Project{
			ID:          newID(),
			Name:        name,
			Description: description,
			ParentID:    types.OptionalID(parentID),
		}
		saved := s.timestamp()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO project (id, name, name_lower, description, parent_id, save_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			row.ID, row.Name, types.NameKey(row.Name), row.Description, nullable(row.ParentID), saved)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		row.SaveTime = parseTime(saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("project_id", row.ID).WithField("name", row.Name).Debug("project added")
	return newProjectRecord(s, row), nil
}

// checkProjectName rejects a name already used by a project other than
// exceptID.
func checkProjectName(ctx context.Context, q querier, name, exceptID string) error {
	var id string
	err := q.QueryRowContext(ctx, "SELECT id FROM project WHERE name_lower = ?", types.NameKey(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check project name: %w", err)
	}
	if id != exceptID {
		return fmt.Errorf("%w: project %q", types.ErrDuplicateName, name)
	}
	return nil
}

// checkProjectParent verifies that parentID exists and is neither id nor a
// descendant of id.
func checkProjectParent(ctx context.Context, q querier, id, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == id {
		return types.ErrCycle
	}
	cur := parentID
	seen := map[string]bool{}
	for cur != "" {
		if cur == id {
			return types.ErrCycle
		}
		if seen[cur] {
			return types.ErrCycle
		}
		seen[cur] = true

		var next sql.NullString
		err := q.QueryRowContext(ctx, "SELECT parent_id FROM project WHERE id = ?", cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			if cur == parentID {
				return types.ErrProjectNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk project ancestors: %w", err)
		}
		cur = next.String
	}
	return nil
}

func projectByID(ctx context.Context, q querier, id string) (*types.Project, error) {
	row := q.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM project WHERE id = ?", id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ProjectByID returns the project with id, or nil when absent.
func (s *Store) ProjectByID(ctx context.Context, id string) (*ProjectRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	p, err := projectByID(ctx, q, id)
	if err != nil || p == nil {
		return nil, err
	}
	return newProjectRecord(s, *p), nil
}

// ProjectByName returns the project whose name matches case-insensitively,
// or nil when absent.
func (s *Store) ProjectByName(ctx context.Context, name string) (*ProjectRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM project WHERE name_lower = ?", types.NameKey(name))
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return newProjectRecord(s, p), nil
}

func (s *Store) listProjects(ctx context.Context, where string, args ...any) ([]*ProjectRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + projectColumns + " FROM project"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY name_lower, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*ProjectRecord
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, newProjectRecord(s, p))
	}
	return out, rows.Err()
}

// Projects returns every project ordered by name then id.
func (s *Store) Projects(ctx context.Context) ([]*ProjectRecord, error) {
	return s.listProjects(ctx, "")
}

// RootProjects returns the projects without a parent.
func (s *Store) RootProjects(ctx context.Context) ([]*ProjectRecord, error) {
	return s.listProjects(ctx, "parent_id IS NULL")
}

// ProjectKids returns the immediate children of projectID.
func (s *Store) ProjectKids(ctx context.Context, projectID string) ([]*ProjectRecord, error) {
	return s.listProjects(ctx, "parent_id = ?", projectID)
}

// saveProject writes the changed fields of row. Unchanged fields are
// refreshed from the stored row.
func (s *Store) saveProject(ctx context.Context, row *types.Project, changed fields) error {
	next := *row
	saved := s.timestamp()
	err := s.update(ctx, "save_project", func(tx *sql.Tx) error {
		cur, err := projectByID(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return types.ErrProjectNotFound
		}
		if !changed["Name"] {
			next.Name = cur.Name
		}
		if !changed["Description"] {
			next.Description = cur.Description
		}
		if !changed["ParentID"] {
			next.ParentID = cur.ParentID
		}

		if err := types.ValidateName(next.Name); err != nil {
			return err
		}
		if err := checkProjectName(ctx, tx, next.Name, next.ID); err != nil {
			return err
		}
		if err := checkProjectParent(ctx, tx, next.ID, types.DerefID(next.ParentID)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE project SET name = ?, name_lower = ?, description = ?, parent_id = ?, save_time = ?
			 WHERE id = ?`,
			next.Name, types.NameKey(next.Name), next.Description, nullable(next.ParentID), saved, next.ID)
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		return requireAffected(res, types.ErrProjectNotFound)
	})
	if err != nil {
		return err
	}
	next.SaveTime = parseTime(saved)
	*row = next
	return nil
}

// DeleteProject removes a project. Projects with children or phases are
// rejected. Direct tasks move to the parent project; a root project with
// direct tasks is rejected.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.update(ctx, "delete_project", func(tx *sql.Tx) error {
		p, err := projectByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return types.ErrProjectNotFound
		}

		for _, check := range []struct {
			query string
			err   error
		}{
			{"SELECT COUNT(*) FROM project WHERE parent_id = ?", types.ErrHasChildren},
			{"SELECT COUNT(*) FROM phase WHERE project_id = ?", types.ErrHasPhases},
		} {
			n, err := count(ctx, tx, check.query, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return check.err
			}
		}

		n, err := count(ctx, tx, "SELECT COUNT(*) FROM task WHERE project_id = ?", id)
		if err != nil {
			return err
		}
		if n > 0 {
			if p.ParentID == nil {
				return types.ErrHasTasks
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE task SET project_id = ?, save_time = ? WHERE project_id = ?",
				*p.ParentID, s.timestamp(), id); err != nil {
				return fmt.Errorf("re-own project tasks: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM project WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		s.log.WithField("project_id", id).WithField("reowned_tasks", n).Debug("project deleted")
		return nil
	})
}

func count(ctx context.Context, q querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// requireAffected maps a zero-row update to notFound.
func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
