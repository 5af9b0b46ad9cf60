package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

const phaseColumns = "id, name, description, project_id, follows, save_time"

func scanPhase(sc scanner) (types.Phase, error) {
	var (
		p       types.Phase
		follows sql.NullString
		saved   string
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Description, &p.ProjectID, &follows, &saved); err != nil {
		return types.Phase{}, err
	}
	p.Follows = scanNullable(follows)
	p.SaveTime = parseTime(saved)
	return p, nil
}

func phaseByID(ctx context.Context, q querier, id string) (*types.Phase, error) {
	p, err := scanPhase(q.QueryRowContext(ctx, "SELECT "+phaseColumns+" FROM phase WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get phase %s: %w", id, err)
	}
	return &p, nil
}

func queryPhases(ctx context.Context, q querier, where string, args ...any) ([]types.Phase, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+phaseColumns+" FROM phase WHERE "+where+" ORDER BY name_lower, id", args...)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var out []types.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// followerOf returns the phase whose follows is id, ignoring exceptID.
func followerOf(ctx context.Context, q querier, id, exceptID string) (*types.Phase, error) {
	p, err := scanPhase(q.QueryRowContext(ctx,
		"SELECT "+phaseColumns+" FROM phase WHERE follows = ? AND id <> ? ORDER BY name_lower, id LIMIT 1",
		id, exceptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get follower of %s: %w", id, err)
	}
	return &p, nil
}

// orderChain arranges phases in traversal order. Chain starts (follows is
// nil) are walked in the given order; phases not reachable from a start are
// appended afterwards so nothing is dropped.
func orderChain(phases []types.Phase) []types.Phase {
	next := make(map[string]int, len(phases))
	for i, p := range phases {
		if p.Follows == nil {
			continue
		}
		if _, taken := next[*p.Follows]; !taken {
			next[*p.Follows] = i
		}
	}

	visited := make([]bool, len(phases))
	out := make([]types.Phase, 0, len(phases))
	walk := func(i int) {
		for !visited[i] {
			visited[i] = true
			out = append(out, phases[i])
			j, ok := next[phases[i].ID]
			if !ok {
				return
			}
			i = j
		}
	}
	for i, p := range phases {
		if p.Follows == nil {
			walk(i)
		}
	}
	for i := range phases {
		walk(i)
	}
	return out
}

// chainTail returns the id of the last phase in projectID's chain that has
// no follower, or nil for a project without phases.
func chainTail(ctx context.Context, q querier, projectID string) (*string, error) {
	phases, err := queryPhases(ctx, q, "project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	followed := make(map[string]bool, len(phases))
	for _, p := range phases {
		if p.Follows != nil {
			followed[*p.Follows] = true
		}
	}
	ordered := orderChain(phases)
	for i := len(ordered) - 1; i >= 0; i-- {
		if !followed[ordered[i].ID] {
			id := ordered[i].ID
			return &id, nil
		}
	}
	return nil, nil
}

func checkPhaseName(ctx context.Context, q querier, projectID, name, exceptID string) error {
	var id string
	err := q.QueryRowContext(ctx,
		"SELECT id FROM phase WHERE project_id = ? AND name_lower = ?",
		projectID, types.NameKey(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check phase name: %w", err)
	}
	if id != exceptID {
		return fmt.Errorf("%w: phase %q", types.ErrDuplicateName, name)
	}
	return nil
}

// checkFollowsTarget verifies that phaseID may follow targetID.
func checkFollowsTarget(ctx context.Context, q querier, phaseID, projectID, targetID string) error {
	if targetID == phaseID {
		return types.ErrSelfFollow
	}
	target, err := phaseByID(ctx, q, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return types.ErrPhaseNotFound
	}
	if target.ProjectID != projectID {
		return types.ErrCrossProject
	}
	return nil
}

// AddPhase creates a phase in projectID. With an empty follows the phase is
// appended at the chain tail; otherwise it is inserted directly after
// follows and the target's previous follower moves behind the new phase.
func (s *Store) AddPhase(ctx context.Context, projectID, name, description, follows string) (*PhaseRecord, error) {
	var row types.Phase
	err := s.update(ctx, "add_phase", func(tx *sql.Tx) error {
		if err := types.ValidateName(name); err != nil {
			return err
		}
		ok, err := exists(ctx, tx, "project", projectID)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrProjectNotFound
		}
		if err := checkPhaseName(ctx, tx, projectID, name, ""); err != nil {
			return err
		}

		row = types.Phase{
			ID:          newID(),
			Name:        name,
			Description: description,
			ProjectID:   projectID,
		}
		var displaced *types.Phase
		if follows == "" {
			if row.Follows, err = chainTail(ctx, tx, projectID); err != nil {
				return err
			}
		} else {
			if err := checkFollowsTarget(ctx, tx, row.ID, projectID, follows); err != nil {
				return err
			}
			row.Follows = &follows
			if displaced, err = followerOf(ctx, tx, follows, ""); err != nil {
				return err
			}
		}

		saved := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phase (id, name, name_lower, description, project_id, follows, save_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Name, types.NameKey(row.Name), row.Description, row.ProjectID,
			nullable(row.Follows), saved); err != nil {
			return fmt.Errorf("insert phase: %w", err)
		}
		if displaced != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE phase SET follows = ?, save_time = ? WHERE id = ?",
				row.ID, saved, displaced.ID); err != nil {
				return fmt.Errorf("relink follower: %w", err)
			}
		}
		row.SaveTime = parseTime(saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("phase_id", row.ID).WithField("project_id", row.ProjectID).Debug("phase added")
	return newPhaseRecord(s, row), nil
}

// PhaseByID returns the phase with id, or nil when absent.
func (s *Store) PhaseByID(ctx context.Context, id string) (*PhaseRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	p, err := phaseByID(ctx, q, id)
	if err != nil || p == nil {
		return nil, err
	}
	return newPhaseRecord(s, *p), nil
}

// PhaseByName returns the phase of projectID whose name matches
// case-insensitively, or nil.
func (s *Store) PhaseByName(ctx context.Context, projectID, name string) (*PhaseRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	p, err := scanPhase(q.QueryRowContext(ctx,
		"SELECT "+phaseColumns+" FROM phase WHERE project_id = ? AND name_lower = ?",
		projectID, types.NameKey(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get phase by name: %w", err)
	}
	return newPhaseRecord(s, p), nil
}

// PhaseFollower returns the phase directly after id in its chain, or nil.
func (s *Store) PhaseFollower(ctx context.Context, id string) (*PhaseRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	p, err := followerOf(ctx, q, id, "")
	if err != nil || p == nil {
		return nil, err
	}
	return newPhaseRecord(s, *p), nil
}

// PhasesForProject returns projectID's phases in chain order.
func (s *Store) PhasesForProject(ctx context.Context, projectID string) ([]*PhaseRecord, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	phases, err := queryPhases(ctx, q, "project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	ordered := orderChain(phases)
	out := make([]*PhaseRecord, len(ordered))
	for i, p := range ordered {
		out[i] = newPhaseRecord(s, p)
	}
	return out, nil
}

// detachPhase closes the gap left by p: any phase following p now follows
// p.Follows.
func detachPhase(ctx context.Context, tx *sql.Tx, p *types.Phase, saved string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE phase SET follows = ?, save_time = ? WHERE follows = ? AND id <> ?",
		nullable(p.Follows), saved, p.ID, p.ID); err != nil {
		return fmt.Errorf("detach phase %s: %w", p.ID, err)
	}
	return nil
}

// savePhase writes the changed fields of row. A changed follows detaches the
// phase from its old position and inserts it after the new target.
func (s *Store) savePhase(ctx context.Context, row *types.Phase, changed fields) error {
	next := *row
	saved := s.timestamp()
	err := s.update(ctx, "save_phase", func(tx *sql.Tx) error {
		cur, err := phaseByID(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return types.ErrPhaseNotFound
		}
		if err := types.ValidateName(next.Name); err != nil {
			return err
		}

		// Project changes go through MovePhaseAndTasksToProject.
		next.ProjectID = cur.ProjectID
		if !changed["Name"] {
			next.Name = cur.Name
		}
		if !changed["Description"] {
			next.Description = cur.Description
		}
		if !changed["Follows"] {
			next.Follows = cur.Follows
		}
		if err := checkPhaseName(ctx, tx, next.ProjectID, next.Name, next.ID); err != nil {
			return err
		}

		if types.DerefID(next.Follows) != types.DerefID(cur.Follows) {
			if next.Follows != nil {
				if err := checkFollowsTarget(ctx, tx, next.ID, next.ProjectID, *next.Follows); err != nil {
					return err
				}
			}
			if err := detachPhase(ctx, tx, cur, saved); err != nil {
				return err
			}
			if next.Follows != nil {
				displaced, err := followerOf(ctx, tx, *next.Follows, next.ID)
				if err != nil {
					return err
				}
				if displaced != nil {
					if _, err := tx.ExecContext(ctx,
						"UPDATE phase SET follows = ?, save_time = ? WHERE id = ?",
						next.ID, saved, displaced.ID); err != nil {
						return fmt.Errorf("relink follower: %w", err)
					}
				}
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE phase SET name = ?, name_lower = ?, description = ?, follows = ?, save_time = ?
			 WHERE id = ?`,
			next.Name, types.NameKey(next.Name), next.Description, nullable(next.Follows), saved, next.ID)
		if err != nil {
			return fmt.Errorf("update phase: %w", err)
		}
		return requireAffected(res, types.ErrPhaseNotFound)
	})
	if err != nil {
		return err
	}
	next.SaveTime = parseTime(saved)
	*row = next
	return nil
}

// DeletePhase removes a phase in one transaction: its tasks fall back to
// the project, its follower is relinked to the phase's own follows target,
// then the row is deleted.
func (s *Store) DeletePhase(ctx context.Context, id string) error {
	return s.update(ctx, "delete_phase", func(tx *sql.Tx) error {
		p, err := phaseByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return types.ErrPhaseNotFound
		}
		saved := s.timestamp()

		res, err := tx.ExecContext(ctx,
			"UPDATE task SET project_id = ?, phase_id = NULL, save_time = ? WHERE phase_id = ?",
			p.ProjectID, saved, id)
		if err != nil {
			return fmt.Errorf("re-own phase tasks: %w", err)
		}
		if err := detachPhase(ctx, tx, p, saved); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM phase WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete phase: %w", err)
		}

		moved, _ := res.RowsAffected()
		s.log.WithField("phase_id", id).WithField("reowned_tasks", moved).Debug("phase deleted")
		return nil
	})
}

// MovePhaseAndTasksToProject moves a phase to the end of projectID's chain.
// The source chain is closed over the gap and the phase's tasks move with
// it.
func (s *Store) MovePhaseAndTasksToProject(ctx context.Context, phaseID, projectID string) error {
	return s.update(ctx, "move_phase", func(tx *sql.Tx) error {
		p, err := phaseByID(ctx, tx, phaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return types.ErrPhaseNotFound
		}
		return s.movePhase(ctx, tx, p, projectID, s.timestamp())
	})
}

func (s *Store) movePhase(ctx context.Context, tx *sql.Tx, p *types.Phase, projectID, saved string) error {
	if p.ProjectID == projectID {
		return nil
	}
	ok, err := exists(ctx, tx, "project", projectID)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrProjectNotFound
	}
	if err := checkPhaseName(ctx, tx, projectID, p.Name, p.ID); err != nil {
		return err
	}

	if err := detachPhase(ctx, tx, p, saved); err != nil {
		return err
	}
	tail, err := chainTail(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE phase SET project_id = ?, follows = ?, save_time = ? WHERE id = ?",
		projectID, nullable(tail), saved, p.ID); err != nil {
		return fmt.Errorf("move phase: %w", err)
	}
	s.log.WithField("phase_id", p.ID).
		WithField("from_project", p.ProjectID).
		WithField("to_project", projectID).
		Debug("phase moved")
	return nil
}
