package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

// AddTaskBlocker records that blocking must finish before blocked. Adding an
// existing edge is a no-op. Cycles through other tasks are not checked here.
func (s *Store) AddTaskBlocker(ctx context.Context, blocking, blocked string) error {
	return s.addBlocker(ctx, "add_blocker", blocking, blocked, false)
}

// AddTaskBlockerNoLoop is AddTaskBlocker that also rejects, with
// ErrBlockerLoop, an edge that would close a loop. The upstream walk runs in
// the same write transaction as the insert.
func (s *Store) AddTaskBlockerNoLoop(ctx context.Context, blocking, blocked string) error {
	return s.addBlocker(ctx, "add_blocker", blocking, blocked, true)
}

// upstreamQuery reports whether the second task is upstream of the first.
const upstreamQuery = `WITH RECURSIVE up(id) AS (
    SELECT requires FROM blockers WHERE item = ?
    UNION
    SELECT b.requires FROM blockers b JOIN up ON b.item = up.id
)
SELECT count(*) FROM up WHERE id = ?`

func (s *Store) addBlocker(ctx context.Context, op, blocking, blocked string, noLoop bool) error {
	if blocking == blocked {
		return types.ErrSelfBlock
	}
	return s.update(ctx, op, func(tx *sql.Tx) error {
		for _, id := range []string{blocking, blocked} {
			ok, err := exists(ctx, tx, "task", id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
			}
		}
		if noLoop {
			n, err := count(ctx, tx, upstreamQuery, blocking, blocked)
			if err != nil {
				return fmt.Errorf("walk blockers: %w", err)
			}
			if n > 0 {
				return types.ErrBlockerLoop
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blockers (id, item, requires) VALUES (?, ?, ?)
			 ON CONFLICT (item, requires) DO NOTHING`,
			newID(), blocked, blocking); err != nil {
			return fmt.Errorf("insert blocker: %w", err)
		}
		return nil
	})
}

// DeleteTaskBlocker removes the edge if present.
func (s *Store) DeleteTaskBlocker(ctx context.Context, blocking, blocked string) error {
	return s.update(ctx, "delete_blocker", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM blockers WHERE item = ? AND requires = ?", blocked, blocking); err != nil {
			return fmt.Errorf("delete blocker: %w", err)
		}
		return nil
	})
}

// TaskBlockers returns the tasks that directly block taskID. With onlyOpen,
// Done tasks are left out.
func (s *Store) TaskBlockers(ctx context.Context, taskID string, onlyOpen bool) ([]*TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM blockers b JOIN task t ON t.id = b.requires WHERE b.item = ?"
	args := []any{taskID}
	if onlyOpen {
		query += " AND t.status <> ?"
		args = append(args, types.StatusDone)
	}
	return s.listTasks(ctx, query, args...)
}

// TasksBlocked returns the tasks that taskID directly blocks.
func (s *Store) TasksBlocked(ctx context.Context, taskID string) ([]*TaskRecord, error) {
	return s.listTasks(ctx,
		"SELECT "+taskColumns+" FROM blockers b JOIN task t ON t.id = b.item WHERE b.requires = ?",
		taskID)
}

// AllTaskBlockers walks the blocker graph upstream from taskID and returns
// every task reached, ordered by name then id. Loops are tolerated. With
// onlyOpen, Done tasks are omitted from the result but still walked.
func (s *Store) AllTaskBlockers(ctx context.Context, taskID string, onlyOpen bool) ([]*TaskRecord, error) {
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	var out []*TaskRecord

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		direct, err := s.TaskBlockers(ctx, id, false)
		if err != nil {
			return nil, err
		}
		for _, t := range direct {
			if seen[t.ID()] {
				continue
			}
			seen[t.ID()] = true
			queue = append(queue, t.ID())
			if onlyOpen && t.Status() == types.StatusDone {
				continue
			}
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := types.NameKey(out[i].Name()), types.NameKey(out[j].Name())
		if a != b {
			return a < b
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

// BlockerEdges returns every blocker edge, ordered by blocked then blocking
// task id.
func (s *Store) BlockerEdges(ctx context.Context) ([]types.Blocker, error) {
	q, err := s.reader()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT id, item, requires FROM blockers ORDER BY item, requires")
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}
	defer rows.Close()

	var out []types.Blocker
	for rows.Next() {
		var b types.Blocker
		if err := rows.Scan(&b.ID, &b.Item, &b.Requires); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
