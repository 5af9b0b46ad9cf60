package store

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

// JSONL dump file names, one per table.
const (
	projectsJSONL = "project.jsonl"
	phasesJSONL   = "phase.jsonl"
	tasksJSONL    = "task.jsonl"
	blockersJSONL = "blockers.jsonl"
)

// ErrNotEmpty is returned by Import when the store already holds rows.
var ErrNotEmpty = fmt.Errorf("%w: store is not empty", types.ErrIntegrity)

// Counts reports how many rows of each table a dump or restore touched.
type Counts struct {
	Projects int `json:"projects"`
	Phases   int `json:"phases"`
	Tasks    int `json:"tasks"`
	Blockers int `json:"blockers"`
}

type blockerLine struct {
	ID       string `json:"id"`
	Item     string `json:"item"`
	Requires string `json:"requires"`
}

// Export writes every row to <dir>/<table>.jsonl, one JSON object per line,
// ordered by id. All tables are read from one snapshot. Each file is
// replaced atomically.
func (s *Store) Export(ctx context.Context, dir string) (Counts, error) {
	db, err := s.handle()
	if err != nil {
		return Counts{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Counts{}, fmt.Errorf("create export directory: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var c Counts
	dumps := []struct {
		file  string
		query string
		n     *int
		scan  func(*sql.Rows) (any, error)
	}{
		{projectsJSONL, "SELECT " + projectColumns + " FROM project ORDER BY id", &c.Projects,
			func(r *sql.Rows) (any, error) { return scanProject(r) }},
		{phasesJSONL, "SELECT " + phaseColumns + " FROM phase ORDER BY id", &c.Phases,
			func(r *sql.Rows) (any, error) { return scanPhase(r) }},
		{tasksJSONL, "SELECT " + taskColumns + " FROM task t ORDER BY t.id", &c.Tasks,
			func(r *sql.Rows) (any, error) { return scanTask(r) }},
		{blockersJSONL, "SELECT id, item, requires FROM blockers ORDER BY id", &c.Blockers,
			func(r *sql.Rows) (any, error) {
				var b blockerLine
				err := r.Scan(&b.ID, &b.Item, &b.Requires)
				return b, err
			}},
	}
	for _, d := range dumps {
		records, err := dumpRows(ctx, tx, d.query, d.scan)
		if err != nil {
			return Counts{}, fmt.Errorf("export %s: %w", d.file, err)
		}
		if err := writeJSONL(filepath.Join(dir, d.file), records); err != nil {
			return Counts{}, fmt.Errorf("export %s: %w", d.file, err)
		}
		*d.n = len(records)
	}

	s.log.WithField("dir", dir).WithField("projects", c.Projects).WithField("tasks", c.Tasks).Info("store exported")
	return c, nil
}

func dumpRows(ctx context.Context, tx *sql.Tx, query string, scan func(*sql.Rows) (any, error)) ([]json.RawMessage, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		line, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// Import loads a dump written by Export into an empty store in one
// transaction. Missing files count as empty tables and malformed lines are
// skipped. Rows are checked against the same rules the CRUD paths enforce;
// any violation rolls the whole import back.
func (s *Store) Import(ctx context.Context, dir string) (Counts, error) {
	var (
		projects []types.Project
		phases   []types.Phase
		tasks    []types.Task
		blockers []blockerLine
	)
	skipped := 0
	for _, load := range []struct {
		file string
		fn   func(json.RawMessage) error
	}{
		{projectsJSONL, appendJSON(&projects)},
		{phasesJSONL, appendJSON(&phases)},
		{tasksJSONL, appendJSON(&tasks)},
		{blockersJSONL, appendJSON(&blockers)},
	} {
		records, bad, err := readJSONL(filepath.Join(dir, load.file))
		if err != nil {
			return Counts{}, fmt.Errorf("import %s: %w", load.file, err)
		}
		skipped += bad
		for _, rec := range records {
			if err := load.fn(rec); err != nil {
				skipped++
			}
		}
	}
	if skipped > 0 {
		s.log.WithField("dir", dir).WithField("skipped", skipped).Warn("skipped malformed dump lines")
	}

	if err := checkDump(projects, phases, tasks, blockers); err != nil {
		return Counts{}, err
	}

	err := s.update(ctx, "import", func(tx *sql.Tx) error {
		n, err := count(ctx, tx, "SELECT (SELECT count(*) FROM project) + (SELECT count(*) FROM task)")
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrNotEmpty
		}
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return fmt.Errorf("defer foreign keys: %w", err)
		}
		if err := s.insertDump(ctx, tx, projects, phases, tasks, blockers); err != nil {
			return err
		}
		return checkForeignKeys(ctx, tx)
	})
	if err != nil {
		return Counts{}, err
	}

	c := Counts{Projects: len(projects), Phases: len(phases), Tasks: len(tasks), Blockers: len(blockers)}
	s.log.WithField("dir", dir).WithField("projects", c.Projects).WithField("tasks", c.Tasks).Info("store imported")
	return c, nil
}

func appendJSON[T any](dst *[]T) func(json.RawMessage) error {
	return func(rec json.RawMessage) error {
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			return err
		}
		*dst = append(*dst, v)
		return nil
	}
}

// checkDump validates rows that the schema alone does not cover.
func checkDump(projects []types.Project, phases []types.Phase, tasks []types.Task, blockers []blockerLine) error {
	parents := make(map[string]string, len(projects))
	projectNames := make(nameIndex, len(projects))
	for _, p := range projects {
		if p.ID == "" {
			return fmt.Errorf("%w: project without id", types.ErrValidation)
		}
		if err := types.ValidateName(p.Name); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if err := projectNames.claim("project", p.ID, p.Name); err != nil {
			return err
		}
		parents[p.ID] = types.DerefID(p.ParentID)
	}
	if err := checkAcyclic(parents); err != nil {
		return fmt.Errorf("project tree: %w", err)
	}

	phaseProject := make(map[string]string, len(phases))
	for _, ph := range phases {
		phaseProject[ph.ID] = ph.ProjectID
	}
	follows := make(map[string]string, len(phases))
	followed := make(map[string]string, len(phases))
	phaseNames := make(map[string]nameIndex)
	for _, ph := range phases {
		if ph.ID == "" {
			return fmt.Errorf("%w: phase without id", types.ErrValidation)
		}
		if err := types.ValidateName(ph.Name); err != nil {
			return fmt.Errorf("phase %s: %w", ph.ID, err)
		}
		if phaseNames[ph.ProjectID] == nil {
			phaseNames[ph.ProjectID] = make(nameIndex)
		}
		if err := phaseNames[ph.ProjectID].claim("phase", ph.ID, ph.Name); err != nil {
			return err
		}
		target := types.DerefID(ph.Follows)
		follows[ph.ID] = target
		if target == "" {
			continue
		}
		if target == ph.ID {
			return fmt.Errorf("phase %s: %w", ph.ID, types.ErrSelfFollow)
		}
		if owner, ok := phaseProject[target]; ok && owner != ph.ProjectID {
			return fmt.Errorf("phase %s: %w", ph.ID, types.ErrCrossProject)
		}
		if other, ok := followed[target]; ok {
			return fmt.Errorf("%w: phases %s and %s both follow %s", types.ErrIntegrity, other, ph.ID, target)
		}
		followed[target] = ph.ID
	}
	if err := checkAcyclic(follows); err != nil {
		return fmt.Errorf("phase chain: %w", err)
	}

	taskNames := make(nameIndex, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task without id", types.ErrValidation)
		}
		if err := types.ValidateName(t.Name); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if err := taskNames.claim("task", t.ID, t.Name); err != nil {
			return err
		}
		if !types.ValidStatus(t.Status) {
			return fmt.Errorf("task %s: %w: %q", t.ID, types.ErrInvalidStatus, t.Status)
		}
		if err := t.ValidateOwner(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	for _, b := range blockers {
		if b.Item == b.Requires {
			return fmt.Errorf("blocker %s: %w", b.ID, types.ErrSelfBlock)
		}
	}
	return nil
}

// nameIndex maps a case-folded name to the id that first used it.
type nameIndex map[string]string

func (n nameIndex) claim(kind, id, name string) error {
	key := types.NameKey(name)
	if other, ok := n[key]; ok {
		return fmt.Errorf("%w: %s %q used by %s and %s", types.ErrDuplicateName, kind, name, other, id)
	}
	n[key] = id
	return nil
}

// checkAcyclic walks every id -> next pointer and reports ErrCycle when a
// walk returns to an id already on its path.
func checkAcyclic(next map[string]string) error {
	done := make(map[string]bool, len(next))
	for start := range next {
		path := map[string]bool{}
		for id := start; id != "" && !done[id]; id = next[id] {
			if path[id] {
				return fmt.Errorf("%w at %s", types.ErrCycle, id)
			}
			path[id] = true
		}
		for id := range path {
			done[id] = true
		}
	}
	return nil
}

func (s *Store) insertDump(ctx context.Context, tx *sql.Tx, projects []types.Project, phases []types.Phase, tasks []types.Task, blockers []blockerLine) error {
	for _, p := range projects {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO project (id, name, name_lower, description, parent_id, save_time) VALUES (?, ?, ?, ?, ?, ?)",
			p.ID, p.Name, types.NameKey(p.Name), p.Description, nullable(p.ParentID), s.dumpTime(p.SaveTime)); err != nil {
			return fmt.Errorf("import project %s: %w", p.ID, err)
		}
	}
	for _, ph := range phases {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO phase (id, name, name_lower, description, project_id, follows, save_time) VALUES (?, ?, ?, ?, ?, ?, ?)",
			ph.ID, ph.Name, types.NameKey(ph.Name), ph.Description, ph.ProjectID, nullable(ph.Follows), s.dumpTime(ph.SaveTime)); err != nil {
			return fmt.Errorf("import phase %s: %w", ph.ID, err)
		}
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO task (id, name, name_lower, status, description, project_id, phase_id, save_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			t.ID, t.Name, types.NameKey(t.Name), t.Status, t.Description, nullable(t.ProjectID), nullable(t.PhaseID), s.dumpTime(t.SaveTime)); err != nil {
			return fmt.Errorf("import task %s: %w", t.ID, err)
		}
	}
	for _, b := range blockers {
		id := b.ID
		if id == "" {
			id = newID()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO blockers (id, item, requires) VALUES (?, ?, ?)", id, b.Item, b.Requires); err != nil {
			return fmt.Errorf("import blocker %s: %w", id, err)
		}
	}
	return nil
}

// checkForeignKeys reports the first dangling reference left in tx, so the
// import rolls back instead of failing at commit.
func checkForeignKeys(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("foreign key check: %w", err)
		}
		return fmt.Errorf("%w: %s row references a missing %s", types.ErrIntegrity, table, parent)
	}
	return rows.Err()
}

// dumpTime keeps an exported save time, or stamps rows that carry none.
func (s *Store) dumpTime(saved time.Time) string {
	if saved.IsZero() {
		return s.timestamp()
	}
	return saved.UTC().Format(timeLayout)
}

// readJSONL returns each non-empty, parseable line of path and the number
// of malformed lines it skipped. A missing file reads as empty.
func readJSONL(path string) ([]json.RawMessage, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var (
		records []json.RawMessage
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			skipped++
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, cp)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, skipped, nil
}

// writeJSONL replaces path with records, one per line, through a synced
// temp file and rename.
func writeJSONL(path string, records []json.RawMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
