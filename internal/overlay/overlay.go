// Package overlay maps a software planning taxonomy onto the core
// project, phase and task entities of a domain store.
//
// Vision, Subsystem, Deliverable and Epic are projects, Story is a phase and
// SWTask is a task. The mapping lives in one table, sw_taxon, next to the
// core schema. Core entities are never subclassed; an overlay row only
// classifies an existing entity and, for epics, stories and tasks, records
// its guardrail.
package overlay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// Kind is the core entity type an overlay row refers to.
type Kind string

const (
	KindProject Kind = "project"
	KindPhase   Kind = "phase"
	KindTask    Kind = "task"
)

// Taxon is a software taxonomy level.
type Taxon string

const (
	Vision      Taxon = "vision"
	Subsystem   Taxon = "subsystem"
	Deliverable Taxon = "deliverable"
	Epic        Taxon = "epic"
	Story       Taxon = "story"
	SWTask      Taxon = "swtask"
)

// Kind returns the core entity type the taxon applies to.
func (t Taxon) Kind() Kind {
	switch t {
	case Story:
		return KindPhase
	case SWTask:
		return KindTask
	default:
		return KindProject
	}
}

// Valid reports whether t is a known taxon.
func (t Taxon) Valid() bool {
	switch t {
	case Vision, Subsystem, Deliverable, Epic, Story, SWTask:
		return true
	}
	return false
}

// hasGuardrail reports whether rows of this taxon carry a guardrail.
func (t Taxon) hasGuardrail() bool {
	return t == Epic || t == Story || t == SWTask
}

// parents lists the taxa a project-level taxon may be nested under.
var parents = map[Taxon][]Taxon{
	Subsystem:   {Vision},
	Deliverable: {Subsystem, Vision},
	Epic:        {Deliverable, Subsystem, Vision},
}

// Guardrail is the quality bar applied to epics, stories and tasks.
type Guardrail string

const (
	Production Guardrail = "production"
	MVP        Guardrail = "mvp"
	Prototype  Guardrail = "prototype"
	POC        Guardrail = "poc"
	Study      Guardrail = "study"
	Research   Guardrail = "research"
)

// Valid reports whether g is a known guardrail.
func (g Guardrail) Valid() bool {
	switch g {
	case Production, MVP, Prototype, POC, Study, Research:
		return true
	}
	return false
}

// Overlay errors.
var (
	ErrInvalidTaxon     = fmt.Errorf("%w: unknown taxon", types.ErrValidation)
	ErrInvalidGuardrail = fmt.Errorf("%w: unknown guardrail", types.ErrValidation)
	ErrTaxonParent      = fmt.Errorf("%w: taxon not allowed under this parent", types.ErrValidation)
	ErrUnclassified     = fmt.Errorf("%w: entity has no taxon", types.ErrNotFound)
)

// Entry is one classified entity.
type Entry struct {
	Kind      Kind      `json:"kind"`
	EntityID  string    `json:"entity_id"`
	Name      string    `json:"name"`
	Taxon     Taxon     `json:"taxon"`
	Guardrail Guardrail `json:"guardrail,omitempty"` // empty for vision, subsystem and deliverable
}

const createTaxonTable = `CREATE TABLE IF NOT EXISTS sw_taxon (
    entity_kind TEXT NOT NULL CHECK (entity_kind IN ('project', 'phase', 'task')),
    entity_id TEXT NOT NULL,
    taxon TEXT NOT NULL,
    guardrail TEXT NULL,
    PRIMARY KEY (entity_kind, entity_id)
);`

const createTaxonIndex = `CREATE INDEX IF NOT EXISTS idx_sw_taxon_taxon ON sw_taxon(taxon)`

// Overlay is the software taxonomy view of one domain store.
type Overlay struct {
	store *store.Store
	log   logrus.FieldLogger
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Overlay) { o.log = l }
}

// New attaches the overlay to s, creating its table if needed.
func New(ctx context.Context, s *store.Store, opts ...Option) (*Overlay, error) {
	o := &Overlay{store: s, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	err := s.Update(ctx, "overlay_init", func(tx *sql.Tx) error {
		for _, stmt := range []string{createTaxonTable, createTaxonIndex} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create overlay schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Store returns the underlying domain store.
func (o *Overlay) Store() *store.Store { return o.store }

const entryQuery = `SELECT x.entity_kind, x.entity_id, x.taxon, COALESCE(x.guardrail, ''),
    COALESCE(p.name, ph.name, t.name, '')
FROM sw_taxon x
LEFT JOIN project p ON x.entity_kind = 'project' AND p.id = x.entity_id
LEFT JOIN phase ph ON x.entity_kind = 'phase' AND ph.id = x.entity_id
LEFT JOIN task t ON x.entity_kind = 'task' AND t.id = x.entity_id`

func scanEntry(sc interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var kind, taxon, guard string
	if err := sc.Scan(&kind, &e.EntityID, &taxon, &guard, &e.Name); err != nil {
		return Entry{}, err
	}
	e.Kind, e.Taxon, e.Guardrail = Kind(kind), Taxon(taxon), Guardrail(guard)
	return e, nil
}

// Lookup returns the overlay entry for an entity, or nil when it is not
// classified.
func (o *Overlay) Lookup(ctx context.Context, kind Kind, id string) (*Entry, error) {
	var out *Entry
	err := o.store.View(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, entryQuery+" WHERE x.entity_kind = ? AND x.entity_id = ?", string(kind), id)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup taxon: %w", err)
		}
		out = &e
		return nil
	})
	return out, err
}

// List returns entries of taxon ordered by entity name.
func (o *Overlay) List(ctx context.Context, taxon Taxon) ([]Entry, error) {
	if !taxon.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaxon, taxon)
	}
	var out []Entry
	err := o.store.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, entryQuery+" WHERE x.taxon = ? ORDER BY lower(COALESCE(p.name, ph.name, t.name, '')), x.entity_id", string(taxon))
		if err != nil {
			return fmt.Errorf("list taxon: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return fmt.Errorf("scan taxon: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Classify tags an existing entity with taxon. Parent rules are checked
// against the entity's current position. A zero guardrail is inherited.
func (o *Overlay) Classify(ctx context.Context, id string, taxon Taxon, guard Guardrail) (*Entry, error) {
	if !taxon.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaxon, taxon)
	}
	var inherited Guardrail
	var err error
	switch taxon.Kind() {
	case KindProject:
		p, perr := o.store.ProjectByID(ctx, id)
		if perr != nil {
			return nil, perr
		}
		if p == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrProjectNotFound, id)
		}
		err = o.checkProjectParent(ctx, taxon, p.ParentID())
		inherited = Production
	case KindPhase:
		ph, perr := o.store.PhaseByID(ctx, id)
		if perr != nil {
			return nil, perr
		}
		if ph == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrPhaseNotFound, id)
		}
		inherited, err = o.storyParent(ctx, ph.ProjectID())
	case KindTask:
		t, terr := o.store.TaskByID(ctx, id)
		if terr != nil {
			return nil, terr
		}
		if t == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
		}
		inherited, err = o.taskParent(ctx, t.ProjectID(), t.PhaseID())
	}
	if err != nil {
		return nil, err
	}
	g, err := pickGuardrail(taxon, guard, inherited)
	if err != nil {
		return nil, err
	}
	if err := o.put(ctx, taxon.Kind(), id, taxon, g); err != nil {
		return nil, err
	}
	return o.Lookup(ctx, taxon.Kind(), id)
}

// pickGuardrail applies explicit > inherited > production for taxa that
// carry one.
func pickGuardrail(taxon Taxon, explicit, inherited Guardrail) (Guardrail, error) {
	if !taxon.hasGuardrail() {
		if explicit != "" {
			return "", fmt.Errorf("%w: %s does not carry a guardrail", ErrInvalidGuardrail, taxon)
		}
		return "", nil
	}
	if explicit != "" {
		if !explicit.Valid() {
			return "", fmt.Errorf("%w: %q", ErrInvalidGuardrail, explicit)
		}
		return explicit, nil
	}
	if inherited != "" {
		return inherited, nil
	}
	return Production, nil
}

func (o *Overlay) put(ctx context.Context, kind Kind, id string, taxon Taxon, g Guardrail) error {
	var guard any
	if g != "" {
		guard = string(g)
	}
	return o.store.Update(ctx, "overlay_classify", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sw_taxon (entity_kind, entity_id, taxon, guardrail)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (entity_kind, entity_id) DO UPDATE SET taxon = excluded.taxon, guardrail = excluded.guardrail`,
			string(kind), id, string(taxon), guard)
		if err != nil {
			return fmt.Errorf("write taxon: %w", err)
		}
		return nil
	})
}

// checkProjectParent enforces the nesting rules for project-level taxa.
// Root placement is always allowed.
func (o *Overlay) checkProjectParent(ctx context.Context, taxon Taxon, parentID string) error {
	if parentID == "" {
		return nil
	}
	if taxon == Vision {
		return fmt.Errorf("%w: vision must be a root project", ErrTaxonParent)
	}
	parent, err := o.Lookup(ctx, KindProject, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("%w: parent %s is unclassified", ErrTaxonParent, parentID)
	}
	for _, ok := range parents[taxon] {
		if parent.Taxon == ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s under %s", ErrTaxonParent, taxon, parent.Taxon)
}

// storyParent checks that projectID carries a project-level taxon and
// returns the guardrail a story there inherits.
func (o *Overlay) storyParent(ctx context.Context, projectID string) (Guardrail, error) {
	parent, err := o.Lookup(ctx, KindProject, projectID)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", fmt.Errorf("%w: story needs an epic, deliverable, subsystem or vision", ErrTaxonParent)
	}
	return parent.Guardrail, nil
}

// taskParent checks that the task owner is classified and returns the
// inherited guardrail, story first then epic.
func (o *Overlay) taskParent(ctx context.Context, projectID, phaseID string) (Guardrail, error) {
	if phaseID != "" {
		story, err := o.Lookup(ctx, KindPhase, phaseID)
		if err != nil {
			return "", err
		}
		if story != nil {
			return story.Guardrail, nil
		}
		ph, err := o.store.PhaseByID(ctx, phaseID)
		if err != nil {
			return "", err
		}
		if ph == nil {
			return "", fmt.Errorf("%w: %s", types.ErrPhaseNotFound, phaseID)
		}
		projectID = ph.ProjectID()
	}
	parent, err := o.Lookup(ctx, KindProject, projectID)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", fmt.Errorf("%w: task needs a story, epic, deliverable, subsystem or vision", ErrTaxonParent)
	}
	return parent.Guardrail, nil
}

// SetGuardrail changes the guardrail of a classified epic, story or task.
func (o *Overlay) SetGuardrail(ctx context.Context, kind Kind, id string, g Guardrail) error {
	e, err := o.Lookup(ctx, kind, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s %s", ErrUnclassified, kind, id)
	}
	if !e.Taxon.hasGuardrail() {
		return fmt.Errorf("%w: %s does not carry a guardrail", ErrInvalidGuardrail, e.Taxon)
	}
	if !g.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidGuardrail, g)
	}
	return o.put(ctx, kind, id, e.Taxon, g)
}

// Prune removes overlay rows whose core entity no longer exists and
// returns how many were removed.
func (o *Overlay) Prune(ctx context.Context) (int64, error) {
	var n int64
	err := o.store.Update(ctx, "overlay_prune", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sw_taxon WHERE
            (entity_kind = 'project' AND entity_id NOT IN (SELECT id FROM project)) OR
            (entity_kind = 'phase' AND entity_id NOT IN (SELECT id FROM phase)) OR
            (entity_kind = 'task' AND entity_id NOT IN (SELECT id FROM task))`)
		if err != nil {
			return fmt.Errorf("prune taxa: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err == nil && n > 0 {
		o.log.WithField("removed", n).Info("pruned overlay rows")
	}
	return n, err
}
