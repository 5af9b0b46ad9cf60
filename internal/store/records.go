package store

import (
	"context"
	"time"

	"github.com/mesh-intelligence/dpm/internal/tracking"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// record holds what every Record shares: the owning Store and the
// detached flag set by DeleteFromDB.
type record struct {
	store    *Store
	detached bool
}

func (r *record) live() error {
	if r.detached {
		return types.ErrDetached
	}
	return nil
}

// fields is the set of tracked field names with unsaved edits. Save paths
// take these from the record and everything else from the stored row.
type fields map[string]bool

func changedFields(changes []tracking.Change) fields {
	f := make(fields, len(changes))
	for _, c := range changes {
		f[c.Field] = true
	}
	return f
}

// ProjectRecord is a project row bound to its Store.
type ProjectRecord struct {
	record
	row   types.Project
	track *tracking.Wrapper[types.Project]
}

func newProjectRecord(s *Store, row types.Project) *ProjectRecord {
	r := &ProjectRecord{record: record{store: s}, row: row}
	r.track = tracking.Wrap(&r.row)
	return r
}

func (r *ProjectRecord) ID() string          { return r.row.ID }
func (r *ProjectRecord) Name() string        { return r.row.Name }
func (r *ProjectRecord) Description() string { return r.row.Description }
func (r *ProjectRecord) ParentID() string    { return types.DerefID(r.row.ParentID) }
func (r *ProjectRecord) SaveTime() time.Time { return r.row.SaveTime }

// Row returns a copy of the current field values.
func (r *ProjectRecord) Row() types.Project { return r.row }

// Detached reports whether the record was deleted.
func (r *ProjectRecord) Detached() bool { return r.detached }

func (r *ProjectRecord) IsChanged() bool            { return r.track.IsChanged() }
func (r *ProjectRecord) Changes() []tracking.Change { return r.track.Changes() }

// Revert discards unsaved changes.
func (r *ProjectRecord) Revert() { r.track.Revert() }

func (r *ProjectRecord) SetName(name string) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := types.ValidateName(name); err != nil {
		return err
	}
	r.row.Name = name
	return nil
}

func (r *ProjectRecord) SetDescription(desc string) error {
	if err := r.live(); err != nil {
		return err
	}
	r.row.Description = desc
	return nil
}

// SetParent moves the project under parentID, or to the root when parentID
// is empty. The cycle guard runs now and again at save.
func (r *ProjectRecord) SetParent(ctx context.Context, parentID string) error {
	if err := r.live(); err != nil {
		return err
	}
	q, err := r.store.reader()
	if err != nil {
		return err
	}
	if err := checkProjectParent(ctx, q, r.row.ID, parentID); err != nil {
		return err
	}
	r.row.ParentID = types.OptionalID(parentID)
	return nil
}

// Save persists changed fields. It returns false without writing when
// nothing changed.
func (r *ProjectRecord) Save(ctx context.Context) (bool, error) {
	if err := r.live(); err != nil {
		return false, err
	}
	if !r.track.IsChanged() {
		return false, nil
	}
	if err := r.store.saveProject(ctx, &r.row, changedFields(r.track.Changes())); err != nil {
		return false, err
	}
	r.track.Reset()
	return true, nil
}

// DeleteFromDB deletes the project and detaches the record.
func (r *ProjectRecord) DeleteFromDB(ctx context.Context) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.store.DeleteProject(ctx, r.row.ID); err != nil {
		return err
	}
	r.detached = true
	return nil
}

// Kids returns the immediate child projects ordered by name.
func (r *ProjectRecord) Kids(ctx context.Context) ([]*ProjectRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.ProjectKids(ctx, r.row.ID)
}

// Phases returns the project's phases in chain order.
func (r *ProjectRecord) Phases(ctx context.Context) ([]*PhaseRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.PhasesForProject(ctx, r.row.ID)
}

// Tasks returns every task whose effective project is this one.
func (r *ProjectRecord) Tasks(ctx context.Context) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.TasksForProject(ctx, r.row.ID)
}

// Parent returns the parent project, or nil for a root project.
func (r *ProjectRecord) Parent(ctx context.Context) (*ProjectRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	if r.row.ParentID == nil {
		return nil, nil
	}
	return r.store.ProjectByID(ctx, *r.row.ParentID)
}

// NewPhase creates a phase in this project. With an empty follows the phase
// is appended at the chain tail.
func (r *ProjectRecord) NewPhase(ctx context.Context, name, description, follows string) (*PhaseRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.AddPhase(ctx, r.row.ID, name, description, follows)
}

// PhaseRecord is a phase row bound to its Store.
type PhaseRecord struct {
	record
	row   types.Phase
	track *tracking.Wrapper[types.Phase]
}

func newPhaseRecord(s *Store, row types.Phase) *PhaseRecord {
	r := &PhaseRecord{record: record{store: s}, row: row}
	r.track = tracking.Wrap(&r.row)
	return r
}

func (r *PhaseRecord) ID() string          { return r.row.ID }
func (r *PhaseRecord) Name() string        { return r.row.Name }
func (r *PhaseRecord) Description() string { return r.row.Description }
func (r *PhaseRecord) ProjectID() string   { return r.row.ProjectID }
func (r *PhaseRecord) FollowsID() string   { return types.DerefID(r.row.Follows) }
func (r *PhaseRecord) SaveTime() time.Time { return r.row.SaveTime }
func (r *PhaseRecord) Row() types.Phase    { return r.row }
func (r *PhaseRecord) Detached() bool      { return r.detached }

func (r *PhaseRecord) IsChanged() bool            { return r.track.IsChanged() }
func (r *PhaseRecord) Changes() []tracking.Change { return r.track.Changes() }
func (r *PhaseRecord) Revert()                    { r.track.Revert() }

func (r *PhaseRecord) SetName(name string) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := types.ValidateName(name); err != nil {
		return err
	}
	r.row.Name = name
	return nil
}

func (r *PhaseRecord) SetDescription(desc string) error {
	if err := r.live(); err != nil {
		return err
	}
	r.row.Description = desc
	return nil
}

// SetFollows places the phase directly after phaseID on save. An empty
// phaseID makes the phase a chain start. The target must be another phase
// of the same project.
func (r *PhaseRecord) SetFollows(ctx context.Context, phaseID string) error {
	if err := r.live(); err != nil {
		return err
	}
	if phaseID != "" {
		q, err := r.store.reader()
		if err != nil {
			return err
		}
		if err := checkFollowsTarget(ctx, q, r.row.ID, r.row.ProjectID, phaseID); err != nil {
			return err
		}
	}
	r.row.Follows = types.OptionalID(phaseID)
	return nil
}

func (r *PhaseRecord) Save(ctx context.Context) (bool, error) {
	if err := r.live(); err != nil {
		return false, err
	}
	if !r.track.IsChanged() {
		return false, nil
	}
	if err := r.store.savePhase(ctx, &r.row, changedFields(r.track.Changes())); err != nil {
		return false, err
	}
	r.track.Reset()
	return true, nil
}

// DeleteFromDB deletes the phase, re-owning its tasks by the project and
// relinking its follower, then detaches the record.
func (r *PhaseRecord) DeleteFromDB(ctx context.Context) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.store.DeletePhase(ctx, r.row.ID); err != nil {
		return err
	}
	r.detached = true
	return nil
}

// Follows returns the phase this one follows, or nil at a chain start.
func (r *PhaseRecord) Follows(ctx context.Context) (*PhaseRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	if r.row.Follows == nil {
		return nil, nil
	}
	return r.store.PhaseByID(ctx, *r.row.Follows)
}

// Follower returns the phase that follows this one, or nil.
func (r *PhaseRecord) Follower(ctx context.Context) (*PhaseRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.PhaseFollower(ctx, r.row.ID)
}

func (r *PhaseRecord) Project(ctx context.Context) (*ProjectRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.ProjectByID(ctx, r.row.ProjectID)
}

func (r *PhaseRecord) Tasks(ctx context.Context) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.TasksForPhase(ctx, r.row.ID)
}

// ChangeProject moves the phase and its tasks to the end of projectID's
// chain. The record is reloaded from the store afterwards; unsaved edits
// are discarded.
func (r *PhaseRecord) ChangeProject(ctx context.Context, projectID string) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.store.MovePhaseAndTasksToProject(ctx, r.row.ID, projectID); err != nil {
		return err
	}
	fresh, err := r.store.PhaseByID(ctx, r.row.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return types.ErrPhaseNotFound
	}
	r.row = fresh.row
	r.track.Reset()
	return nil
}

// TaskRecord is a task row bound to its Store.
type TaskRecord struct {
	record
	row   types.Task
	track *tracking.Wrapper[types.Task]
}

func newTaskRecord(s *Store, row types.Task) *TaskRecord {
	r := &TaskRecord{record: record{store: s}, row: row}
	r.track = tracking.Wrap(&r.row)
	return r
}

func (r *TaskRecord) ID() string          { return r.row.ID }
func (r *TaskRecord) Name() string        { return r.row.Name }
func (r *TaskRecord) Description() string { return r.row.Description }
func (r *TaskRecord) Status() string      { return r.row.Status }
func (r *TaskRecord) ProjectID() string   { return types.DerefID(r.row.ProjectID) }
func (r *TaskRecord) PhaseID() string     { return types.DerefID(r.row.PhaseID) }
func (r *TaskRecord) SaveTime() time.Time { return r.row.SaveTime }
func (r *TaskRecord) Row() types.Task     { return r.row }
func (r *TaskRecord) Detached() bool      { return r.detached }

func (r *TaskRecord) IsChanged() bool            { return r.track.IsChanged() }
func (r *TaskRecord) Changes() []tracking.Change { return r.track.Changes() }
func (r *TaskRecord) Revert()                    { r.track.Revert() }

func (r *TaskRecord) SetName(name string) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := types.ValidateName(name); err != nil {
		return err
	}
	r.row.Name = name
	return nil
}

func (r *TaskRecord) SetDescription(desc string) error {
	if err := r.live(); err != nil {
		return err
	}
	r.row.Description = desc
	return nil
}

func (r *TaskRecord) SetStatus(status string) error {
	if err := r.live(); err != nil {
		return err
	}
	if !types.ValidStatus(status) {
		return types.ErrInvalidStatus
	}
	r.row.Status = status
	return nil
}

func (r *TaskRecord) Save(ctx context.Context) (bool, error) {
	if err := r.live(); err != nil {
		return false, err
	}
	if !r.track.IsChanged() {
		return false, nil
	}
	if err := r.store.saveTask(ctx, &r.row, changedFields(r.track.Changes())); err != nil {
		return false, err
	}
	r.track.Reset()
	return true, nil
}

// DeleteFromDB deletes the task and its blocker edges, then detaches the
// record.
func (r *TaskRecord) DeleteFromDB(ctx context.Context) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.store.DeleteTask(ctx, r.row.ID); err != nil {
		return err
	}
	r.detached = true
	return nil
}

// AddToProject makes projectID the direct owner and saves. Phase ownership
// is cleared. The save also writes any other pending edits on the record; on
// failure only the owner is restored and those edits stay pending.
func (r *TaskRecord) AddToProject(ctx context.Context, projectID string) error {
	if err := r.live(); err != nil {
		return err
	}
	prev := r.row
	r.row.ProjectID = types.OptionalID(projectID)
	r.row.PhaseID = nil
	if _, err := r.Save(ctx); err != nil {
		r.row.ProjectID, r.row.PhaseID = prev.ProjectID, prev.PhaseID
		return err
	}
	return nil
}

// AddToPhase makes phaseID the owner and saves. A phase in a different
// project than the task's current effective project is rejected unless
// moveToProject is set. Pending edits are saved or kept as AddToProject does.
func (r *TaskRecord) AddToPhase(ctx context.Context, phaseID string, moveToProject bool) error {
	if err := r.live(); err != nil {
		return err
	}
	phase, err := r.store.PhaseByID(ctx, phaseID)
	if err != nil {
		return err
	}
	if phase == nil {
		return types.ErrPhaseNotFound
	}
	if !moveToProject {
		current, err := r.EffectiveProjectID(ctx)
		if err != nil {
			return err
		}
		if current != phase.ProjectID() {
			return types.ErrCrossProject
		}
	}

	prev := r.row
	r.row.PhaseID = types.OptionalID(phaseID)
	r.row.ProjectID = nil
	if _, err := r.Save(ctx); err != nil {
		r.row.ProjectID, r.row.PhaseID = prev.ProjectID, prev.PhaseID
		return err
	}
	return nil
}

// EffectiveProjectID returns the direct project, or the owning phase's
// project.
func (r *TaskRecord) EffectiveProjectID(ctx context.Context) (string, error) {
	if err := r.live(); err != nil {
		return "", err
	}
	if r.row.ProjectID != nil {
		return *r.row.ProjectID, nil
	}
	if r.row.PhaseID == nil {
		return "", types.ErrInvalidOwner
	}
	phase, err := r.store.PhaseByID(ctx, *r.row.PhaseID)
	if err != nil {
		return "", err
	}
	if phase == nil {
		return "", types.ErrPhaseNotFound
	}
	return phase.ProjectID(), nil
}

// AddBlocker records that blocking must finish before this task. Edges that
// would close a loop through the existing blockers are rejected.
func (r *TaskRecord) AddBlocker(ctx context.Context, blocking string) error {
	if err := r.live(); err != nil {
		return err
	}
	return r.store.AddTaskBlockerNoLoop(ctx, blocking, r.row.ID)
}

func (r *TaskRecord) DeleteBlocker(ctx context.Context, blocking string) error {
	if err := r.live(); err != nil {
		return err
	}
	return r.store.DeleteTaskBlocker(ctx, blocking, r.row.ID)
}

// Blockers returns the tasks that directly block this one.
func (r *TaskRecord) Blockers(ctx context.Context) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.TaskBlockers(ctx, r.row.ID, false)
}

// OpenBlockers returns the direct blockers that are not Done.
func (r *TaskRecord) OpenBlockers(ctx context.Context) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.TaskBlockers(ctx, r.row.ID, true)
}

// AllBlockers returns every task upstream of this one. With onlyOpen, Done
// tasks are skipped but still traversed.
func (r *TaskRecord) AllBlockers(ctx context.Context, onlyOpen bool) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.AllTaskBlockers(ctx, r.row.ID, onlyOpen)
}

// BlocksTasks returns the tasks this one directly blocks.
func (r *TaskRecord) BlocksTasks(ctx context.Context) ([]*TaskRecord, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return r.store.TasksBlocked(ctx, r.row.ID)
}
