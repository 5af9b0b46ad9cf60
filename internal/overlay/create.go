package overlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

// AddProject creates a project and classifies it as taxon, which must be
// one of Vision, Subsystem, Deliverable or Epic. Only epics take a
// guardrail; a zero guardrail means production.
func (o *Overlay) AddProject(ctx context.Context, taxon Taxon, name, description, parentID string, guard Guardrail) (*Entry, error) {
	if !taxon.Valid() || taxon.Kind() != KindProject {
		return nil, fmt.Errorf("%w: %q is not a project taxon", ErrInvalidTaxon, taxon)
	}
	if err := o.checkProjectParent(ctx, taxon, parentID); err != nil {
		return nil, err
	}
	g, err := pickGuardrail(taxon, guard, Production)
	if err != nil {
		return nil, err
	}
	p, err := o.store.AddProject(ctx, name, description, parentID)
	if err != nil {
		return nil, err
	}
	if err := o.put(ctx, KindProject, p.ID(), taxon, g); err != nil {
		return nil, o.undo(err, o.store.DeleteProject(ctx, p.ID()))
	}
	o.log.WithField("taxon", taxon).WithField("project_id", p.ID()).Debug("project classified")
	return &Entry{Kind: KindProject, EntityID: p.ID(), Name: p.Name(), Taxon: taxon, Guardrail: g}, nil
}

// AddStory creates a phase in a classified project and marks it a story.
// The guardrail defaults to the enclosing epic's, then production.
func (o *Overlay) AddStory(ctx context.Context, projectID, name, description, follows string, guard Guardrail) (*Entry, error) {
	inherited, err := o.storyParent(ctx, projectID)
	if err != nil {
		return nil, err
	}
	g, err := pickGuardrail(Story, guard, inherited)
	if err != nil {
		return nil, err
	}
	ph, err := o.store.AddPhase(ctx, projectID, name, description, follows)
	if err != nil {
		return nil, err
	}
	if err := o.put(ctx, KindPhase, ph.ID(), Story, g); err != nil {
		return nil, o.undo(err, o.store.DeletePhase(ctx, ph.ID()))
	}
	return &Entry{Kind: KindPhase, EntityID: ph.ID(), Name: ph.Name(), Taxon: Story, Guardrail: g}, nil
}

// AddTask creates a task owned by a story phase or a classified project.
// Exactly one of phaseID and projectID must be set. The guardrail resolves
// explicit, then story, then epic, then production.
func (o *Overlay) AddTask(ctx context.Context, name, description, projectID, phaseID string, guard Guardrail) (*Entry, error) {
	if (projectID == "") == (phaseID == "") {
		return nil, types.ErrInvalidOwner
	}
	inherited, err := o.taskParent(ctx, projectID, phaseID)
	if err != nil {
		return nil, err
	}
	g, err := pickGuardrail(SWTask, guard, inherited)
	if err != nil {
		return nil, err
	}
	t, err := o.store.AddTask(ctx, types.Task{
		Name:        name,
		Description: description,
		ProjectID:   types.OptionalID(projectID),
		PhaseID:     types.OptionalID(phaseID),
	})
	if err != nil {
		return nil, err
	}
	if err := o.put(ctx, KindTask, t.ID(), SWTask, g); err != nil {
		return nil, o.undo(err, o.store.DeleteTask(ctx, t.ID()))
	}
	return &Entry{Kind: KindTask, EntityID: t.ID(), Name: t.Name(), Taxon: SWTask, Guardrail: g}, nil
}

// undo reports a failed classification along with any failure to remove
// the core entity created for it.
func (o *Overlay) undo(cause, cleanup error) error {
	if cleanup != nil {
		o.log.WithError(cleanup).Warn("could not remove unclassified entity")
		return errors.Join(cause, cleanup)
	}
	return cause
}
