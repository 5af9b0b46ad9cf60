package overlay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

func newTestOverlay(t *testing.T) *Overlay {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s, err := store.Open(filepath.Join(t.TempDir(), "sw.sqlite"), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	o, err := New(context.Background(), s, WithLogger(logger))
	require.NoError(t, err)
	return o
}

func TestNew_Idempotent(t *testing.T) {
	o := newTestOverlay(t)
	_, err := New(context.Background(), o.Store())
	require.NoError(t, err)
}

func TestTaxon_Kind(t *testing.T) {
	tests := []struct {
		taxon Taxon
		kind  Kind
	}{
		{Vision, KindProject},
		{Subsystem, KindProject},
		{Deliverable, KindProject},
		{Epic, KindProject},
		{Story, KindPhase},
		{SWTask, KindTask},
	}
	for _, tt := range tests {
		t.Run(string(tt.taxon), func(t *testing.T) {
			assert.True(t, tt.taxon.Valid())
			assert.Equal(t, tt.kind, tt.taxon.Kind())
		})
	}
	assert.False(t, Taxon("initiative").Valid())
	assert.False(t, Guardrail("beta").Valid())
}

func TestAddProject_ParentRules(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)

	vision, err := o.AddProject(ctx, Vision, "Platform", "", "", "")
	require.NoError(t, err)
	assert.Empty(t, vision.Guardrail)

	sub, err := o.AddProject(ctx, Subsystem, "Storage", "", vision.EntityID, "")
	require.NoError(t, err)
	del, err := o.AddProject(ctx, Deliverable, "Backups", "", sub.EntityID, "")
	require.NoError(t, err)
	epic, err := o.AddProject(ctx, Epic, "S3 sink", "", del.EntityID, "")
	require.NoError(t, err)
	assert.Equal(t, Production, epic.Guardrail)

	plain, err := o.Store().AddProject(ctx, "Plain", "", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		taxon    Taxon
		parentID string
		guard    Guardrail
		want     error
	}{
		{"vision must be root", Vision, vision.EntityID, "", ErrTaxonParent},
		{"subsystem under deliverable", Subsystem, del.EntityID, "", ErrTaxonParent},
		{"deliverable under epic", Deliverable, epic.EntityID, "", ErrTaxonParent},
		{"epic under epic", Epic, epic.EntityID, "", ErrTaxonParent},
		{"unclassified parent", Deliverable, plain.ID(), "", ErrTaxonParent},
		{"guardrail on deliverable", Deliverable, vision.EntityID, MVP, ErrInvalidGuardrail},
		{"unknown guardrail", Epic, vision.EntityID, "beta", ErrInvalidGuardrail},
		{"story is not a project taxon", Story, vision.EntityID, "", ErrInvalidTaxon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.AddProject(ctx, tt.taxon, "X "+tt.name, "", tt.parentID, tt.guard)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, types.ErrValidation)
			p, lerr := o.Store().ProjectByName(ctx, "X "+tt.name)
			require.NoError(t, lerr)
			assert.Nil(t, p, "no core project left behind")
		})
	}

	epicUnderVision, err := o.AddProject(ctx, Epic, "Direct", "", vision.EntityID, Prototype)
	require.NoError(t, err)
	assert.Equal(t, Prototype, epicUnderVision.Guardrail)
}

func TestGuardrailInheritance(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)

	vision, err := o.AddProject(ctx, Vision, "V", "", "", "")
	require.NoError(t, err)
	epic, err := o.AddProject(ctx, Epic, "E", "", vision.EntityID, POC)
	require.NoError(t, err)

	story, err := o.AddStory(ctx, epic.EntityID, "S1", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, POC, story.Guardrail, "story inherits epic")

	researchStory, err := o.AddStory(ctx, epic.EntityID, "S2", "", "", Research)
	require.NoError(t, err)
	assert.Equal(t, Research, researchStory.Guardrail)

	visionStory, err := o.AddStory(ctx, vision.EntityID, "S3", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, Production, visionStory.Guardrail, "vision has no guardrail")

	tests := []struct {
		name      string
		projectID string
		phaseID   string
		guard     Guardrail
		want      Guardrail
	}{
		{"explicit wins", "", researchStory.EntityID, Study, Study},
		{"story next", "", researchStory.EntityID, "", Research},
		{"epic when owned by project", epic.EntityID, "", "", POC},
		{"production otherwise", vision.EntityID, "", "", Production},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := o.AddTask(ctx, "T"+string(rune('a'+i)), "", tt.projectID, tt.phaseID, tt.guard)
			require.NoError(t, err)
			assert.Equal(t, SWTask, e.Taxon)
			assert.Equal(t, tt.want, e.Guardrail)
		})
	}
}

func TestAddStory_RequiresClassifiedProject(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)
	plain, err := o.Store().AddProject(ctx, "Plain", "", "")
	require.NoError(t, err)

	_, err = o.AddStory(ctx, plain.ID(), "S", "", "", "")
	assert.ErrorIs(t, err, ErrTaxonParent)
	phases, err := o.Store().PhasesForProject(ctx, plain.ID())
	require.NoError(t, err)
	assert.Empty(t, phases)
}

func TestAddTask_Owner(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)
	vision, err := o.AddProject(ctx, Vision, "V", "", "", "")
	require.NoError(t, err)
	plain, err := o.Store().AddProject(ctx, "Plain", "", "")
	require.NoError(t, err)
	plainPhase, err := o.Store().AddPhase(ctx, plain.ID(), "P", "", "")
	require.NoError(t, err)

	_, err = o.AddTask(ctx, "both", "", vision.EntityID, plainPhase.ID(), "")
	assert.ErrorIs(t, err, types.ErrInvalidOwner)
	_, err = o.AddTask(ctx, "none", "", "", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidOwner)
	_, err = o.AddTask(ctx, "plain", "", plain.ID(), "", "")
	assert.ErrorIs(t, err, ErrTaxonParent)
	_, err = o.AddTask(ctx, "plain phase", "", "", plainPhase.ID(), "")
	assert.ErrorIs(t, err, ErrTaxonParent)
	_, err = o.AddTask(ctx, "missing phase", "", "", "nope", "")
	assert.ErrorIs(t, err, types.ErrPhaseNotFound)

	tasks, err := o.Store().Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClassifyAndLookup(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)
	s := o.Store()

	root, err := s.AddProject(ctx, "Root", "", "")
	require.NoError(t, err)
	child, err := s.AddProject(ctx, "Child", "", root.ID())
	require.NoError(t, err)

	_, err = o.Classify(ctx, child.ID(), Subsystem, "")
	assert.ErrorIs(t, err, ErrTaxonParent, "root not yet classified")

	e, err := o.Classify(ctx, root.ID(), Vision, "")
	require.NoError(t, err)
	assert.Equal(t, "Root", e.Name)
	e, err = o.Classify(ctx, child.ID(), Epic, "")
	require.NoError(t, err)
	assert.Equal(t, Production, e.Guardrail)

	ph, err := s.AddPhase(ctx, child.ID(), "Sprint", "", "")
	require.NoError(t, err)
	require.NoError(t, o.SetGuardrail(ctx, KindProject, child.ID(), MVP))
	story, err := o.Classify(ctx, ph.ID(), Story, "")
	require.NoError(t, err)
	assert.Equal(t, MVP, story.Guardrail)

	got, err := o.Lookup(ctx, KindPhase, ph.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Story, got.Taxon)

	none, err := o.Lookup(ctx, KindTask, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = o.Classify(ctx, "nope", Epic, "")
	assert.ErrorIs(t, err, types.ErrProjectNotFound)
	_, err = o.Classify(ctx, root.ID(), "initiative", "")
	assert.ErrorIs(t, err, ErrInvalidTaxon)
}

func TestSetGuardrail(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)
	vision, err := o.AddProject(ctx, Vision, "V", "", "", "")
	require.NoError(t, err)
	epic, err := o.AddProject(ctx, Epic, "E", "", vision.EntityID, "")
	require.NoError(t, err)

	require.NoError(t, o.SetGuardrail(ctx, KindProject, epic.EntityID, Study))
	got, err := o.Lookup(ctx, KindProject, epic.EntityID)
	require.NoError(t, err)
	assert.Equal(t, Study, got.Guardrail)

	assert.ErrorIs(t, o.SetGuardrail(ctx, KindProject, vision.EntityID, MVP), ErrInvalidGuardrail)
	assert.ErrorIs(t, o.SetGuardrail(ctx, KindProject, epic.EntityID, "beta"), ErrInvalidGuardrail)
	assert.ErrorIs(t, o.SetGuardrail(ctx, KindTask, "nope", MVP), ErrUnclassified)
}

func TestListAndPrune(t *testing.T) {
	ctx := context.Background()
	o := newTestOverlay(t)
	vision, err := o.AddProject(ctx, Vision, "V", "", "", "")
	require.NoError(t, err)
	_, err = o.AddProject(ctx, Epic, "beta", "", vision.EntityID, "")
	require.NoError(t, err)
	alpha, err := o.AddProject(ctx, Epic, "Alpha", "", vision.EntityID, "")
	require.NoError(t, err)
	story, err := o.AddStory(ctx, alpha.EntityID, "S", "", "", "")
	require.NoError(t, err)
	task, err := o.AddTask(ctx, "T", "", "", story.EntityID, "")
	require.NoError(t, err)

	epics, err := o.List(ctx, Epic)
	require.NoError(t, err)
	require.Len(t, epics, 2)
	assert.Equal(t, "Alpha", epics[0].Name)
	assert.Equal(t, "beta", epics[1].Name)

	_, err = o.List(ctx, "initiative")
	assert.ErrorIs(t, err, ErrInvalidTaxon)

	n, err := o.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, o.Store().DeleteTask(ctx, task.EntityID))
	require.NoError(t, o.Store().DeletePhase(ctx, story.EntityID))
	require.NoError(t, o.Store().DeleteProject(ctx, alpha.EntityID))

	n, err = o.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	epics, err = o.List(ctx, Epic)
	require.NoError(t, err)
	require.Len(t, epics, 1)
	assert.Equal(t, "beta", epics[0].Name)
	stories, err := o.List(ctx, Story)
	require.NoError(t, err)
	assert.Empty(t, stories)
}
