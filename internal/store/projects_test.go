package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

func TestAddProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.AddProject(ctx, "Alpha", "first project", "")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, "Alpha", p.Name())
	assert.Equal(t, "", p.ParentID())
	assert.False(t, p.IsChanged())

	got, err := s.ProjectByID(ctx, p.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first project", got.Description())
}

func TestAddProject_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustProject(t, s, "Alpha", "")

	tests := []struct {
		name     string
		project  string
		parentID string
		wantErr  error
	}{
		{"duplicate same case", "Alpha", "", types.ErrDuplicateName},
		{"duplicate other case", "alpha", "", types.ErrDuplicateName},
		{"blank name", "  ", "", types.ErrInvalidName},
		{"missing parent", "Beta", "no-such-id", types.ErrProjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddProject(ctx, tt.project, "", tt.parentID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	all, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDuplicateName_IsValidationError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustProject(t, s, "Alpha", "")

	_, err := s.AddProject(ctx, "alpha", "", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestProjectLookups_Absent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.ProjectByID(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.ProjectByName(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestProjectLookup_ByNameIgnoresCase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	want := mustProject(t, s, "MixedCase", "")

	got, err := s.ProjectByName(ctx, "mixedcase")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID(), got.ID())
}

func TestProjectListing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := mustProject(t, s, "root", "")
	mustProject(t, s, "zeta", root.ID())
	mustProject(t, s, "Beta", root.ID())
	mustProject(t, s, "alpha", "")

	all, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "Beta", "root", "zeta"}, names(all))

	roots, err := s.RootProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "root"}, names(roots))

	kids, err := root.Kids(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beta", "zeta"}, names(kids))

	parent, err := kids[0].Parent(ctx)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, root.ID(), parent.ID())

	parent, err = root.Parent(ctx)
	require.NoError(t, err)
	assert.Nil(t, parent)
}

func TestProject_SetParentCycleGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustProject(t, s, "A", "")
	b := mustProject(t, s, "B", a.ID())
	c := mustProject(t, s, "C", b.ID())

	assert.ErrorIs(t, a.SetParent(ctx, c.ID()), types.ErrCycle)
	assert.ErrorIs(t, a.SetParent(ctx, a.ID()), types.ErrCycle)
	assert.ErrorIs(t, a.SetParent(ctx, "missing"), types.ErrProjectNotFound)
	assert.False(t, a.IsChanged())

	require.NoError(t, c.SetParent(ctx, a.ID()))
	saved, err := c.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	kids, err := a.Kids(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID(), c.ID()}, ids(kids))

	require.NoError(t, c.SetParent(ctx, ""))
	_, err = c.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", c.ParentID())
}

func TestProject_SaveRechecksCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustProject(t, s, "A", "")
	b := mustProject(t, s, "B", "")

	// Both edits pass the eager check; the second save must fail.
	require.NoError(t, a.SetParent(ctx, b.ID()))
	require.NoError(t, b.SetParent(ctx, a.ID()))

	_, err := a.Save(ctx)
	require.NoError(t, err)
	_, err = b.Save(ctx)
	assert.ErrorIs(t, err, types.ErrCycle)
	assert.True(t, b.IsChanged())
}

func TestProject_RenameDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustProject(t, s, "Alpha", "")
	b := mustProject(t, s, "Beta", "")

	require.NoError(t, b.SetName("ALPHA"))
	_, err := b.Save(ctx)
	assert.ErrorIs(t, err, types.ErrDuplicateName)

	require.NoError(t, b.SetName("beta"))
	saved, err := b.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestDeleteProject(t *testing.T) {
	ctx := context.Background()

	t.Run("with children", func(t *testing.T) {
		s := newTestStore(t)
		p := mustProject(t, s, "P", "")
		mustProject(t, s, "Kid", p.ID())
		assert.ErrorIs(t, s.DeleteProject(ctx, p.ID()), types.ErrHasChildren)
	})

	t.Run("with phases", func(t *testing.T) {
		s := newTestStore(t)
		p := mustProject(t, s, "P", "")
		mustPhase(t, s, p.ID(), "Ph")
		assert.ErrorIs(t, s.DeleteProject(ctx, p.ID()), types.ErrHasPhases)
	})

	t.Run("root with tasks", func(t *testing.T) {
		s := newTestStore(t)
		p := mustProject(t, s, "P", "")
		mustTask(t, s, "T", p.ID(), "")
		err := s.DeleteProject(ctx, p.ID())
		assert.ErrorIs(t, err, types.ErrHasTasks)
		assert.ErrorIs(t, err, types.ErrIntegrity)
	})

	t.Run("child tasks move to parent", func(t *testing.T) {
		s := newTestStore(t)
		parent := mustProject(t, s, "Parent", "")
		kid := mustProject(t, s, "Kid", parent.ID())
		task := mustTask(t, s, "T", kid.ID(), "")

		require.NoError(t, kid.DeleteFromDB(ctx))
		assert.True(t, kid.Detached())

		got, err := s.TaskByID(ctx, task.ID())
		require.NoError(t, err)
		assert.Equal(t, parent.ID(), got.ProjectID())

		gone, err := s.ProjectByID(ctx, kid.ID())
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("missing", func(t *testing.T) {
		s := newTestStore(t)
		assert.ErrorIs(t, s.DeleteProject(ctx, "missing"), types.ErrProjectNotFound)
	})
}
