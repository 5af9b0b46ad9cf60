package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// resolveProject finds a project by id, then by name.
func resolveProject(ctx context.Context, s *store.Store, ref string) (*store.ProjectRecord, error) {
	p, err := s.ProjectByID(ctx, ref)
	if err != nil || p != nil {
		return p, err
	}
	p, err = s.ProjectByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %q", types.ErrProjectNotFound, ref)
	}
	return p, nil
}

// resolvePhase finds a phase by id, or by name within projectRef.
func resolvePhase(ctx context.Context, s *store.Store, ref, projectRef string) (*store.PhaseRecord, error) {
	ph, err := s.PhaseByID(ctx, ref)
	if err != nil || ph != nil {
		return ph, err
	}
	if projectRef == "" {
		return nil, fmt.Errorf("%w: %q (use --project to look up a phase by name)", types.ErrPhaseNotFound, ref)
	}
	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return nil, err
	}
	ph, err = s.PhaseByName(ctx, p.ID(), ref)
	if err != nil {
		return nil, err
	}
	if ph == nil {
		return nil, fmt.Errorf("%w: %q in project %s", types.ErrPhaseNotFound, ref, p.Name())
	}
	return ph, nil
}

// resolveTask finds a task by id, then by name.
func resolveTask(ctx context.Context, s *store.Store, ref string) (*store.TaskRecord, error) {
	t, err := s.TaskByID(ctx, ref)
	if err != nil || t != nil {
		return t, err
	}
	t, err = s.TaskByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %q", types.ErrTaskNotFound, ref)
	}
	return t, nil
}

func projectRows(recs []*store.ProjectRecord) []types.Project {
	out := make([]types.Project, len(recs))
	for i, r := range recs {
		out[i] = r.Row()
	}
	return out
}

func phaseRows(recs []*store.PhaseRecord) []types.Phase {
	out := make([]types.Phase, len(recs))
	for i, r := range recs {
		out[i] = r.Row()
	}
	return out
}

func taskRows(recs []*store.TaskRecord) []types.Task {
	out := make([]types.Task, len(recs))
	for i, r := range recs {
		out[i] = r.Row()
	}
	return out
}
