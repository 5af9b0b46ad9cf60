package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Manage tasks and their blockers",
	}
	cmd.AddCommand(
		newTaskAddCmd(a),
		newTaskListCmd(a),
		newTaskStatusCmd(a),
		newTaskBlockCmd(a),
		newTaskUnblockCmd(a),
		newTaskBlockersCmd(a),
		newTaskMoveCmd(a),
		newTaskDeleteCmd(a),
	)
	return cmd
}

func newTaskAddCmd(a *app) *cobra.Command {
	var description, project, phase, status string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a task owned by a project or a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			task := types.Task{Name: args[0], Description: description, Status: status}
			switch {
			case phase != "":
				ph, err := resolvePhase(ctx, s, phase, project)
				if err != nil {
					return err
				}
				task.PhaseID = types.OptionalID(ph.ID())
			case project != "":
				p, err := resolveProject(ctx, s, project)
				if err != nil {
					return err
				}
				task.ProjectID = types.OptionalID(p.ID())
			default:
				return fmt.Errorf("%w: one of --project or --phase is required", errUsage)
			}
			t, err := s.AddTask(ctx, task)
			if err != nil {
				return err
			}
			a.remember(ctx, a.manager.SetLastTask, domain, t.ID())
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), t.Row())
			}
			fmt.Fprintf(a.out(cmd), "created task %s %s\n", t.ID(), t.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&project, "project", "", "owning project (id or name); with --phase, the project to find the phase in")
	cmd.Flags().StringVar(&phase, "phase", "", "owning phase (id, or name with --project)")
	cmd.Flags().StringVar(&status, "status", types.StatusToDo, "initial status: ToDo, Doing or Done")
	return cmd
}

func newTaskListCmd(a *app) *cobra.Command {
	var project, phase, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			var recs []*store.TaskRecord
			switch {
			case phase != "":
				ph, perr := resolvePhase(ctx, s, phase, project)
				if perr != nil {
					return perr
				}
				recs, err = ph.Tasks(ctx)
			case project != "":
				p, perr := resolveProject(ctx, s, project)
				if perr != nil {
					return perr
				}
				recs, err = p.Tasks(ctx)
			case status != "":
				recs, err = s.TasksByStatus(ctx, status)
			default:
				recs, err = s.Tasks(ctx)
			}
			if err != nil {
				return err
			}
			if status != "" && (phase != "" || project != "") {
				recs = filterStatus(recs, status)
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), taskRows(recs))
			}
			for _, t := range recs {
				fmt.Fprintf(a.out(cmd), "%s  %-5s  %s\n", t.ID(), t.Status(), t.Name())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "tasks of this project, directly or through its phases")
	cmd.Flags().StringVar(&phase, "phase", "", "tasks of this phase")
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	return cmd
}

func filterStatus(recs []*store.TaskRecord, status string) []*store.TaskRecord {
	var out []*store.TaskRecord
	for _, t := range recs {
		if t.Status() == status {
			out = append(out, t)
		}
	}
	return out
}

func newTaskStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task> <ToDo|Doing|Done>",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			t, err := resolveTask(ctx, s, args[0])
			if err != nil {
				return err
			}
			if err := t.SetStatus(args[1]); err != nil {
				return err
			}
			if _, err := t.Save(ctx); err != nil {
				return err
			}
			a.remember(ctx, a.manager.SetLastTask, domain, t.ID())
			fmt.Fprintf(a.out(cmd), "%s is %s\n", t.Name(), t.Status())
			return nil
		},
	}
}

func newTaskBlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "block <task> <blocked-by>",
		Short: "Record that <blocked-by> must finish before <task>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			t, blocker, err := resolveTaskPair(cmd, s, args)
			if err != nil {
				return err
			}
			if err := t.AddBlocker(ctx, blocker.ID()); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "%s is blocked by %s\n", t.Name(), blocker.Name())
			return nil
		},
	}
}

func newTaskUnblockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task> <blocked-by>",
		Short: "Remove a blocker edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			t, blocker, err := resolveTaskPair(cmd, s, args)
			if err != nil {
				return err
			}
			if err := t.DeleteBlocker(ctx, blocker.ID()); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "%s is no longer blocked by %s\n", t.Name(), blocker.Name())
			return nil
		},
	}
}

func newTaskBlockersCmd(a *app) *cobra.Command {
	var all, open bool
	cmd := &cobra.Command{
		Use:   "blockers <task>",
		Short: "List the tasks blocking a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			t, err := resolveTask(ctx, s, args[0])
			if err != nil {
				return err
			}
			var recs []*store.TaskRecord
			switch {
			case all:
				recs, err = t.AllBlockers(ctx, open)
			case open:
				recs, err = t.OpenBlockers(ctx)
			default:
				recs, err = t.Blockers(ctx)
			}
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), taskRows(recs))
			}
			for _, b := range recs {
				fmt.Fprintf(a.out(cmd), "%s  %-5s  %s\n", b.ID(), b.Status(), b.Name())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include transitive blockers")
	cmd.Flags().BoolVar(&open, "open", false, "only blockers that are not Done")
	return cmd
}

func newTaskMoveCmd(a *app) *cobra.Command {
	var project, phase string
	var crossProject bool
	cmd := &cobra.Command{
		Use:   "move <task>",
		Short: "Give a task a new owning project or phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			t, err := resolveTask(ctx, s, args[0])
			if err != nil {
				return err
			}
			switch {
			case phase != "":
				ph, err := resolvePhase(ctx, s, phase, project)
				if err != nil {
					return err
				}
				if err := t.AddToPhase(ctx, ph.ID(), crossProject); err != nil {
					return err
				}
			case project != "":
				p, err := resolveProject(ctx, s, project)
				if err != nil {
					return err
				}
				if err := t.AddToProject(ctx, p.ID()); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: one of --project or --phase is required", errUsage)
			}
			a.remember(ctx, a.manager.SetLastTask, domain, t.ID())
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), t.Row())
			}
			fmt.Fprintf(a.out(cmd), "moved task %s %s\n", t.ID(), t.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "new owning project; with --phase, the project to find the phase in")
	cmd.Flags().StringVar(&phase, "phase", "", "new owning phase")
	cmd.Flags().BoolVar(&crossProject, "cross-project", false, "allow moving into a phase of another project")
	return cmd
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task>",
		Short: "Delete a task and its blocker edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := a.store()
			if err != nil {
				return err
			}
			t, err := resolveTask(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}
			if err := t.DeleteFromDB(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "deleted task %s\n", t.Name())
			return nil
		},
	}
}

func resolveTaskPair(cmd *cobra.Command, s *store.Store, args []string) (*store.TaskRecord, *store.TaskRecord, error) {
	t, err := resolveTask(cmd.Context(), s, args[0])
	if err != nil {
		return nil, nil, err
	}
	blocker, err := resolveTask(cmd.Context(), s, args[1])
	if err != nil {
		return nil, nil, err
	}
	return t, blocker, nil
}
