package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPhaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "phase",
		Aliases: []string{"phases"},
		Short:   "Manage the ordered phases of a project",
	}
	cmd.AddCommand(newPhaseAddCmd(a), newPhaseListCmd(a), newPhaseDeleteCmd(a), newPhaseMoveCmd(a))
	return cmd
}

func newPhaseAddCmd(a *app) *cobra.Command {
	var description, after string
	cmd := &cobra.Command{
		Use:   "add <project> <name>",
		Short: "Add a phase, at the end of the chain or after another phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			p, err := resolveProject(ctx, s, args[0])
			if err != nil {
				return err
			}
			follows := ""
			if after != "" {
				prev, err := resolvePhase(ctx, s, after, p.ID())
				if err != nil {
					return err
				}
				follows = prev.ID()
			}
			ph, err := p.NewPhase(ctx, args[1], description, follows)
			if err != nil {
				return err
			}
			a.remember(ctx, a.manager.SetLastPhase, domain, ph.ID())
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), ph.Row())
			}
			fmt.Fprintf(a.out(cmd), "created phase %s %s in %s\n", ph.ID(), ph.Name(), p.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "phase description")
	cmd.Flags().StringVar(&after, "after", "", "insert after this phase (id or name)")
	return cmd
}

func newPhaseListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's phases in chain order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			p, err := resolveProject(ctx, s, args[0])
			if err != nil {
				return err
			}
			phases, err := p.Phases(ctx)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), phaseRows(phases))
			}
			for i, ph := range phases {
				fmt.Fprintf(a.out(cmd), "%2d. %s  %s\n", i+1, ph.ID(), ph.Name())
			}
			return nil
		},
	}
}

func newPhaseDeleteCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "delete <phase>",
		Short: "Delete a phase; its tasks move to the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			ph, err := resolvePhase(ctx, s, args[0], project)
			if err != nil {
				return err
			}
			if err := ph.DeleteFromDB(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "deleted phase %s\n", ph.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project to look the phase up in by name")
	return cmd
}

func newPhaseMoveCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "move <phase> <to-project>",
		Short: "Move a phase and its tasks to the end of another project's chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			ph, err := resolvePhase(ctx, s, args[0], project)
			if err != nil {
				return err
			}
			dest, err := resolveProject(ctx, s, args[1])
			if err != nil {
				return err
			}
			if err := ph.ChangeProject(ctx, dest.ID()); err != nil {
				return err
			}
			a.remember(ctx, a.manager.SetLastPhase, domain, ph.ID())
			fmt.Fprintf(a.out(cmd), "moved phase %s to %s\n", ph.Name(), dest.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project to look the phase up in by name")
	return cmd
}
