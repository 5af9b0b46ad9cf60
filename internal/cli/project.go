package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/internal/store"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects",
	}
	cmd.AddCommand(newProjectAddCmd(a), newProjectListCmd(a), newProjectDeleteCmd(a))
	return cmd
}

func newProjectAddCmd(a *app) *cobra.Command {
	var description, parent string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			parentID := ""
			if parent != "" {
				p, err := resolveProject(ctx, s, parent)
				if err != nil {
					return err
				}
				parentID = p.ID()
			}
			p, err := s.AddProject(ctx, args[0], description, parentID)
			if err != nil {
				return err
			}
			a.remember(ctx, a.manager.SetLastProject, domain, p.ID())
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), p.Row())
			}
			fmt.Fprintf(a.out(cmd), "created project %s %s\n", p.ID(), p.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "project description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent project id or name")
	return cmd
}

func newProjectListCmd(a *app) *cobra.Command {
	var parent string
	var roots bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := a.store()
			if err != nil {
				return err
			}
			var recs []*store.ProjectRecord
			switch {
			case parent != "":
				p, err := resolveProject(ctx, s, parent)
				if err != nil {
					return err
				}
				recs, err = p.Kids(ctx)
				if err != nil {
					return err
				}
			case roots:
				recs, err = s.RootProjects(ctx)
			default:
				recs, err = s.Projects(ctx)
			}
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), projectRows(recs))
			}
			for _, p := range recs {
				fmt.Fprintf(a.out(cmd), "%s  %s\n", p.ID(), p.Name())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "list only children of this project")
	cmd.Flags().BoolVar(&roots, "roots", false, "list only root projects")
	return cmd
}

func newProjectDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project>",
		Short: "Delete a project with no children and no phases",
		Long: "Delete a project. Projects with child projects or phases are refused.\n" +
			"Tasks owned directly by the project move to its parent.",
		Args: cobra.ExactArgs(1),
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
			if err := p.DeleteFromDB(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "deleted project %s\n", p.Name())
			return nil
		},
	}
}
