package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/internal/overlay"
)

func newSWCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sw",
		Short: "Software taxonomy view of a software-mode domain",
		Long: "Visions, subsystems, deliverables and epics are projects, stories are phases\n" +
			"and swtasks are tasks. Epics, stories and swtasks carry a guardrail.",
	}
	cmd.AddCommand(newSWAddCmd(a), newSWListCmd(a), newSWClassifyCmd(a), newSWPruneCmd(a))
	return cmd
}

func (a *app) overlay(cmd *cobra.Command) (*overlay.Overlay, error) {
	name, err := a.domainName()
	if err != nil {
		return nil, err
	}
	return a.manager.OverlayForDomain(cmd.Context(), name)
}

func (a *app) printEntry(cmd *cobra.Command, verb string, e *overlay.Entry) error {
	if a.flags.jsonMode {
		return printJSON(a.out(cmd), e)
	}
	fmt.Fprintf(a.out(cmd), "%s %s %s %s", verb, e.Taxon, e.EntityID, e.Name)
	if e.Guardrail != "" {
		fmt.Fprintf(a.out(cmd), " [%s]", e.Guardrail)
	}
	fmt.Fprintln(a.out(cmd))
	return nil
}

func newSWAddCmd(a *app) *cobra.Command {
	var description, parent, project, story, after, guardrail string
	cmd := &cobra.Command{
		Use:   "add <taxon> <name>",
		Short: "Create and classify a vision, subsystem, deliverable, epic, story or swtask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ov, err := a.overlay(cmd)
			if err != nil {
				return err
			}
			s := ov.Store()
			taxon, name, guard := overlay.Taxon(args[0]), args[1], overlay.Guardrail(guardrail)
			if !taxon.Valid() {
				return fmt.Errorf("%w: %q", overlay.ErrInvalidTaxon, args[0])
			}

			var e *overlay.Entry
			switch taxon.Kind() {
			case overlay.KindProject:
				var parentID string
				if parent != "" {
					p, err := resolveProject(ctx, s, parent)
					if err != nil {
						return err
					}
					parentID = p.ID()
				}
				e, err = ov.AddProject(ctx, taxon, name, description, parentID, guard)
			case overlay.KindPhase:
				if project == "" {
					return fmt.Errorf("%w: a story needs --project", errUsage)
				}
				p, perr := resolveProject(ctx, s, project)
				if perr != nil {
					return perr
				}
				var follows string
				if after != "" {
					ph, perr := resolvePhase(ctx, s, after, p.ID())
					if perr != nil {
						return perr
					}
					follows = ph.ID()
				}
				e, err = ov.AddStory(ctx, p.ID(), name, description, follows, guard)
			default:
				var projectID, phaseID string
				switch {
				case story != "":
					ph, perr := resolvePhase(ctx, s, story, project)
					if perr != nil {
						return perr
					}
					phaseID = ph.ID()
				case project != "":
					p, perr := resolveProject(ctx, s, project)
					if perr != nil {
						return perr
					}
					projectID = p.ID()
				default:
					return fmt.Errorf("%w: a swtask needs --project or --story", errUsage)
				}
				e, err = ov.AddTask(ctx, name, description, projectID, phaseID, guard)
			}
			if err != nil {
				return err
			}
			return a.printEntry(cmd, "created", e)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent project for vision, subsystem, deliverable and epic")
	cmd.Flags().StringVar(&project, "project", "", "owning project of a story or swtask")
	cmd.Flags().StringVar(&story, "story", "", "owning story of a swtask (id, or name with --project)")
	cmd.Flags().StringVar(&after, "after", "", "insert a story after this one")
	cmd.Flags().StringVar(&guardrail, "guardrail", "", "production, mvp, prototype, poc, study or research (default: inherited)")
	return cmd
}

func newSWListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <taxon>",
		Short: "List entities classified with a taxon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := a.overlay(cmd)
			if err != nil {
				return err
			}
			entries, err := ov.List(cmd.Context(), overlay.Taxon(args[0]))
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), entries)
			}
			for _, e := range entries {
				fmt.Fprintf(a.out(cmd), "%s  %-10s  %s\n", e.EntityID, e.Guardrail, e.Name)
			}
			return nil
		},
	}
}

func newSWClassifyCmd(a *app) *cobra.Command {
	var guardrail string
	cmd := &cobra.Command{
		Use:   "classify <id> <taxon>",
		Short: "Tag an existing project, phase or task with a taxon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := a.overlay(cmd)
			if err != nil {
				return err
			}
			e, err := ov.Classify(cmd.Context(), args[0], overlay.Taxon(args[1]), overlay.Guardrail(guardrail))
			if err != nil {
				return err
			}
			return a.printEntry(cmd, "classified", e)
		},
	}
	cmd.Flags().StringVar(&guardrail, "guardrail", "", "guardrail (default: inherited)")
	return cmd
}

func newSWPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop taxonomy rows whose entity no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := a.overlay(cmd)
			if err != nil {
				return err
			}
			n, err := ov.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "pruned %d rows\n", n)
			return nil
		},
	}
}
