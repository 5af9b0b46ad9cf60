package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Dump the domain to one JSONL file per table",
		Long: "Write project.jsonl, phase.jsonl, task.jsonl and blockers.jsonl under <dir>.\n" +
			"The files diff cleanly and can be loaded into an empty domain with \"dpm import\".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			c, err := s.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), c)
			}
			fmt.Fprintf(a.out(cmd), "%s: exported %d projects, %d phases, %d tasks, %d blockers to %s\n",
				domain, c.Projects, c.Phases, c.Tasks, c.Blockers, args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load a JSONL dump into an empty domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, s, err := a.store()
			if err != nil {
				return err
			}
			c, err := s.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), c)
			}
			fmt.Fprintf(a.out(cmd), "%s: imported %d projects, %d phases, %d tasks, %d blockers\n",
				domain, c.Projects, c.Phases, c.Tasks, c.Blockers)
			return nil
		},
	}
}
