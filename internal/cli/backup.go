package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/internal/domains"
)

func newBackupCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "backup [domain...]",
		Short: "Write a timestamped copy of domain databases",
		Long: "Write <dir>/backups/<name>-<UTC timestamp>.sqlite next to each domain database.\n" +
			"When backup.driver is set in config.yaml the copy is also uploaded there.",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			switch {
			case all:
				names = a.manager.Domains()
			case len(names) == 0:
				name, err := a.domainName()
				if err != nil {
					return err
				}
				names = []string{name}
			}

			var results []domains.BackupResult
			for _, name := range names {
				res, err := a.manager.BackupDomain(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("backup %s: %w", name, err)
				}
				results = append(results, res)
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), results)
			}
			for _, r := range results {
				fmt.Fprintf(a.out(cmd), "%s: %s\n", r.Domain, r.Path)
				if r.Upload != nil {
					fmt.Fprintf(a.out(cmd), "%s: uploaded %s (%d bytes)\n", r.Domain, r.Upload.Key, r.Upload.Size)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "back up every registered domain")
	return cmd
}
