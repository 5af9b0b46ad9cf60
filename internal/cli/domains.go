package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type domainView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        string `json:"domain_mode"`
	Path        string `json:"path"`
	Current     bool   `json:"current"`
}

func newDomainsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "List registered domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, _ := a.manager.DefaultDomain()
			var views []domainView
			for _, name := range a.manager.Domains() {
				e, _ := a.manager.Catalog().Entry(name)
				views = append(views, domainView{
					Name:        name,
					Description: e.Description,
					Mode:        string(e.EffectiveMode()),
					Path:        e.Path,
					Current:     name == current,
				})
			}
			if a.flags.jsonMode {
				return printJSON(a.out(cmd), views)
			}
			for _, v := range views {
				marker := " "
				if v.Current {
					marker = "*"
				}
				fmt.Fprintf(a.out(cmd), "%s %-16s %-8s %s\n", marker, v.Name, v.Mode, v.Description)
			}
			for name, err := range a.manager.Catalog().Rejected {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", name, err)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Make a domain the default for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.manager.SetLastDomain(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "using domain %s\n", args[0])
			return nil
		},
	})
	return cmd
}
