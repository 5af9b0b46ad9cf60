package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

type lastView struct {
	Domain  string         `json:"domain,omitempty"`
	Project *types.Project `json:"project,omitempty"`
	Phase   *types.Phase   `json:"phase,omitempty"`
	Task    *types.Task    `json:"task,omitempty"`
}

func newLastCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the last used domain, project, phase and task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v := lastView{Domain: a.manager.LastDomain()}
			p, err := a.manager.LastProject(ctx)
			if err != nil {
				return err
			}
			if p != nil {
				row := p.Row()
				v.Project = &row
			}
			ph, err := a.manager.LastPhase(ctx)
			if err != nil {
				return err
			}
			if ph != nil {
				row := ph.Row()
				v.Phase = &row
			}
			t, err := a.manager.LastTask(ctx)
			if err != nil {
				return err
			}
			if t != nil {
				row := t.Row()
				v.Task = &row
			}

			if a.flags.jsonMode {
				return printJSON(a.out(cmd), v)
			}
			w := a.out(cmd)
			if v.Domain == "" {
				fmt.Fprintln(w, "no domain used yet")
				return nil
			}
			fmt.Fprintf(w, "domain:  %s\n", v.Domain)
			if v.Project != nil {
				fmt.Fprintf(w, "project: %s %s\n", v.Project.ID, v.Project.Name)
			}
			if v.Phase != nil {
				fmt.Fprintf(w, "phase:   %s %s\n", v.Phase.ID, v.Phase.Name)
			}
			if v.Task != nil {
				fmt.Fprintf(w, "task:    %s %s\n", v.Task.ID, v.Task.Name)
			}
			return nil
		},
	}
}
