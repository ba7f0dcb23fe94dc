package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// viewCmd and installCmd name out-of-scope collaborators (§6 CLI
// surface, SPEC_FULL §10): a terminal dashboard and a service-unit
// installer. Both are external tools; these stubs keep the command
// tree complete without re-implementing them here.

func viewCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Launch the live terminal dashboard (separate tool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "view: the live dashboard is a separate collaborator process; run it against this node's --database.path and admin endpoint.")
			return nil
		},
	}
}

func installCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install sentryd as a system service (separate tool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "install: service-unit generation is handled by the installer package for this platform; see its documentation.")
			return nil
		},
	}
}
