package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/version"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.stdout, version.String())
			return nil
		},
	}
}
