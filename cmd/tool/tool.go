package tool

import (
	"github.com/spf13/cobra"

	"github.com/kegdisplay/tapsync/cmd/tool/csvimport"
)

// Cmd is the parent for operational tooling subcommands.
var Cmd = &cobra.Command{
	Use:   "tool",
	Short: "Operational tools for a tapsync database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Usage()
	},
}

func init() {
	Cmd.AddCommand(csvimport.Cmd)
}
