package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kegdisplay/tapsync/cmd/start"
	"github.com/kegdisplay/tapsync/cmd/tool"
	"github.com/kegdisplay/tapsync/utils"
	"github.com/kegdisplay/tapsync/utils/log"
)

// flagPrintVersion set flag to show the current tapsync version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	c := &cobra.Command{
		Use:   "tapsync",
		Short: "Replicated tap/beer database for networked displays",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagPrintVersion {
				log.Info("version: %v", utils.Version)
				log.Info("commit hash: %v", utils.GitHash)
				return nil
			}
			return cmd.Usage()
		},
	}

	c.AddCommand(start.Cmd)
	c.AddCommand(tool.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
