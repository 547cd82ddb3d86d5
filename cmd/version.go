package cmd

import (
	"fmt"

	"github.com/mykhaliev/protocol-bench/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of " + AppName,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuildDate: %s\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}
