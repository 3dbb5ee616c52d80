package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Args:  cobra.NoArgs,
		Short: "Print the version number of mailverdict",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "mailverdict")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Build time: %s\n", buildTime)
		},
	}
}
