package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

func addVersionCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the spanvisor version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
	parent.AddCommand(cmd)
}
