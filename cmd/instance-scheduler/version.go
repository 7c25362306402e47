package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrpan/instance-scheduler/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, buildinfo.String())
	},
}
