package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"echocog/infrastructure/di"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "echocog %s (%s)\n", di.Version, runtime.Version())
		},
	}
}
