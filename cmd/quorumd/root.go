package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quorumd",
		Short: "Quorum Engine Daemon",
	}

	InitRootCmd(rootCmd) // add subcommands like `start` and `version`

	return rootCmd
}
