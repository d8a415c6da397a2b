package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." at release build time.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the automirrord version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("automirrord " + version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
