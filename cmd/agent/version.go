package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sensor version.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.UserAgent())
	},
}
