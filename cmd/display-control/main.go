package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "display-control"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Control server for signage displays",
	Long: `display-control accepts the display sockets and exposes an HTTP API to
list displays, reload them and run remote commands on them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reloadAllCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s %s\n", appName, version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
