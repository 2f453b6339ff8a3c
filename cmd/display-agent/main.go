package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "display-agent"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Keeps a signage display connected to its control server",
	Long: `display-agent holds the socket between one display and the control server:
  - reconnects with jitter when the socket drops
  - answers heartbeats and restarts itself when the server goes silent
  - keeps an estimate of the clock offset to the server
  - serves remote diagnostics and, if enabled, a remote shell`,
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
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a TOML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s %s\n", appName, version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
