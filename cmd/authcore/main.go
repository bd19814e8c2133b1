// Command authcore runs the token service over HTTP, prints its security
// posture and load-tests the engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagLogFile   string
	flagEnvFile   string

	rootCmd = &cobra.Command{
		Use:           "authcore",
		Short:         "Token issuance, validation and revocation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "Log format (console or json)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Environment file loaded before reading AUTHCORE_* variables")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(loadtestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
