// Package main contains the CLI entrypoint and command definitions for
// sheetctl, the operator tool for a running sheetbridged daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags during build.
var Version = "dev"

var (
	flagServer string
	flagToken  string
	flagOutput string
)

var rootCmd = &cobra.Command{
	Use:   "sheetctl",
	Short: "CLI for submitting workbook operation batches to sheetbridged",
	Long: `sheetctl submits operation batches to a sheetbridged daemon and inspects
its health. Batches are JSON documents listing typed operations (insert,
update, delete, format, table, chart) against a single workbook.`,
	Version:      Version,
	SilenceUsage: true,
	Example: `  # Check daemon health
  sheetctl health

  # Apply a batch from a file
  sheetctl apply --file batch.json --token "$TOKEN"

  # Apply from stdin with a generated idempotency key
  cat batch.json | sheetctl apply --idempotency --token "$TOKEN"

  # Target a remote daemon
  sheetctl --server http://sheetbridge.internal:8080 health`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "base URL of the sheetbridged daemon")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("SHEETCTL_TOKEN"), "bearer token forwarded for the on-behalf-of exchange (env: SHEETCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
