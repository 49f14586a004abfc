package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPIClient().health()
		if err != nil {
			return err
		}
		if flagOutput == "json" {
			return printJSON(resp)
		}
		fmt.Printf("Daemon at %s: %s\n", flagServer, resp.Status)
		return nil
	},
}
