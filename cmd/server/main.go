// Package main is the entry point for the CliniGate governance gateway and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "config/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "clinigate",
		Short:         "CliniGate - governance gateway for clinical AI requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newDashboardCmd(&configPath),
		newAlertsCmd(&configPath),
		newInvalidateCmd(&configPath),
		newCacheCmd(&configPath),
		newRemainingCmd(&configPath),
		newStatsCmd(&configPath),
	)
	return root
}
