package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes for the control verbs.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitPrecondition = 2
	exitUnreachable  = 3
	exitVerification = 4
)

var (
	flagConfig   string
	flagEndpoint string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitGeneric)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rig",
	Short: "Rig - multi-camera recording coordinator",
	Long: `Rig coordinates a cluster of edge recording nodes: synchronized
cluster starts, per-node recording state machines, time-sync discipline
against a master clock, and checksummed resumable offload to an ingest
server.

The same binary runs a camera node (rig node), the ingest server
(rig ingest), and the control CLI (rig status, rig start, ...).`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rig version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&flagEndpoint, "endpoint", "e", "127.0.0.1:8080", "coordinator endpoint for control verbs")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(peersCmd)
}
