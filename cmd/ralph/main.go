// Package main implements the ralph CLI: session lifecycle commands, the
// host hook entry point, and a standalone worker loop.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// projectDir is the repository ralph operates on
	projectDir string
	// configPath overrides .ralph/config.{yaml,toml} discovery
	configPath string
	// sessionID selects the session for session-scoped commands
	sessionID string
	// jsonOutput switches human output to JSON
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Iterative workflow controller for coding agents",
	Long: `ralph keeps a coding agent working through a planned epic one unit at a time.
It decides after every agent turn whether to continue, isolates building in a
dedicated worktree, and stops retrying units that keep failing.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .ralph/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("RALPH_SESSION_ID"), "session id (env RALPH_SESSION_ID)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(startBuildCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(unitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(detectCmd)
}
