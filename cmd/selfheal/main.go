// Package main implements the selfheal CLI.
//
// selfheal finds defects in a Go or Rust working tree, asks a code-generation
// backend for candidate fixes, validates each candidate in a sandbox and
// applies the best one on an isolated branch.
//
// Usage:
//
//	# List issues without changing anything
//	selfheal analyze
//
//	# Run the whole pipeline, printing what would be applied
//	selfheal run --dry-run
//
//	# Re-run the pipeline whenever the tree changes
//	selfheal watch
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the config file lookup.
	configPath string
	// repoPath overrides repository.path.
	repoPath string
	// outputFormat is text, json or yaml.
	outputFormat string
	// metricsFile receives the run's metrics on exit.
	metricsFile string

	// Version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "selfheal",
	Short: "Detect, fix and validate defects in a source tree",
	Long: `selfheal analyzes a repository for defects, generates candidate patches
with a code-generation backend, validates them in an isolated copy of the
tree and applies the best candidate on its own branch.

Configuration is read from .selfheal.yaml in the current directory or
~/.config/selfheal/config.yaml, and overridden by SELFHEAL_* variables.`,
	Version:      version + " (" + gitCommit + ")",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .selfheal.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", "", "repository to operate on (overrides repository.path)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(patchesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(watchCmd)
}
