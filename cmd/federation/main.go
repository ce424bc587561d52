// Package main provides the federation CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the current federation CLI version.
var Version = "0.1.0"

var (
	configFile  string
	logLevel    string
	logFormat   string
	metricsFile string
)

var rootCmd = &cobra.Command{
	Use:   "federation",
	Short: "Federation - replicate modules between hosted repositories",
	Long: `Federation indexes hosted repositories into a graph and replicates selected
files from a source repository into a target repository as a single commit
on a fresh branch, with a pull request for review.

Patches that cannot be applied safely are kept in a manual review queue.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default .federation.yaml in . or $HOME)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write metrics in text format to this file on exit")

	rootCmd.AddCommand(repoCmd, analyzeCmd, graphCmd, planCmd, dryRunCmd, replicateCmd, reviewCmd, proposalCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
