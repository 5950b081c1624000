package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	storePath   string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
	traceOTLP   string
	traceStdout bool

	appVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version

	rootCmd := &cobra.Command{
		Use:   "buildcache",
		Short: "buildcache - configuration cache for build trees",
		Long: `buildcache runs build-tree sessions against a persisted configuration cache.

Each session decides whether the stored entry for the requested tasks can be
loaded, must be updated for changed projects, or has to be stored from scratch.
Problems recorded while tasks are configured decide whether the entry is kept,
discarded or fails the build.

Features:
  - Typed build configs via CUE or YAML
  - Task configuration scripts via Starlark
  - Shared services with bounded concurrent usage
  - SQLite-backed entry and session history
  - Problems reports in Markdown and HTML`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "build config file or directory (default: build.cue, build.yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", defaultStorePath, "cache database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceOTLP, "trace-otlp", "", "export traces to this OTLP gRPC endpoint")
	rootCmd.PersistentFlags().BoolVar(&traceStdout, "trace-stdout", false, "print traces to stdout")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newEntriesCommand())
	rootCmd.AddCommand(newSessionsCommand())

	return rootCmd
}
