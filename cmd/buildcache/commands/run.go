package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/engine"
	"github.com/openfroyo/buildcache/pkg/stores"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

type runOptions struct {
	reportDir      string
	failOnProblems bool
	maxProblems    int
	update         bool
	continuous     bool
	maxParallel    int
	failFast       bool
	scriptTimeout  time.Duration
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [tasks...]",
		Short: "Run a build-tree session",
		Long: `Run the requested tasks in one build-tree session.

The session looks up the cache entry for the requested tasks and picks an
action:
  - Load:   the entry is valid and no project changed; configuration scripts are skipped
  - Update: some projects changed; only their tasks are configured again
  - Store:  there is no valid entry; every task is configured

Problems recorded by task scripts decide whether the entry is kept, discarded
or fails the build. No tasks selects every task of the configuration.`,
		Example: `  # Run every task
  buildcache run

  # Run one task and its dependencies
  buildcache run :app:compile

  # Keep the entry despite problems, tolerating at most 10
  buildcache run --fail-on-problems=false --max-problems 10

  # Re-run whenever the configuration changes
  buildcache run --continuous`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cfg, path, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			applyOverrides(cmd, cfg, opts)

			log.Info().
				Str("config", path).
				Strs("tasks", args).
				Bool("update", opts.update).
				Msg("Starting session")

			if !opts.continuous {
				return runSession(ctx, cfg, args, store, tel, opts)
			}
			return runContinuous(ctx, cmd, cfg, path, args, store, tel, opts)
		},
	}

	cmd.Flags().StringVar(&opts.reportDir, "report-dir", "", "directory for problems reports (default: session.reportDir or build/reports)")
	cmd.Flags().BoolVar(&opts.failOnProblems, "fail-on-problems", true, "fail the build when problems are recorded")
	cmd.Flags().IntVar(&opts.maxProblems, "max-problems", 512, "maximum number of problems before the entry is discarded")
	cmd.Flags().BoolVar(&opts.update, "update", false, "refresh every project of a valid entry instead of loading it")
	cmd.Flags().BoolVar(&opts.continuous, "continuous", false, "re-run the session whenever the configuration changes")
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 10, "maximum number of tasks running at once")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "stop after the first failed level")
	cmd.Flags().DurationVar(&opts.scriptTimeout, "script-timeout", 30*time.Second, "timeout for each task configuration script")

	return cmd
}

// applyOverrides lets explicitly set flags win over the session settings of
// the configuration.
func applyOverrides(cmd *cobra.Command, cfg *config.BuildConfig, opts *runOptions) {
	if cmd.Flags().Changed("fail-on-problems") {
		v := opts.failOnProblems
		cfg.Session.FailOnProblems = &v
	}
	if cmd.Flags().Changed("max-problems") {
		v := opts.maxProblems
		cfg.Session.MaxProblems = &v
	}
}

// runSession runs one session and prints its outcome.
func runSession(ctx context.Context, cfg *config.BuildConfig, tasks []string, store stores.Store, tel *telemetry.Telemetry, opts *runOptions) error {
	var listener telemetry.EventSubscriber
	if verbose && !jsonOutput {
		listener = printEvent
	}

	session, err := engine.NewSession(engine.SessionOptions{
		Config:         cfg,
		RequestedTasks: tasks,
		Store:          store,
		Telemetry:      tel,
		ReportDir:      opts.reportDir,
		ForceUpdate:    opts.update,
		MaxParallel:    opts.maxParallel,
		FailFast:       opts.failFast,
		ScriptTimeout:  opts.scriptTimeout,
		Listener:       listener,
	})
	if err != nil {
		return err
	}

	op := telemetry.StartOperation(tel.WithContext(ctx), "cli.run", telemetry.AttrSessionID.String(session.ID()))
	result, runErr := session.Run(op.Ctx)
	op.End(runErr)
	op.Logger.Debugf("session finished in %s", op.Timer.Duration())
	if result == nil {
		return runErr
	}

	if jsonOutput {
		out := struct {
			*engine.SessionResult
			Action   string `json:"action"`
			Problems int    `json:"problems"`
			Failures int    `json:"failures"`
			Error    string `json:"error,omitempty"`
		}{
			SessionResult: result,
			Action:        result.Action.String(),
			Problems:      result.Problems.ProblemCount,
			Failures:      result.Problems.FailureCount,
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return runErr
	}

	printResult(result)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "\nBUILD FAILED: %v\n", runErr)
	}
	return runErr
}

// runContinuous runs a session now and again after every configuration
// change until ctx ends. Sessions never overlap.
func runContinuous(ctx context.Context, cmd *cobra.Command, cfg *config.BuildConfig, path string, tasks []string, store stores.Store, tel *telemetry.Telemetry, opts *runOptions) error {
	var mu sync.Mutex
	run := func(cfg *config.BuildConfig) {
		mu.Lock()
		defer mu.Unlock()
		if err := runSession(ctx, cfg, tasks, store, tel, opts); err != nil {
			tel.Logger.WithError(err).Warn("session failed")
		}
		if !jsonOutput {
			fmt.Println("\nWaiting for configuration changes...")
		}
	}

	run(cfg)

	err := config.NewLoader().Watch(ctx, path, config.DefaultReloadDelay, tel.Logger, func(next *config.BuildConfig, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration reload failed: %v\n", err)
			return
		}
		applyOverrides(cmd, next, opts)
		run(next)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return nil
}

func printResult(result *engine.SessionResult) {
	fmt.Printf("Session:  %s\n", result.ID)
	fmt.Printf("Action:   %s\n", result.Action)
	if result.Decision != "" {
		fmt.Printf("Decision: %s\n", result.Decision)
	}
	if len(result.Configured) > 0 {
		fmt.Printf("Configured %d task(s)\n", len(result.Configured))
	}

	if result.Run != nil {
		s := result.Run.Summary
		fmt.Printf("\nTasks: %d total, %d succeeded, %d failed, %d skipped (%s)\n",
			s.Total, s.Succeeded, s.Failed, s.Skipped, result.Run.Duration.Round(time.Millisecond))

		if verbose {
			ids := make([]string, 0, len(result.Run.Results))
			for id := range result.Run.Results {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				r := result.Run.Results[id]
				fmt.Printf("  %-30s %-10s %s\n", truncate(id, 30), r.Status, r.Duration.Round(time.Millisecond))
			}
		}
	}

	if result.StatusLine != "" {
		fmt.Printf("\n%s\n", result.StatusLine)
	}
}

func printEvent(event telemetry.Event) {
	switch event.Type {
	case telemetry.EventTypeTaskStarted, telemetry.EventTypeTaskCompleted, telemetry.EventTypeTaskFailed,
		telemetry.EventTypeProblemRecorded, telemetry.EventTypeServiceInstantiated:
		fmt.Printf("> %s\n", event.Message)
	}
}
