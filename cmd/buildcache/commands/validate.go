package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var (
		printConfig bool
		printGraph  bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the build configuration",
		Long: `Validate the build configuration against the build schema.

This command checks:
  - CUE or YAML syntax validity
  - Schema conformance
  - Task and service cross-references
  - Dependency cycles between tasks and services`,
		Example: `  # Validate build.cue or build.yaml in the current directory
  buildcache validate

  # Validate a directory of CUE files and print the effective config
  buildcache validate ./build --print

  # Render the task graph
  buildcache validate --graph | dot -Tsvg > tasks.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(args) > 0 {
				configPath = args[0]
			}
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := config.NewLoader().Load(ctx, path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) && !jsonOutput {
					fmt.Fprintf(os.Stderr, "✗ %s has %d error(s):\n", path, len(verrs))
					for _, e := range verrs {
						fmt.Fprintf(os.Stderr, "  %s\n", e)
					}
				}
				return err
			}

			if jsonOutput {
				return printJSON(cfg)
			}

			tasks := make([]*engine.Task, 0, len(cfg.Tasks))
			for _, tc := range cfg.Tasks {
				tasks = append(tasks, &engine.Task{ID: tc.ID, Project: tc.Project, DependsOn: tc.DependsOn, Uses: tc.Uses})
			}
			g, err := engine.NewTaskGraph(tasks)
			if err != nil {
				return fmt.Errorf("invalid task graph: %w", err)
			}

			fmt.Printf("✓ %s is valid: %d task(s) in %d level(s), %d service(s)\n", path, g.Len(), g.Depth(), len(cfg.Services))
			if printGraph {
				fmt.Println()
				fmt.Print(g.DOT(cfg.Name))
			}
			if printConfig {
				fmt.Println()
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return fmt.Errorf("failed to print config: %w", err)
				}
				return enc.Close()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration as YAML")
	cmd.Flags().BoolVar(&printGraph, "graph", false, "print the task graph in Graphviz DOT format")

	return cmd
}
