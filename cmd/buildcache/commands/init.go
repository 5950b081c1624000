package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildcache/pkg/config"
)

const starterConfig = `// Build configuration for buildcache.
name: %q

session: {
	failOnProblems: true
	maxProblems:    512
	reportDir:      "build/reports"
}

services: [
	{key: "workers", kind: "limiter", maxParallelUsages: 2, params: {rate: 50, burst: 5}},
	{key: "compilations", kind: "counter", dependsOn: ["workers"]},
]

tasks: [
	{id: ":lib:compile", project: ":lib", uses: ["workers", "compilations"], work: "200ms"},
	{id: ":lib:jar", project: ":lib", dependsOn: [":lib:compile"], work: "50ms"},
	{
		id:        ":app:compile"
		project:   ":app"
		dependsOn: [":lib:jar"]
		uses: ["workers", "compilations"]
		work: "200ms"
		script: """
			if properties.get("legacy"):
			    problem("reads a system property at configuration time", kind="system-property")
			"""
		properties: {legacy: false}
	},
]
`

func newInitCommand() *cobra.Command {
	var (
		name  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a buildcache workspace",
		Long: `Initialize a new workspace with a starter build configuration and an
empty cache database.`,
		Example: `  # Initialize in the current directory
  buildcache init

  # Overwrite an existing build.cue
  buildcache init --force --name shop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = "build.cue"
			}

			log.Info().
				Str("config", path).
				Str("store", storePath).
				Msg("Initializing workspace")

			// Step 1: Write the starter configuration
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("• Keeping existing config file: %s\n", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", path, err)
			} else {
				if err := os.WriteFile(path, []byte(fmt.Sprintf(starterConfig, name)), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			// Step 2: Check that it loads
			if _, err := config.NewLoader().Load(ctx, path); err != nil {
				return fmt.Errorf("config file %s is invalid: %w", path, err)
			}
			fmt.Printf("✓ Validated config file: %s\n", path)

			// Step 3: Initialize the cache database
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("cache database is not healthy: %w", err)
			}
			fmt.Printf("✓ Initialized cache database: %s\n", storePath)

			fmt.Println("\nWorkspace initialized successfully!")
			fmt.Println("\nNext steps:")
			fmt.Printf("  1. Edit %s to describe your build\n", path)
			fmt.Println("  2. Run: buildcache run")
			fmt.Println("  3. Run it again to reuse the cache entry")

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "my-build", "build name for the starter config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
