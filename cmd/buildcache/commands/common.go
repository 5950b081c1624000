package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/stores"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

const defaultStorePath = ".buildcache/cache.db"

// configCandidates are tried in order when --config is not set.
var configCandidates = []string{"build.cue", "build.yaml", "build.yml"}

// resolveConfigPath returns the --config value or the first build file found
// in the working directory.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	for _, candidate := range configCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no build config found (looked for %v); use --config or run 'buildcache init'", configCandidates)
}

// loadConfig resolves and loads the build configuration.
func loadConfig(ctx context.Context) (*config.BuildConfig, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, path, nil
}

// openStore opens the cache database, creating and migrating it if needed.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(storePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: storePath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newTelemetry builds the process telemetry from the global flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if os.Getenv("CI") != "" {
		cfg = telemetry.CIConfig(traceOTLP)
	}
	if appVersion != "" {
		cfg.ServiceVersion = appVersion
	}

	switch {
	case verbose:
		cfg.Logging.Level = "debug"
	case os.Getenv("LOG_LEVEL") != "":
		cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	}
	if jsonOutput {
		// Keep stdout for the JSON result.
		cfg.Logging.Format = "json"
		cfg.Logging.Output = "stderr"
	}

	switch {
	case traceOTLP != "":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = traceOTLP
	case traceStdout:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "stdout"
	}
	cfg.Metrics.ListenAddress = metricsAddr

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tel.StartMetricsServer()
	return tel, nil
}

// shutdownTelemetry flushes traces and stops the metrics server.
func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// shortKey abbreviates an entry key for tables.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// formatTime renders an optional timestamp for tables.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
