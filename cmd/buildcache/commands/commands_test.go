package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/openfroyo/buildcache/pkg/stores"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func mustExecute(t *testing.T, args ...string) {
	t.Helper()
	if err := execute(t, args...); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
}

func openTestStore(t *testing.T, path string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestInitRunAndInspect(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "build.cue")
	dbPath := filepath.Join(dir, "cache", "cache.db")
	flags := []string{"--config", cfgPath, "--store", dbPath}

	mustExecute(t, append([]string{"init", "--name", "shop"}, flags...)...)
	content, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("init did not write %s: %v", cfgPath, err)
	}
	if !strings.Contains(string(content), `name: "shop"`) {
		t.Errorf("starter config does not carry the workspace name:\n%s", content)
	}

	mustExecute(t, append([]string{"validate", "--graph", "--print"}, flags...)...)

	reportDir := filepath.Join(dir, "reports")
	runArgs := append([]string{"run", ":app:compile", "--report-dir", reportDir}, flags...)
	mustExecute(t, runArgs...)
	mustExecute(t, runArgs...)

	store := openTestStore(t, dbPath)
	ctx := context.Background()

	entries, err := store.ListEntries(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if got := entries[0].RequestedTasks; len(got) != 1 || got[0] != ":app:compile" {
		t.Errorf("RequestedTasks = %v, want [:app:compile]", got)
	}
	if got := entries[0].HitCount; got != 1 {
		t.Errorf("HitCount = %d, want 1", got)
	}

	sessions, err := store.ListSessions(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	actions := []string{sessions[0].Action, sessions[1].Action}
	slices.Sort(actions)
	if actions[0] != "load" || actions[1] != "store" {
		t.Errorf("session actions = %v, want one load and one store", actions)
	}
	for _, s := range sessions {
		if s.Outcome != stores.SessionOutcomeSucceeded {
			t.Errorf("session %s outcome = %s, want succeeded", s.ID, s.Outcome)
		}
	}

	mustExecute(t, append([]string{"entries", "list"}, flags...)...)
	mustExecute(t, append([]string{"sessions", "list", "--entry", entries[0].Key[:8]}, flags...)...)
	mustExecute(t, append([]string{"sessions", "show", sessions[0].ID}, flags...)...)

	mustExecute(t, append([]string{"entries", "invalidate", entries[0].Key[:8]}, flags...)...)
	entry, err := store.GetEntry(ctx, entries[0].Key)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Valid() {
		t.Error("entry still valid after invalidate")
	}

	mustExecute(t, append([]string{"entries", "delete", entries[0].Key}, flags...)...)
	if _, err := store.GetEntry(ctx, entries[0].Key); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("GetEntry() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRunFailsOnProblems(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "build.yaml")
	dbPath := filepath.Join(dir, "cache.db")
	writeConfig(t, cfgPath, `
name: problems
tasks:
  - id: ":app:compile"
    project: ":app"
    script: |
      problem("reads a system property", kind="system-property")
`)
	flags := []string{"--config", cfgPath, "--store", dbPath, "--report-dir", filepath.Join(dir, "reports")}

	err := execute(t, append([]string{"run"}, flags...)...)
	if err == nil {
		t.Fatal("run succeeded with a failure problem")
	}
	if !strings.Contains(err.Error(), "system property") {
		t.Errorf("error = %q, missing the problem message", err)
	}

	// Tolerated when problems do not fail the build.
	mustExecute(t, append([]string{"run", "--fail-on-problems=false"}, flags...)...)
}

func TestRunToleratesWarnings(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "build.yaml")
	writeConfig(t, cfgPath, `
name: warnings
tasks:
  - id: ":app:compile"
    project: ":app"
    script: |
      problem("reads a system property", kind="system-property", severity="warning")
`)

	mustExecute(t, "run", "--config", cfgPath, "--store", filepath.Join(dir, "cache.db"), "--report-dir", filepath.Join(dir, "reports"))
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "build.yaml")
	writeConfig(t, cfgPath, `
name: broken
tasks:
  - id: ":app:compile"
    project: ":app"
    dependsOn: [":lib:missing"]
`)

	err := execute(t, "validate", cfgPath, "--store", filepath.Join(dir, "cache.db"))
	if err == nil || !strings.Contains(err.Error(), ":lib:missing") {
		t.Errorf("validate error = %v, want one naming :lib:missing", err)
	}
}

func TestResolveConfigPathMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	configPath = ""
	if _, err := resolveConfigPath(); err == nil {
		t.Error("resolveConfigPath() found a config in an empty directory")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdefgh", 5, "ab..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
	if got := shortKey("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortKey() = %q", got)
	}
}
