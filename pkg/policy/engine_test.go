package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/problems"
)

func newTestEngine(t *testing.T, builtins ...string) *Engine {
	t.Helper()
	eng := NewEngine(zerolog.Nop())
	if err := eng.EnableBuiltins(context.Background(), builtins...); err != nil {
		t.Fatalf("Failed to enable built-ins: %v", err)
	}
	return eng
}

func TestBuiltinNames(t *testing.T) {
	want := []string{"environment-property", "task-naming", "undeclared-service"}
	got := BuiltinNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("BuiltinNames() = %v, want %v", got, want)
	}
}

func TestEnableBuiltins_Unknown(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	err := eng.EnableBuiltins(context.Background(), "no-such-policy")
	if err == nil || !strings.Contains(err.Error(), "no-such-policy") {
		t.Fatalf("expected unknown policy error, got %v", err)
	}
}

func TestEvaluate_TaskNaming(t *testing.T) {
	eng := newTestEngine(t, "task-naming")
	ctx := context.Background()

	tests := []struct {
		name       string
		task       config.TaskConfig
		violations int
	}{
		{"inside project", config.TaskConfig{ID: ":app:compile", Project: ":app"}, 0},
		{"nested project", config.TaskConfig{ID: ":app:core:compile", Project: ":app:core"}, 0},
		{"root project", config.TaskConfig{ID: ":build", Project: ":"}, 0},
		{"other project", config.TaskConfig{ID: ":lib:compile", Project: ":app"}, 1},
		{"prefix is not enough", config.TaskConfig{ID: ":application:compile", Project: ":app"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations, err := eng.Evaluate(ctx, Input{Build: "demo", Task: tt.task})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(violations) != tt.violations {
				t.Fatalf("expected %d violations, got %+v", tt.violations, violations)
			}
			for _, v := range violations {
				if v.Kind != "task-naming" || v.Severity != "warning" || v.TaskID != tt.task.ID {
					t.Errorf("unexpected violation %+v", v)
				}
			}
		})
	}
}

func TestEvaluate_UndeclaredService(t *testing.T) {
	eng := newTestEngine(t, "undeclared-service")

	task := config.TaskConfig{
		ID:      ":app:compile",
		Project: ":app",
		Uses:    []string{"workers"},
		Script:  "use(\"workers\")\nuse('cache')\n",
	}
	violations, err := eng.Evaluate(context.Background(), Input{Task: task})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %+v", violations)
	}
	if !strings.Contains(violations[0].Message, "'cache'") {
		t.Errorf("unexpected message %q", violations[0].Message)
	}

	// No script, nothing to report.
	violations, err = eng.Evaluate(context.Background(), Input{Task: config.TaskConfig{ID: ":a:b", Project: ":a"}})
	if err != nil || len(violations) != 0 {
		t.Errorf("expected no violations, got %+v (%v)", violations, err)
	}
}

func TestCheckTask_EnvironmentProperty(t *testing.T) {
	eng := newTestEngine(t, "environment-property")

	task := config.TaskConfig{
		ID:      ":app:publish",
		Project: ":app",
		Properties: map[string]any{
			"token":   "$API_TOKEN",
			"retries": 3,
			"channel": "stable",
		},
	}
	found, err := eng.CheckTask(context.Background(), Input{Task: task})
	if err != nil {
		t.Fatalf("CheckTask failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 problem, got %+v", found)
	}

	p := found[0]
	if p.Severity != problems.SeverityFailure {
		t.Errorf("expected failure severity, got %s", p.Severity)
	}
	if p.Kind != "environment-property" {
		t.Errorf("unexpected kind %q", p.Kind)
	}
	if p.Location != config.TaskLocation(":app:publish") {
		t.Errorf("unexpected location %q", p.Location)
	}
	if !strings.Contains(p.Message, "API_TOKEN") {
		t.Errorf("unexpected message %q", p.Message)
	}
}

func TestAdd_InvalidRego(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	err := eng.Add(context.Background(), Policy{Name: "broken", Rego: "package x\n\ndeny contains if {", Enabled: true})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if eng.Len() != 0 {
		t.Error("broken policy should not be added")
	}

	err = eng.Add(context.Background(), Policy{Name: "bad-severity", Rego: "package x\n", Severity: "critical"})
	if err == nil {
		t.Fatal("expected severity error")
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, "task-naming")
	if err := eng.DisablePolicy("task-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	violations, err := eng.Evaluate(context.Background(), Input{Task: config.TaskConfig{ID: ":lib:x", Project: ":app"}})
	if err != nil || len(violations) != 0 {
		t.Errorf("disabled policy reported %+v (%v)", violations, err)
	}

	if err := eng.EnablePolicy("task-naming"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for an unknown policy")
	}
}

const customRego = `# Tasks must not fan in from too many dependencies.
package buildcache.custom.fanin

import rego.v1

deny contains msg if {
	count(input.task.dependsOn) > 1
	msg := sprintf("task %s depends on %d tasks", [input.task.id, count(input.task.dependsOn)])
}
`

const customJSON = `{
  "name": "no-scripts",
  "description": "Scripts are not allowed",
  "severity": "failure",
  "rego": "package buildcache.custom.scripts\n\nimport rego.v1\n\ndeny contains {\"message\": \"scripts are not allowed\", \"kind\": \"script\"} if input.task.script\n"
}`

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("fanin.rego", customRego)
	write("scripts.json", customJSON)
	write("notes.txt", "not a policy")

	eng := NewEngine(zerolog.Nop())
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	policies := eng.Policies()
	if len(policies) != 2 || policies[0].Name != "fanin" || policies[1].Name != "no-scripts" {
		t.Fatalf("unexpected policies %+v", policies)
	}
	if policies[0].Description != "Tasks must not fan in from too many dependencies." {
		t.Errorf("unexpected description %q", policies[0].Description)
	}
	if policies[0].Source != filepath.Join(dir, "fanin.rego") {
		t.Errorf("unexpected source %q", policies[0].Source)
	}

	task := config.TaskConfig{
		ID:        ":app:compile",
		Project:   ":app",
		DependsOn: []string{":lib:a", ":lib:b"},
		Script:    "pass",
	}
	found, err := eng.CheckTask(context.Background(), Input{Task: task})
	if err != nil {
		t.Fatalf("CheckTask failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 problems, got %+v", found)
	}
	if found[0].Kind != "policy:fanin" || found[0].Severity != problems.SeverityWarning {
		t.Errorf("unexpected fan-in problem %+v", found[0])
	}
	if found[1].Kind != "script" || found[1].Severity != problems.SeverityFailure {
		t.Errorf("unexpected script problem %+v", found[1])
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policies", "fanin.rego"), []byte(customRego), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.BuildConfig{
		Name: "demo",
		Policies: config.PolicySettings{
			Builtin: []string{"task-naming"},
			Paths:   []string{"policies"},
		},
		SourceFiles: []string{filepath.Join(dir, "build.cue")},
	}

	eng, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if eng.Len() != 2 {
		t.Errorf("expected 2 policies, got %d", eng.Len())
	}

	cfg.Policies.Paths = []string{"missing"}
	if _, err := FromConfig(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for a missing policy path")
	}
}
