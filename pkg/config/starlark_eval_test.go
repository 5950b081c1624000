package config

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/buildcache/pkg/problems"
)

type recordedProblem struct {
	problem  problems.Problem
	severity problems.Severity
}

type fakeHost struct {
	mu            sync.Mutex
	problems      []recordedProblem
	used          []string
	serialization []string
	useErr        error
}

func (h *fakeHost) Record(p problems.Problem, severity problems.Severity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.problems {
		if existing.problem.Kind == p.Kind {
			h.problems = append(h.problems, recordedProblem{p, severity})
			return false
		}
	}
	h.problems = append(h.problems, recordedProblem{p, severity})
	return true
}

func (h *fakeHost) Use(key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.useErr != nil {
		return h.useErr
	}
	h.used = append(h.used, key)
	return nil
}

func (h *fakeHost) FlagSerializationFailure(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serialization = append(h.serialization, reason)
}

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "functions and private globals are not exported",
			script: `
def make_list(n):
    out = []
    for i in range(n):
        out.append(i * 2)
    return out

_hidden = 1
output = make_list(3)
pair = (1, "a")
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["make_list"]; ok {
					t.Error("functions must not be exported")
				}
				if _, ok := sr.Output["_hidden"]; ok {
					t.Error("private globals must not be exported")
				}
				list, ok := sr.Output["output"].([]interface{})
				if !ok || len(list) != 3 || list[2] != int64(4) {
					t.Errorf("unexpected output %v", sr.Output["output"])
				}
				pair, ok := sr.Output["pair"].([]interface{})
				if !ok || len(pair) != 2 || pair[1] != "a" {
					t.Errorf("unexpected pair %v", sr.Output["pair"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "x = = 1\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 // 0\n",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1\n",
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result == nil || result.Error == "" {
					t.Error("expected error text in result")
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
total = 0
for i in range(10000):
    for j in range(10000):
        total += 1
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "x = 1\n", nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("expected nil or context.Canceled, got %v", err)
	}
}

func TestRunTask_Problems(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	host := &fakeHost{}

	task := TaskConfig{
		ID:         ":app:compile",
		Project:    ":app",
		Properties: map[string]interface{}{"legacy": true, "name": "app"},
		Script: `
if properties["legacy"]:
    first = problem("reads a system property", kind="system-property")
    again = problem("reads another system property", kind="system-property", severity="warning")
problem("registers a listener", kind="listener", location="Build file 'app/build.star'")
label = project + ":" + properties["name"]
`,
	}

	result, err := evaluator.RunTask(context.Background(), task, host)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	if len(host.problems) != 3 {
		t.Fatalf("expected 3 problems, got %d", len(host.problems))
	}

	first := host.problems[0]
	if first.problem.Location != "Task `:app:compile`" {
		t.Errorf("unexpected default location %q", first.problem.Location)
	}
	if first.severity != problems.SeverityFailure {
		t.Errorf("expected failure by default, got %s", first.severity)
	}
	if second := host.problems[1]; second.severity != problems.SeverityWarning {
		t.Errorf("explicit warning severity ignored, got %s", second.severity)
	}

	last := host.problems[2]
	if last.severity != problems.SeverityFailure || last.problem.Kind != "listener" {
		t.Errorf("unexpected problem %+v", last)
	}
	if last.problem.Location != "Build file 'app/build.star'" {
		t.Errorf("location override ignored: %q", last.problem.Location)
	}

	if result.Output["first"] != true || result.Output["again"] != false {
		t.Errorf("problem() should report first occurrences, got %v / %v", result.Output["first"], result.Output["again"])
	}
	if result.Output["label"] != ":app:app" {
		t.Errorf("unexpected label %v", result.Output["label"])
	}
}

func TestRunTask_UseAndSerialization(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	host := &fakeHost{}

	task := TaskConfig{
		ID:      ":lib:jar",
		Project: ":lib",
		Script: `
use("workers")
serialization_failure("cannot serialize object of type Thread")
`,
	}

	if _, err := evaluator.RunTask(context.Background(), task, host); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if len(host.used) != 1 || host.used[0] != "workers" {
		t.Errorf("unexpected used services %v", host.used)
	}
	if len(host.serialization) != 1 || !strings.Contains(host.serialization[0], "Thread") {
		t.Errorf("unexpected serialization failures %v", host.serialization)
	}
}

func TestRunTask_Errors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		host   *fakeHost
		want   string
	}{
		{
			name:   "fail",
			script: `fail("configuration broken")`,
			host:   &fakeHost{},
			want:   "configuration broken",
		},
		{
			name:   "unknown severity",
			script: `problem("x", severity="fatal")`,
			host:   &fakeHost{},
			want:   "fatal",
		},
		{
			name:   "use rejected",
			script: `use("db")`,
			host:   &fakeHost{useErr: errors.New("service db is not registered")},
			want:   "not registered",
		},
		{
			name:   "missing argument",
			script: `problem()`,
			host:   &fakeHost{},
			want:   "problem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := TaskConfig{ID: ":t", Project: ":", Script: tt.script}
			_, err := evaluator.RunTask(ctx, task, tt.host)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRunTask_EmptyScript(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)
	host := &fakeHost{}

	result, err := evaluator.RunTask(context.Background(), TaskConfig{ID: ":t", Project: ":"}, host)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if len(result.Output) != 0 || len(host.problems) != 0 {
		t.Error("empty script should have no effect")
	}
}
