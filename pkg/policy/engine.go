package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/buildcache/pkg/config"
	"github.com/openfroyo/buildcache/pkg/problems"
)

// Engine compiles Rego policies and evaluates them against task
// configurations.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine without policies.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
}

// FromConfig builds the engine selected by the policies section of cfg.
// Policy paths are relative to the directory of the first source file.
func FromConfig(ctx context.Context, cfg *config.BuildConfig, logger zerolog.Logger) (*Engine, error) {
	e := NewEngine(logger)
	if err := e.EnableBuiltins(ctx, cfg.Policies.Builtin...); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(cfg.Policies.Paths))
	for _, p := range cfg.Policies.Paths {
		if !filepath.IsAbs(p) && len(cfg.SourceFiles) > 0 {
			p = filepath.Join(filepath.Dir(cfg.SourceFiles[0]), p)
		}
		paths = append(paths, p)
	}
	if len(paths) > 0 {
		if err := e.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EnableBuiltins compiles the named built-in policies.
func (e *Engine) EnableBuiltins(ctx context.Context, names ...string) error {
	builtins := make(map[string]Policy)
	for _, p := range BuiltinPolicies() {
		builtins[p.Name] = p
	}

	for _, name := range names {
		p, ok := builtins[name]
		if !ok {
			return fmt.Errorf("unknown built-in policy %q (known: %v)", name, BuiltinNames())
		}
		if err := e.Add(ctx, p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", name, err)
		}
	}
	return nil
}

// LoadPolicies loads and compiles policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.Add(ctx, policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Add compiles a policy and replaces any policy of the same name.
func (e *Engine) Add(ctx context.Context, policy Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = problems.SeverityWarning.String()
	}
	if _, err := problems.ParseSeverity(policy.Severity); err != nil {
		return err
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = &compiledPolicy{
		policy:   &policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// Len returns the number of compiled policies.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// Policies returns the compiled policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]Violation, error) {
	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	var violations []Violation
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return violations, err
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("task", input.Task.ID).
				Msg("Policy evaluation failed")
			continue
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, newViolation(cp.policy, d, input))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Policy != violations[j].Policy {
			return violations[i].Policy < violations[j].Policy
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// CheckTask evaluates the policies and converts violations into problems
// located at the task.
func (e *Engine) CheckTask(ctx context.Context, input Input) ([]problems.Problem, error) {
	violations, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	out := make([]problems.Problem, 0, len(violations))
	for _, v := range violations {
		severity, err := problems.ParseSeverity(v.Severity)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", v.Policy).Msg("Treating unknown severity as a warning")
		}
		out = append(out, problems.Problem{
			Kind:     v.Kind,
			Message:  v.Message,
			Location: config.TaskLocation(v.TaskID),
			Severity: severity,
		})
	}
	return out, nil
}

// newViolation creates a Violation from one deny entry. Entries are either
// a message string or an object with message, and optionally severity and
// kind.
func newViolation(policy *Policy, result interface{}, input Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		TaskID:   input.Task.ID,
		Severity: policy.Severity,
		Kind:     "policy:" + policy.Name,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if kind, ok := v["kind"].(string); ok && kind != "" {
			violation.Kind = kind
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Message == "" {
		violation.Message = fmt.Sprintf("violates policy %s", policy.Name)
	}
	return violation
}
