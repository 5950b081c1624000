package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// parsers maps a policy file extension to its decoder.
var parsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": regoPolicy,
	".json": jsonPolicy,
}

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy file named by paths. A directory
// contributes all policy files below it, in lexical order, and must load
// completely; other files in it are ignored.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var loaded []Policy
	for _, root := range paths {
		files, err := policyFiles(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		for _, file := range files {
			p, err := l.readPolicy(file)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			loaded = append(loaded, *p)
		}
	}

	l.logger.Debug().Int("total", len(loaded)).Int("sources", len(paths)).Msg("Policies loaded")
	return loaded, nil
}

// policyFiles expands root into the policy files to read. A file named
// directly is returned even when its extension is unsupported, so that
// readPolicy reports it.
func policyFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := parsers[filepath.Ext(path)]; ok && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) readPolicy(path string) (*Policy, error) {
	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	p.LoadedAt = time.Now()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file read")
	return p, nil
}

// regoPolicy wraps a bare Rego module. The policy is named after the file and
// reports warnings unless its deny entries say otherwise.
func regoPolicy(path string, data []byte) (*Policy, error) {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    "warning",
		Enabled:     true,
	}, nil
}

// jsonPolicy decodes a full policy definition. Policies are enabled unless
// the file disables them.
func jsonPolicy(_ string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = "warning"
	}
	return p, nil
}

// leadingComment joins the comment lines at the top of a Rego module.
func leadingComment(module string) string {
	var parts []string
	for _, line := range strings.Split(module, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if text := strings.TrimSpace(strings.TrimLeft(line, "#")); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
