package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/buildcache/pkg/cache"
	"github.com/openfroyo/buildcache/pkg/graph"
	"github.com/openfroyo/buildcache/pkg/services"
)

// Loader reads build configurations from CUE, JSON or YAML sources,
// applies the build schema and validates the result.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads a configuration file, or a directory holding a CUE package.
func (l *Loader) Load(ctx context.Context, path string) (*BuildConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	if info.IsDir() {
		val, files, err := l.loadDirectory(path)
		if err != nil {
			return nil, err
		}
		return l.decode(ctx, val, files)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(ctx, content, path)
	case ".cue", ".json":
		return l.LoadCUE(ctx, content, path)
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
	}
}

// LoadCUE parses CUE (or JSON) content.
func (l *Loader) LoadCUE(ctx context.Context, content []byte, filename string) (*BuildConfig, error) {
	val := l.schemas.Context().CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(ctx, val, []string{filename})
}

// LoadYAML parses YAML content.
func (l *Loader) LoadYAML(ctx context.Context, content []byte, filename string) (*BuildConfig, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	if raw == nil {
		return nil, ValidationErrors{{File: filename, Message: "empty configuration"}}
	}

	val := l.schemas.Context().Encode(raw)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return l.decode(ctx, val, []string{filename})
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []string, error) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := l.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// decode applies the build schema, extracts the configuration and
// validates it.
func (l *Loader) decode(ctx context.Context, val cue.Value, files []string) (*BuildConfig, error) {
	unified, err := l.schemas.Unify(SchemaBuild, val)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	cfg := &BuildConfig{}
	if err := unified.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SourceFiles = files
	cfg.LoadedAt = time.Now()

	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the references between tasks and
// services.
func (l *Loader) Validate(_ context.Context, cfg *BuildConfig) error {
	var errs ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "BuildConfig."),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	serviceKeys := make(map[string]bool, len(cfg.Services))
	serviceNodes := make([]graph.Node, 0, len(cfg.Services))
	for i, svc := range cfg.Services {
		path := fmt.Sprintf("services[%d]", i)
		if serviceKeys[svc.Key] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate service key %q", svc.Key)})
			continue
		}
		serviceKeys[svc.Key] = true
		if _, err := services.BuiltinFactory(svc.Kind); err != nil {
			errs = append(errs, ValidationError{Path: path + ".kind", Message: err.Error()})
		}
		serviceNodes = append(serviceNodes, graph.Node{ID: svc.Key, Dependencies: svc.DependsOn})
	}
	for i, svc := range cfg.Services {
		for _, dep := range svc.DependsOn {
			if !serviceKeys[dep] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("services[%d].dependsOn", i),
					Message: fmt.Sprintf("unknown service %q", dep),
				})
			}
		}
	}

	taskIDs := make(map[string]bool, len(cfg.Tasks))
	taskNodes := make([]graph.Node, 0, len(cfg.Tasks))
	for i, task := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if taskIDs[task.ID] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate task %q", task.ID)})
			continue
		}
		taskIDs[task.ID] = true
		taskNodes = append(taskNodes, graph.Node{ID: task.ID, Dependencies: task.DependsOn})

		for _, key := range task.Uses {
			if !serviceKeys[key] {
				errs = append(errs, ValidationError{Path: path + ".uses", Message: fmt.Sprintf("unknown service %q", key)})
			}
		}
		if _, err := task.WorkDuration(); err != nil {
			errs = append(errs, ValidationError{Path: path + ".work", Message: err.Error()})
		}
		if task.Script != "" {
			if _, err := scriptOptions.Parse(task.ID+".star", task.Script, 0); err != nil {
				errs = append(errs, ValidationError{Path: path + ".script", Message: err.Error()})
			}
		}
	}
	for i, task := range cfg.Tasks {
		for _, dep := range task.DependsOn {
			if !taskIDs[dep] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("tasks[%d].dependsOn", i),
					Message: fmt.Sprintf("unknown task %q", dep),
				})
			}
		}
	}

	// Reference errors make the graphs meaningless.
	if len(errs) > 0 {
		return errs
	}

	if _, err := graph.Build(taskNodes); err != nil {
		errs = append(errs, ValidationError{Path: "tasks", Message: err.Error()})
	}
	if _, err := graph.Build(serviceNodes); err != nil {
		errs = append(errs, ValidationError{Path: "services", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SessionConfig returns the cache session settings for the requested tasks.
func (c *BuildConfig) SessionConfig(requestedTasks []string) cache.SessionConfig {
	cfg := cache.DefaultSessionConfig()
	if c.Session.FailOnProblems != nil {
		cfg.FailOnProblems = *c.Session.FailOnProblems
	}
	if c.Session.MaxProblems != nil {
		cfg.MaxProblems = *c.Session.MaxProblems
	}
	cfg.RequestedTasks = append([]string(nil), requestedTasks...)
	return cfg
}

// Task returns the task with the given ID.
func (c *BuildConfig) Task(id string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// TasksFor returns the requested tasks and everything they depend on, in
// configuration order. No requested tasks selects the whole graph.
func (c *BuildConfig) TasksFor(requested []string) ([]TaskConfig, error) {
	if len(requested) == 0 {
		return append([]TaskConfig(nil), c.Tasks...), nil
	}

	byID := make(map[string]TaskConfig, len(c.Tasks))
	for _, t := range c.Tasks {
		byID[t.ID] = t
	}

	selected := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if selected[id] {
			return nil
		}
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("task %q not found in build %s", id, c.Name)
		}
		selected[id] = true
		for _, dep := range t.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range requested {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	tasks := make([]TaskConfig, 0, len(selected))
	for _, t := range c.Tasks {
		if selected[t.ID] {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Fingerprint hashes the build-wide settings: the session settings, the
// shared services and the policy selection. Task changes are tracked per
// project instead.
func (c *BuildConfig) Fingerprint() string {
	return hashJSON(struct {
		Session  SessionSettings `json:"session"`
		Services []ServiceConfig `json:"services"`
		Policies PolicySettings  `json:"policies"`
	}{c.Session, c.Services, c.Policies})
}

// ProjectFingerprints hashes the tasks of every project among tasks.
func ProjectFingerprints(tasks []TaskConfig) map[string]string {
	byProject := make(map[string][]TaskConfig)
	for _, t := range tasks {
		byProject[t.Project] = append(byProject[t.Project], t)
	}

	out := make(map[string]string, len(byProject))
	for project, ts := range byProject {
		sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
		out[project] = hashJSON(ts)
	}
	return out
}

func hashJSON(v interface{}) string {
	// encoding/json sorts map keys, so equal values hash equally.
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}
