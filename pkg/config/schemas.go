package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaBuild is the name of the built-in build configuration schema.
const SchemaBuild = "build"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaBuild, builtinBuildSchema, "#Build"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the named definition in it.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies the named schema to a value compiled in the same runtime.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// Context returns the CUE runtime that schemas were compiled in. Values
// unified with a schema must come from the same runtime.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

const builtinBuildSchema = `
#Service: {
	key:  string & != ""
	kind: "limiter" | "counter"
	params?: {[string]: number | string | bool}
	maxParallelUsages?: int & >=1
	dependsOn?: [...string]
}

#Task: {
	// Task paths look like ":app:compile"
	id:      string & =~"^:"
	project: string & =~"^:"
	dependsOn?: [...string]
	uses?: [...string]
	incompatible?: bool
	script?:       string
	work?:         string
	properties?: {[string]: _}
}

#Build: {
	name: string & != ""
	session?: {
		failOnProblems?: bool
		maxProblems?:    int & >=0
		reportDir?:      string
	}
	services?: [...#Service]
	policies?: {
		builtin?: [...string]
		paths?: [...string]
	}
	tasks: [#Task, ...#Task]
}
`
