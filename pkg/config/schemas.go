package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// missionSchema describes the structure of a mission manifest. Definitions
// are closed, so unknown fields are rejected.
const missionSchema = `
#Block: {
	name:      string & !=""
	kind?:     "sequential" | "parallel" | "leaf"
	script?:   string
	wasm?:     string & !=""
	params?:   {...}
	children?: [...#Block]
}

#Mission: {
	name:         string & !=""
	description?: string
	root:         #Block
}
`

// SchemaRegistry holds the CUE schemas used to check manifests before they
// are decoded.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaRegistry creates a registry with the built-in mission schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("mission", missionSchema, "#Mission"); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles source and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, path, err)
	}

	sr.schemas[name] = def
	return nil
}

// Validate checks data, typically a YAML document decoded into generic maps,
// against the named schema.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

var (
	defaultSchemas     *SchemaRegistry
	defaultSchemasErr  error
	defaultSchemasOnce sync.Once
)

func builtinSchemas() (*SchemaRegistry, error) {
	defaultSchemasOnce.Do(func() {
		defaultSchemas, defaultSchemasErr = NewSchemaRegistry()
	})
	return defaultSchemas, defaultSchemasErr
}
