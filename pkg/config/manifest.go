package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/molr/molr/pkg/leaf"
	"github.com/molr/molr/pkg/tree"
)

// ErrInvalidManifest is returned for manifests that cannot be compiled into a mission.
var ErrInvalidManifest = errors.New("invalid mission manifest")

// Manifest is the YAML description of a mission tree.
type Manifest struct {
	Name        string        `yaml:"name" validate:"required"`
	Description string        `yaml:"description,omitempty"`
	Root        BlockManifest `yaml:"root"`
}

// BlockManifest describes one block. Blocks with children default to
// sequential, blocks without to leaf.
type BlockManifest struct {
	Name     string                 `yaml:"name" validate:"required"`
	Kind     tree.Kind              `yaml:"kind,omitempty" validate:"omitempty,oneof=sequential parallel leaf"`
	Script   string                 `yaml:"script,omitempty"`
	Wasm     string                 `yaml:"wasm,omitempty"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
	Children []BlockManifest        `yaml:"children,omitempty" validate:"dive"`
}

func (b BlockManifest) kind() tree.Kind {
	switch {
	case b.Kind != "":
		return b.Kind
	case len(b.Children) > 0:
		return tree.KindSequential
	default:
		return tree.KindLeaf
	}
}

// Mission is a compiled manifest: the tree plus the scripts and
// WebAssembly module paths of its leaves.
type Mission struct {
	Name        string
	Description string
	Tree        *tree.Tree
	Scripts     map[tree.BlockID]leaf.Script
	Modules     map[tree.BlockID]string
}

// LoadManifest reads and compiles a mission manifest file. Relative module
// paths are resolved against the manifest's directory and must exist.
func LoadManifest(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	mission, err := m.Compile()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for id, module := range mission.Modules {
		if !filepath.IsAbs(module) {
			module = filepath.Join(dir, module)
			mission.Modules[id] = module
		}
		if _, err := os.Stat(module); err != nil {
			return nil, fmt.Errorf("%w: leaf %s: %w", ErrInvalidManifest, id, err)
		}
	}
	return mission, nil
}

// ParseManifest decodes a manifest and checks it against the mission schema.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
	}

	schemas, err := builtinSchemas()
	if err != nil {
		return nil, err
	}
	if err := schemas.Validate("mission", raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

// Compile builds the mission tree. Block IDs follow the builder's
// hierarchical numbering, so the first child of the root is "1.1".
func (m *Manifest) Compile() (*Mission, error) {
	c := &compiler{
		scripts: make(map[tree.BlockID]leaf.Script),
		modules: make(map[tree.BlockID]string),
	}
	b := tree.NewBuilder()
	c.block(b, m.Root, m.Root.Name)

	if len(c.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, errors.Join(c.errs...))
	}

	t, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return &Mission{
		Name:        m.Name,
		Description: m.Description,
		Tree:        t,
		Scripts:     c.scripts,
		Modules:     c.modules,
	}, nil
}

type compiler struct {
	scripts map[tree.BlockID]leaf.Script
	modules map[tree.BlockID]string
	errs    []error
}

func (c *compiler) block(b *tree.Builder, bm BlockManifest, path string) {
	kind := bm.kind()

	if kind == tree.KindLeaf {
		if len(bm.Children) > 0 {
			c.errs = append(c.errs, fmt.Errorf("leaf %q has children", path))
			return
		}
		id := b.Leaf(bm.Name)
		if bm.Wasm != "" {
			if bm.Script != "" {
				c.errs = append(c.errs, fmt.Errorf("leaf %q has both a script and a module", path))
				return
			}
			c.modules[id] = bm.Wasm
			return
		}
		if bm.Script == "" {
			return
		}
		if err := leaf.CheckSyntax(string(id), bm.Script); err != nil {
			c.errs = append(c.errs, fmt.Errorf("leaf %q: %w", path, err))
			return
		}
		c.scripts[id] = leaf.Script{Source: bm.Script, Params: bm.Params}
		return
	}

	if len(bm.Children) == 0 {
		c.errs = append(c.errs, fmt.Errorf("%s block %q has no children", kind, path))
		return
	}
	if bm.Script != "" || bm.Wasm != "" {
		c.errs = append(c.errs, fmt.Errorf("%s block %q cannot have a script or module", kind, path))
	}

	children := func(b *tree.Builder) {
		for _, child := range bm.Children {
			c.block(b, child, path+"/"+child.Name)
		}
	}
	if kind == tree.KindParallel {
		b.Parallel(bm.Name, children)
	} else {
		b.Sequential(bm.Name, children)
	}
}

// Install registers the mission's leaf scripts with the executor.
func (m *Mission) Install(exec *leaf.StarlarkExecutor) error {
	for id, script := range m.Scripts {
		if err := exec.SetScript(id, script); err != nil {
			return fmt.Errorf("failed to install script for %s: %w", id, err)
		}
	}
	return nil
}

// InstallModules compiles the mission's WebAssembly modules into the executor.
func (m *Mission) InstallModules(ctx context.Context, exec *leaf.WasmExecutor) error {
	for id, path := range m.Modules {
		wasm, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read module for %s: %w", id, err)
		}
		if err := exec.SetModule(ctx, id, wasm); err != nil {
			return err
		}
	}
	return nil
}
