package tree

import (
	"errors"
	"fmt"
	"strconv"
)

// Builder assembles a Tree from nested Sequential, Parallel and Leaf calls.
// Block IDs are assigned hierarchically: the root is "1", its children
// "1.1", "1.2", their children "1.2.1", and so on.
type Builder struct {
	root     BlockID
	blocks   []Block
	children map[BlockID][]BlockID
	stack    []BlockID
	errs     []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		blocks:   make([]Block, 0),
		children: make(map[BlockID][]BlockID),
		stack:    make([]BlockID, 0),
	}
}

// Sequential adds a sequential block and populates its children with fn.
func (b *Builder) Sequential(name string, fn func(*Builder)) BlockID {
	return b.composite(name, KindSequential, fn)
}

// Parallel adds a parallel block and populates its children with fn.
func (b *Builder) Parallel(name string, fn func(*Builder)) BlockID {
	return b.composite(name, KindParallel, fn)
}

// Leaf adds a leaf block under the composite currently being built.
func (b *Builder) Leaf(name string) BlockID {
	return b.add(name, KindLeaf)
}

func (b *Builder) composite(name string, kind Kind, fn func(*Builder)) BlockID {
	id := b.add(name, kind)
	if id == "" {
		return id
	}
	b.stack = append(b.stack, id)
	if fn != nil {
		fn(b)
	}
	b.stack = b.stack[:len(b.stack)-1]
	return id
}

func (b *Builder) add(name string, kind Kind) BlockID {
	var id BlockID
	if len(b.stack) == 0 {
		if b.root != "" {
			b.errs = append(b.errs, fmt.Errorf("%w: second root block %q", ErrInvalidTree, name))
			return ""
		}
		id = "1"
		b.root = id
	} else {
		parent := b.stack[len(b.stack)-1]
		id = BlockID(string(parent) + "." + strconv.Itoa(len(b.children[parent])+1))
		b.children[parent] = append(b.children[parent], id)
	}

	b.blocks = append(b.blocks, Block{ID: id, Name: name, Kind: kind})
	return id
}

// Build validates the collected blocks and returns the tree.
func (b *Builder) Build() (*Tree, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.root == "" {
		return nil, fmt.Errorf("%w: no blocks defined", ErrInvalidTree)
	}
	return NewTree(b.root, b.blocks, b.children)
}
