package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidTree is wrapped by every structural validation failure.
var ErrInvalidTree = errors.New("invalid mission tree")

var validate = validator.New()

// Tree is the arena holding every block of a mission.
type Tree struct {
	// root is the identity of the top-level block
	root BlockID

	// blocks maps block IDs to their blocks
	blocks map[BlockID]Block

	// children maps composite block IDs to their ordered children
	children map[BlockID][]BlockID

	// parents is the reverse index of children
	parents map[BlockID]BlockID

	// order is the depth-first pre-order position of each block
	order map[BlockID]int

	// last is the pre-order position of the last descendant of each block.
	// A block d is a descendant of a iff order[a] <= order[d] <= last[a].
	last map[BlockID]int
}

// NewTree validates the given blocks and child lists and builds a tree rooted at root.
// It rejects duplicate IDs, unknown references, blocks with more than one parent,
// cycles, unreachable blocks, leaves with children and composites without children.
func NewTree(root BlockID, blocks []Block, children map[BlockID][]BlockID) (*Tree, error) {
	t := &Tree{
		root:     root,
		blocks:   make(map[BlockID]Block, len(blocks)),
		children: make(map[BlockID][]BlockID),
		parents:  make(map[BlockID]BlockID),
		order:    make(map[BlockID]int, len(blocks)),
		last:     make(map[BlockID]int, len(blocks)),
	}

	for _, block := range blocks {
		if err := validate.Struct(block); err != nil {
			return nil, fmt.Errorf("%w: block %q: %v", ErrInvalidTree, block.ID, err)
		}
		if _, exists := t.blocks[block.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate block ID: %s", ErrInvalidTree, block.ID)
		}
		t.blocks[block.ID] = block
	}

	if _, ok := t.blocks[root]; !ok {
		return nil, fmt.Errorf("%w: root block %q does not exist", ErrInvalidTree, root)
	}

	for parentID, childIDs := range children {
		parent, ok := t.blocks[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: children declared for unknown block %s", ErrInvalidTree, parentID)
		}
		if parent.Kind == KindLeaf && len(childIDs) > 0 {
			return nil, fmt.Errorf("%w: leaf block %s cannot have children", ErrInvalidTree, parentID)
		}
		for _, childID := range childIDs {
			if _, ok := t.blocks[childID]; !ok {
				return nil, fmt.Errorf("%w: block %s references unknown child %s", ErrInvalidTree, parentID, childID)
			}
			if childID == root {
				return nil, fmt.Errorf("%w: root block %s cannot be a child of %s", ErrInvalidTree, root, parentID)
			}
			if existing, taken := t.parents[childID]; taken {
				return nil, fmt.Errorf("%w: block %s has two parents (%s and %s)", ErrInvalidTree, childID, existing, parentID)
			}
			t.parents[childID] = parentID
		}
		if len(childIDs) > 0 {
			t.children[parentID] = append([]BlockID(nil), childIDs...)
		}
	}

	for id, block := range t.blocks {
		if block.Kind.IsComposite() && len(t.children[id]) == 0 {
			return nil, fmt.Errorf("%w: %s block %s has no children", ErrInvalidTree, block.Kind, id)
		}
	}

	if err := t.index(); err != nil {
		return nil, err
	}

	return t, nil
}

// index walks the tree depth-first from the root, assigning pre-order positions
// and detecting cycles and unreachable blocks.
func (t *Tree) index() error {
	position := 0
	visiting := make(map[BlockID]bool)
	path := make([]BlockID, 0)

	var walk func(id BlockID) error
	walk = func(id BlockID) error {
		if visiting[id] {
			return fmt.Errorf("%w: cycle detected: %s", ErrInvalidTree, formatPath(append(path, id)))
		}
		if _, seen := t.order[id]; seen {
			return fmt.Errorf("%w: block %s reached twice", ErrInvalidTree, id)
		}
		visiting[id] = true
		path = append(path, id)

		t.order[id] = position
		position++
		for _, child := range t.children[id] {
			if err := walk(child); err != nil {
				return err
			}
		}
		t.last[id] = position - 1

		path = path[:len(path)-1]
		visiting[id] = false
		return nil
	}

	if err := walk(t.root); err != nil {
		return err
	}

	if len(t.order) != len(t.blocks) {
		for id := range t.blocks {
			if _, reached := t.order[id]; !reached {
				return fmt.Errorf("%w: block %s is not reachable from root %s", ErrInvalidTree, id, t.root)
			}
		}
	}
	return nil
}

// Root returns the top-level block.
func (t *Tree) Root() Block {
	return t.blocks[t.root]
}

// Block looks up a block by ID.
func (t *Tree) Block(id BlockID) (Block, bool) {
	b, ok := t.blocks[id]
	return b, ok
}

// Len returns the number of blocks in the tree.
func (t *Tree) Len() int {
	return len(t.blocks)
}

// Structure returns a navigational view over the whole tree.
func (t *Tree) Structure() *Structure {
	return &Structure{tree: t, root: t.root}
}

// Render returns an indented, human readable outline of the tree.
func (t *Tree) Render() string {
	var sb strings.Builder
	var walk func(id BlockID, depth int)
	walk = func(id BlockID, depth int) {
		b := t.blocks[id]
		fmt.Fprintf(&sb, "%s%s [%s] %s\n", strings.Repeat("  ", depth), b.ID, b.Kind, b.Name)
		for _, child := range t.children[id] {
			walk(child, depth+1)
		}
	}
	walk(t.root, 0)
	return sb.String()
}

// isDescendant reports whether d lies in the subtree rooted at a (inclusive).
func (t *Tree) isDescendant(d, a BlockID) bool {
	od, ok := t.order[d]
	if !ok {
		return false
	}
	oa, ok := t.order[a]
	if !ok {
		return false
	}
	return oa <= od && od <= t.last[a]
}

// formatPath formats a block path for error messages.
func formatPath(path []BlockID) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}
