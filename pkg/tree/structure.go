package tree

// TreeStructure is the navigational contract the strand executors consume.
// Implementations must be safe for concurrent use.
type TreeStructure interface {
	// RootBlock returns the block this structure is scoped to.
	RootBlock() Block

	// IsLeaf returns true if the block executes a domain action.
	IsLeaf(block Block) bool

	// IsParallel returns true if the block's children run on separate strands.
	IsParallel(block Block) bool

	// ChildrenOf returns the ordered children of a block (empty for leaves).
	ChildrenOf(block Block) []Block

	// NextBlock returns the block that follows block once block is complete:
	// its next sibling, or else the next sibling of its nearest ancestor that
	// has one. It never leaves the scope of the structure.
	NextBlock(block Block) (Block, bool)

	// IsDescendantOf reports whether block lies in the subtree of ancestor.
	// A block is a descendant of itself.
	IsDescendantOf(block, ancestor Block) bool

	// Substructure returns a view scoped to the subtree rooted at block.
	Substructure(block Block) TreeStructure

	// Contains reports whether block is part of this (sub)structure.
	Contains(block Block) bool
}

// Structure is the TreeStructure implementation backed by a Tree.
type Structure struct {
	tree *Tree
	root BlockID
}

var _ TreeStructure = (*Structure)(nil)

// RootBlock implements TreeStructure.
func (s *Structure) RootBlock() Block {
	return s.tree.blocks[s.root]
}

// IsLeaf implements TreeStructure.
func (s *Structure) IsLeaf(block Block) bool {
	b, ok := s.tree.blocks[block.ID]
	return ok && b.Kind == KindLeaf
}

// IsParallel implements TreeStructure.
func (s *Structure) IsParallel(block Block) bool {
	b, ok := s.tree.blocks[block.ID]
	return ok && b.Kind == KindParallel
}

// ChildrenOf implements TreeStructure.
func (s *Structure) ChildrenOf(block Block) []Block {
	ids := s.tree.children[block.ID]
	children := make([]Block, len(ids))
	for i, id := range ids {
		children[i] = s.tree.blocks[id]
	}
	return children
}

// NextBlock implements TreeStructure.
func (s *Structure) NextBlock(block Block) (Block, bool) {
	if !s.Contains(block) {
		return Block{}, false
	}

	current := block.ID
	for current != s.root {
		parent := s.tree.parents[current]
		siblings := s.tree.children[parent]
		for i, sibling := range siblings {
			if sibling == current && i+1 < len(siblings) {
				return s.tree.blocks[siblings[i+1]], true
			}
		}
		current = parent
	}
	return Block{}, false
}

// IsDescendantOf implements TreeStructure. It runs in constant time using the
// pre-order intervals computed when the tree was built.
func (s *Structure) IsDescendantOf(block, ancestor Block) bool {
	return s.tree.isDescendant(block.ID, ancestor.ID)
}

// Substructure implements TreeStructure. Blocks outside of this structure
// yield a structure that contains nothing but still answers queries safely.
func (s *Structure) Substructure(block Block) TreeStructure {
	return &Structure{tree: s.tree, root: block.ID}
}

// Contains implements TreeStructure.
func (s *Structure) Contains(block Block) bool {
	known, ok := s.tree.blocks[block.ID]
	if !ok || known != block {
		return false
	}
	return s.tree.isDescendant(block.ID, s.root)
}

// ParentOf returns the parent of block, unless block is the root of this structure.
func (s *Structure) ParentOf(block Block) (Block, bool) {
	if block.ID == s.root || !s.Contains(block) {
		return Block{}, false
	}
	return s.tree.blocks[s.tree.parents[block.ID]], true
}

// AllBlocks returns every block of the structure in depth-first pre-order.
func (s *Structure) AllBlocks() []Block {
	blocks := make([]Block, 0)
	var walk func(id BlockID)
	walk = func(id BlockID) {
		blocks = append(blocks, s.tree.blocks[id])
		for _, child := range s.tree.children[id] {
			walk(child)
		}
	}
	if _, ok := s.tree.blocks[s.root]; ok {
		walk(s.root)
	}
	return blocks
}

// BlockByID looks up a block of this structure by its ID.
func (s *Structure) BlockByID(id BlockID) (Block, bool) {
	b, ok := s.tree.blocks[id]
	if !ok || !s.tree.isDescendant(id, s.root) {
		return Block{}, false
	}
	return b, true
}
