// Package tree provides the read-only mission tree consumed by the strand executors.
//
// A mission is a tree of blocks. Leaf blocks carry a domain action; composite
// blocks group their children either sequentially or in parallel. Blocks are
// stored by identity in a flat arena (Tree) with child lists and a reverse
// parent index, so no block holds a reference to another block.
//
// Navigation happens through the TreeStructure interface. A Structure is a view
// over a Tree rooted at one block; Substructure re-scopes the view to the
// subtree of a single block, which is what every child strand receives.
//
// Trees are immutable once built and are safe for concurrent use without
// synchronization.
//
//	b := tree.NewBuilder()
//	b.Sequential("Land Falcon", func(b *tree.Builder) {
//	    b.Leaf("Locate target")
//	    b.Parallel("Land", func(b *tree.Builder) {
//	        b.Leaf("Entry burn")
//	        b.Leaf("Steer to landing target")
//	    })
//	    b.Leaf("Final burn")
//	})
//	t, err := b.Build()
package tree
