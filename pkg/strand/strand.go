// Package strand defines the identity of a line of control inside a mission
// and the factories that mint them.
package strand

import (
	"fmt"
	"strconv"
	"sync"
)

// Strand identifies one independent, linear control-flow position inside a
// mission tree. The root strand has no parent.
type Strand struct {
	// ID is unique for the lifetime of one mission execution.
	ID string `json:"id"`

	// ParentID is the ID of the strand that spawned this one (empty for the root).
	ParentID string `json:"parent_id,omitempty"`
}

// IsRoot returns true if the strand has no parent.
func (s Strand) IsRoot() bool {
	return s.ParentID == ""
}

// String returns a short representation used in logs.
func (s Strand) String() string {
	return fmt.Sprintf("Strand{%s}", s.ID)
}

// Factory mints strands.
type Factory interface {
	// RootStrand returns the root strand of the mission, creating it on first use.
	RootStrand() Strand

	// CreateChildStrand mints a new, globally unique strand below parent.
	CreateChildStrand(parent Strand) Strand
}

// IncrementalFactory mints strands with increasing numeric IDs and keeps the
// parent/child relations for introspection.
type IncrementalFactory struct {
	mu       sync.Mutex
	next     int64
	root     *Strand
	strands  []Strand
	children map[string][]Strand
}

var _ Factory = (*IncrementalFactory)(nil)

// NewIncrementalFactory creates a factory whose first strand has ID "0".
func NewIncrementalFactory() *IncrementalFactory {
	return &IncrementalFactory{
		strands:  make([]Strand, 0),
		children: make(map[string][]Strand),
	}
}

// RootStrand implements Factory.
func (f *IncrementalFactory) RootStrand() Strand {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.root == nil {
		root := f.mint("")
		f.root = &root
	}
	return *f.root
}

// CreateChildStrand implements Factory.
func (f *IncrementalFactory) CreateChildStrand(parent Strand) Strand {
	f.mu.Lock()
	defer f.mu.Unlock()

	child := f.mint(parent.ID)
	f.children[parent.ID] = append(f.children[parent.ID], child)
	return child
}

// mint must be called with mu held.
func (f *IncrementalFactory) mint(parentID string) Strand {
	s := Strand{ID: strconv.FormatInt(f.next, 10), ParentID: parentID}
	f.next++
	f.strands = append(f.strands, s)
	return s
}

// AllStrands returns every strand minted so far, in creation order.
func (f *IncrementalFactory) AllStrands() []Strand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Strand(nil), f.strands...)
}

// ChildrenOf returns the strands minted below parent.
func (f *IncrementalFactory) ChildrenOf(parent Strand) []Strand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Strand(nil), f.children[parent.ID]...)
}

// ParentOf returns the parent of s, if s is known and not the root.
func (f *IncrementalFactory) ParentOf(s Strand) (Strand, bool) {
	if s.IsRoot() {
		return Strand{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, candidate := range f.strands {
		if candidate.ID == s.ParentID {
			return candidate, true
		}
	}
	return Strand{}, false
}
