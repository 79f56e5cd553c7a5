package tree

import (
	"errors"
	"strings"
	"testing"
)

// buildFalcon builds the landing mission used across the tests:
//
//	1 [sequential] Land Falcon
//	  1.1 [leaf] Locate target
//	  1.2 [parallel] Land
//	    1.2.1 [leaf] Entry burn
//	    1.2.2 [sequential] Steer
//	      1.2.2.1 [leaf] Compute trajectory
//	      1.2.2.2 [leaf] Apply trajectory
//	  1.3 [leaf] Final burn
func buildFalcon(t *testing.T) *Tree {
	t.Helper()

	b := NewBuilder()
	b.Sequential("Land Falcon", func(b *Builder) {
		b.Leaf("Locate target")
		b.Parallel("Land", func(b *Builder) {
			b.Leaf("Entry burn")
			b.Sequential("Steer", func(b *Builder) {
				b.Leaf("Compute trajectory")
				b.Leaf("Apply trajectory")
			})
		})
		b.Leaf("Final burn")
	})

	tr, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}
	return tr
}

func mustBlock(t *testing.T, tr *Tree, id BlockID) Block {
	t.Helper()
	b, ok := tr.Block(id)
	if !ok {
		t.Fatalf("block %s not found", id)
	}
	return b
}

func TestBuilder_AssignsHierarchicalIDs(t *testing.T) {
	tr := buildFalcon(t)

	if tr.Len() != 8 {
		t.Fatalf("Expected 8 blocks, got %d", tr.Len())
	}

	expected := map[BlockID]Kind{
		"1":       KindSequential,
		"1.1":     KindLeaf,
		"1.2":     KindParallel,
		"1.2.1":   KindLeaf,
		"1.2.2":   KindSequential,
		"1.2.2.2": KindLeaf,
		"1.3":     KindLeaf,
	}
	for id, kind := range expected {
		if got := mustBlock(t, tr, id).Kind; got != kind {
			t.Errorf("block %s: expected kind %s, got %s", id, kind, got)
		}
	}

	if tr.Root().Name != "Land Falcon" {
		t.Errorf("Expected root 'Land Falcon', got %q", tr.Root().Name)
	}
}

func TestBuilder_RejectsSecondRoot(t *testing.T) {
	b := NewBuilder()
	b.Leaf("first")
	b.Leaf("second")

	_, err := b.Build()
	if !errors.Is(err, ErrInvalidTree) {
		t.Fatalf("Expected ErrInvalidTree, got %v", err)
	}
}

func TestBuilder_RejectsEmptyComposite(t *testing.T) {
	b := NewBuilder()
	b.Parallel("empty", nil)

	if _, err := b.Build(); !errors.Is(err, ErrInvalidTree) {
		t.Fatalf("Expected ErrInvalidTree, got %v", err)
	}
}

func TestBuilder_RejectsEmptyBuilder(t *testing.T) {
	if _, err := NewBuilder().Build(); err == nil {
		t.Fatal("Expected error for empty builder")
	}
}

func TestNewTree_Validation(t *testing.T) {
	leaf := func(id BlockID) Block { return Block{ID: id, Name: string(id), Kind: KindLeaf} }
	seq := func(id BlockID) Block { return Block{ID: id, Name: string(id), Kind: KindSequential} }

	tests := []struct {
		name     string
		root     BlockID
		blocks   []Block
		children map[BlockID][]BlockID
		wantErr  string
	}{
		{
			name:    "unknown root",
			root:    "x",
			blocks:  []Block{leaf("a")},
			wantErr: "root block",
		},
		{
			name:    "duplicate ID",
			root:    "a",
			blocks:  []Block{leaf("a"), leaf("a")},
			wantErr: "duplicate",
		},
		{
			name:    "missing name",
			root:    "a",
			blocks:  []Block{{ID: "a", Kind: KindLeaf}},
			wantErr: "Name",
		},
		{
			name:    "invalid kind",
			root:    "a",
			blocks:  []Block{{ID: "a", Name: "a", Kind: "loop"}},
			wantErr: "Kind",
		},
		{
			name:     "two parents",
			root:     "r",
			blocks:   []Block{seq("r"), seq("s"), leaf("a")},
			children: map[BlockID][]BlockID{"r": {"s", "a"}, "s": {"a"}},
			wantErr:  "two parents",
		},
		{
			name:     "leaf with children",
			root:     "r",
			blocks:   []Block{seq("r"), leaf("a"), leaf("b")},
			children: map[BlockID][]BlockID{"r": {"a"}, "a": {"b"}},
			wantErr:  "cannot have children",
		},
		{
			name:     "root as child",
			root:     "r",
			blocks:   []Block{seq("r"), seq("s")},
			children: map[BlockID][]BlockID{"r": {"s"}, "s": {"r"}},
			wantErr:  "cannot be a child",
		},
		{
			name:     "cycle detached from root",
			root:     "r",
			blocks:   []Block{seq("r"), leaf("a"), seq("x"), seq("y")},
			children: map[BlockID][]BlockID{"r": {"a"}, "x": {"y"}, "y": {"x"}},
			wantErr:  "not reachable",
		},
		{
			name:     "unknown child",
			root:     "r",
			blocks:   []Block{seq("r")},
			children: map[BlockID][]BlockID{"r": {"ghost"}},
			wantErr:  "unknown child",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTree(tt.root, tt.blocks, tt.children)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidTree) {
				t.Errorf("Expected ErrInvalidTree, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestStructure_NextBlock(t *testing.T) {
	tr := buildFalcon(t)
	s := tr.Structure()

	tests := []struct {
		from   BlockID
		want   BlockID
		wantOK bool
	}{
		{from: "1.1", want: "1.2", wantOK: true},
		{from: "1.2.1", want: "1.2.2", wantOK: true},
		{from: "1.2.2.1", want: "1.2.2.2", wantOK: true},
		{from: "1.2.2.2", want: "1.3", wantOK: true},
		{from: "1.2", want: "1.3", wantOK: true},
		{from: "1.3", wantOK: false},
		{from: "1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			next, ok := s.NextBlock(mustBlock(t, tr, tt.from))
			if ok != tt.wantOK {
				t.Fatalf("Expected ok=%v, got %v (next=%s)", tt.wantOK, ok, next)
			}
			if ok && next.ID != tt.want {
				t.Errorf("Expected next %s, got %s", tt.want, next.ID)
			}
		})
	}
}

func TestStructure_SubstructureScopesNavigation(t *testing.T) {
	tr := buildFalcon(t)
	steer := mustBlock(t, tr, "1.2.2")
	sub := tr.Structure().Substructure(steer)

	if sub.RootBlock() != steer {
		t.Fatalf("Expected substructure root %s, got %s", steer, sub.RootBlock())
	}

	if _, ok := sub.NextBlock(mustBlock(t, tr, "1.2.2.2")); ok {
		t.Error("Expected no next block at the end of the substructure")
	}
	if _, ok := sub.NextBlock(steer); ok {
		t.Error("Expected no next block for the substructure root")
	}

	if !sub.Contains(mustBlock(t, tr, "1.2.2.1")) {
		t.Error("Expected substructure to contain 1.2.2.1")
	}
	if sub.Contains(mustBlock(t, tr, "1.2.1")) {
		t.Error("Expected substructure not to contain sibling 1.2.1")
	}
	if sub.Contains(Block{ID: "1.2.2.1", Name: "forged", Kind: KindLeaf}) {
		t.Error("Expected substructure not to contain a block that only shares an ID")
	}
}

func TestStructure_IsDescendantOf(t *testing.T) {
	tr := buildFalcon(t)
	s := tr.Structure()

	tests := []struct {
		block, ancestor BlockID
		want            bool
	}{
		{"1.2.2.1", "1.2", true},
		{"1.2.2.1", "1", true},
		{"1.2", "1.2", true},
		{"1.3", "1.2", false},
		{"1.2", "1.2.2", false},
		{"1.1", "1.2", false},
	}

	for _, tt := range tests {
		got := s.IsDescendantOf(mustBlock(t, tr, tt.block), mustBlock(t, tr, tt.ancestor))
		if got != tt.want {
			t.Errorf("IsDescendantOf(%s, %s) = %v, want %v", tt.block, tt.ancestor, got, tt.want)
		}
	}

	if s.IsDescendantOf(Block{ID: "nope"}, tr.Root()) {
		t.Error("Expected unknown block not to be a descendant")
	}
}

func TestStructure_ChildrenAndKinds(t *testing.T) {
	tr := buildFalcon(t)
	s := tr.Structure()

	children := s.ChildrenOf(mustBlock(t, tr, "1.2"))
	if len(children) != 2 || children[0].ID != "1.2.1" || children[1].ID != "1.2.2" {
		t.Fatalf("Unexpected children of 1.2: %v", children)
	}

	if len(s.ChildrenOf(mustBlock(t, tr, "1.1"))) != 0 {
		t.Error("Expected leaf to have no children")
	}

	if !s.IsParallel(mustBlock(t, tr, "1.2")) || s.IsParallel(mustBlock(t, tr, "1")) {
		t.Error("IsParallel returned unexpected results")
	}
	if !s.IsLeaf(mustBlock(t, tr, "1.3")) || s.IsLeaf(mustBlock(t, tr, "1.2.2")) {
		t.Error("IsLeaf returned unexpected results")
	}

	parent, ok := s.ParentOf(mustBlock(t, tr, "1.2.2.1"))
	if !ok || parent.ID != "1.2.2" {
		t.Errorf("Expected parent 1.2.2, got %s (ok=%v)", parent.ID, ok)
	}
	if _, ok := s.ParentOf(tr.Root()); ok {
		t.Error("Expected root to have no parent")
	}

	all := s.AllBlocks()
	if len(all) != tr.Len() || all[0].ID != "1" || all[len(all)-1].ID != "1.3" {
		t.Errorf("Unexpected pre-order listing: %v", all)
	}
}

func TestTree_Render(t *testing.T) {
	out := buildFalcon(t).Render()
	if !strings.Contains(out, "    1.2.2.1 [leaf] Compute trajectory") {
		t.Errorf("Unexpected render output:\n%s", out)
	}
}

func TestKind_UnmarshalJSON(t *testing.T) {
	var k Kind
	if err := k.UnmarshalJSON([]byte(`"parallel"`)); err != nil || k != KindParallel {
		t.Fatalf("Expected parallel, got %s (err=%v)", k, err)
	}
	if err := k.UnmarshalJSON([]byte(`"loop"`)); err == nil {
		t.Fatal("Expected error for invalid kind")
	}
}
