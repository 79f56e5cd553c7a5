package tree

import (
	"encoding/json"
	"fmt"
)

// BlockID is the stable identity of a block within one mission tree.
type BlockID string

// Kind describes how a block executes.
type Kind string

const (
	// KindLeaf blocks execute a domain action through the leaf executor.
	KindLeaf Kind = "leaf"

	// KindSequential blocks run their children one after the other.
	KindSequential Kind = "sequential"

	// KindParallel blocks run each child on its own strand.
	KindParallel Kind = "parallel"
)

// IsComposite returns true if blocks of this kind group children.
func (k Kind) IsComposite() bool {
	return k == KindSequential || k == KindParallel
}

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindLeaf, KindSequential, KindParallel:
		return nil
	default:
		return fmt.Errorf("invalid block kind: %s", k)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = Kind(str)
	return k.Validate()
}

// Block is one node of a mission tree. Blocks are comparable values; the
// children of a block are held by the Tree, not by the block itself.
type Block struct {
	// ID is unique within the tree.
	ID BlockID `json:"id" yaml:"id" validate:"required"`

	// Name is the human readable label shown to operators.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind selects leaf, sequential or parallel execution.
	Kind Kind `json:"kind" yaml:"kind" validate:"required,oneof=leaf sequential parallel"`
}

// IsZero reports whether b is the zero block, used to signal "no block".
func (b Block) IsZero() bool {
	return b == Block{}
}

// String returns a short representation used in logs.
func (b Block) String() string {
	if b.IsZero() {
		return "Block{none}"
	}
	return fmt.Sprintf("Block{%s %q}", b.ID, b.Name)
}
