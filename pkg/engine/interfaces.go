package engine

import (
	"context"

	"github.com/molr/molr/pkg/strand"
	"github.com/molr/molr/pkg/tree"
)

// LeafExecutor executes the action behind a leaf block.
// Execute is synchronous and may take arbitrary time; the engine never
// cancels ctx. A FAILURE result pauses the strand at the leaf.
type LeafExecutor interface {
	Execute(ctx context.Context, block tree.Block) Result
}

// LeafExecutorFunc adapts a function to the LeafExecutor interface.
type LeafExecutorFunc func(ctx context.Context, block tree.Block) Result

// Execute implements LeafExecutor.
func (f LeafExecutorFunc) Execute(ctx context.Context, block tree.Block) Result {
	return f(ctx, block)
}

// StrandExecutor drives one strand through its part of the mission tree.
type StrandExecutor interface {
	// Instruct submits a command. It never blocks: a command that cannot be
	// queued because another one is pending is rejected with ErrCommandQueueFull.
	Instruct(cmd StrandCommand) error

	// Strand returns the strand this executor drives.
	Strand() strand.Strand

	// ActualState returns the current run state.
	ActualState() RunState

	// ActualBlock returns the cursor. It is the zero Block once finished.
	ActualBlock() tree.Block

	// AllowedCommands returns the commands that make sense in the current state.
	AllowedCommands() []StrandCommand

	// Children returns a snapshot of the live child executors.
	Children() []StrandExecutor

	// States streams run states, replaying the latest to new subscribers.
	States(ctx context.Context) <-chan RunState

	// Blocks streams the cursor, replaying the latest to new subscribers.
	Blocks(ctx context.Context) <-chan tree.Block

	// Errors streams rejected commands and internal errors emitted after subscription.
	Errors(ctx context.Context) <-chan error

	// Done is closed once the executor has finished.
	Done() <-chan struct{}
}

type strandContextKey struct{}

// WithStrand returns a context carrying the strand a leaf runs on.
func WithStrand(ctx context.Context, s strand.Strand) context.Context {
	return context.WithValue(ctx, strandContextKey{}, s)
}

// StrandFromContext returns the strand a leaf runs on, if any.
func StrandFromContext(ctx context.Context) (strand.Strand, bool) {
	s, ok := ctx.Value(strandContextKey{}).(strand.Strand)
	return s, ok
}
