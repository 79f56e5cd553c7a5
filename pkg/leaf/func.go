package leaf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/tree"
)

// ActionFunc is the Go implementation of a leaf.
type ActionFunc func(ctx context.Context, block tree.Block) error

// ErrNoAction is returned when no action is registered for a leaf.
var ErrNoAction = errors.New("no action registered")

// FuncExecutor runs leaves through registered Go functions. Actions are
// looked up by block ID first, then by block name.
type FuncExecutor struct {
	mu     sync.RWMutex
	byID   map[tree.BlockID]ActionFunc
	byName map[string]ActionFunc
	logger zerolog.Logger
}

// NewFuncExecutor creates an empty function executor.
func NewFuncExecutor(logger zerolog.Logger) *FuncExecutor {
	return &FuncExecutor{
		byID:   make(map[tree.BlockID]ActionFunc),
		byName: make(map[string]ActionFunc),
		logger: logger.With().Str("component", "func-leaf").Logger(),
	}
}

// Register binds fn to the block with the given ID.
func (f *FuncExecutor) Register(id tree.BlockID, fn ActionFunc) *FuncExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id] = fn
	return f
}

// RegisterName binds fn to every block with the given name.
func (f *FuncExecutor) RegisterName(name string, fn ActionFunc) *FuncExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[name] = fn
	return f
}

func (f *FuncExecutor) lookup(block tree.Block) (ActionFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn, ok := f.byID[block.ID]; ok {
		return fn, true
	}
	fn, ok := f.byName[block.Name]
	return fn, ok
}

// Run executes the action of block and returns its error.
func (f *FuncExecutor) Run(ctx context.Context, block tree.Block) error {
	fn, ok := f.lookup(block)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoAction, block)
	}
	return fn(ctx, block)
}

// Execute implements engine.LeafExecutor.
func (f *FuncExecutor) Execute(ctx context.Context, block tree.Block) engine.Result {
	return toResult(f.logger, block, f.Run(ctx, block))
}

func toResult(logger zerolog.Logger, block tree.Block, err error) engine.Result {
	if err != nil {
		logger.Warn().Err(err).Str("block", string(block.ID)).Msg("Leaf failed")
		return engine.ResultFailure
	}
	return engine.ResultSuccess
}
