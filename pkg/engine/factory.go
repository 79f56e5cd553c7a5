package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/strand"
	"github.com/molr/molr/pkg/tree"
)

// StrandExecutorFactory creates strand executors and keeps a registry of
// every executor it created for the lifetime of a mission.
type StrandExecutorFactory struct {
	strands strand.Factory
	leaf    LeafExecutor
	opts    Options
	logger  zerolog.Logger

	// mu serialises creation and guards the registry.
	mu        sync.Mutex
	executors []*ConcurrentStrandExecutor
	byStrand  map[string]*ConcurrentStrandExecutor
	listeners []func(*ConcurrentStrandExecutor)
}

// NewStrandExecutorFactory creates a factory minting child strands with strands
// and executing leaves with leaf.
func NewStrandExecutorFactory(strands strand.Factory, leaf LeafExecutor, opts Options) *StrandExecutorFactory {
	opts = opts.withDefaults()
	return &StrandExecutorFactory{
		strands:  strands,
		leaf:     leaf,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "strand-executor-factory").Logger(),
		byStrand: make(map[string]*ConcurrentStrandExecutor),
	}
}

// OnCreate registers fn to be called for every executor created afterwards.
// fn runs before the executor starts, while the factory is locked, so it
// must not call back into the factory.
func (f *StrandExecutorFactory) OnCreate(fn func(*ConcurrentStrandExecutor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// CreateStrandExecutor creates, registers and starts an executor for s over
// structure. The executor starts paused with its cursor on the structure's root.
func (f *StrandExecutorFactory) CreateStrandExecutor(s strand.Strand, structure tree.TreeStructure) *ConcurrentStrandExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := newConcurrentStrandExecutor(s, structure, f.strands, f, f.leaf, f.opts)
	f.executors = append(f.executors, e)
	f.byStrand[s.ID] = e

	for _, fn := range f.listeners {
		fn(e)
	}

	f.opts.Metrics.RecordStrandCreated()
	f.logger.Debug().
		Str("strand", s.ID).
		Str("parent", s.ParentID).
		Str("block", string(structure.RootBlock().ID)).
		Msg("Created strand executor")

	e.start()
	return e
}

// AllStrandExecutors returns every executor created so far, in creation order.
func (f *StrandExecutorFactory) AllStrandExecutors() []*ConcurrentStrandExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ConcurrentStrandExecutor(nil), f.executors...)
}

// ActiveStrandExecutors returns the executors that have not finished.
func (f *StrandExecutorFactory) ActiveStrandExecutors() []*ConcurrentStrandExecutor {
	all := f.AllStrandExecutors()
	active := make([]*ConcurrentStrandExecutor, 0, len(all))
	for _, e := range all {
		if e.ActualState() != RunStateFinished {
			active = append(active, e)
		}
	}
	return active
}

// StrandExecutorByStrandID returns the executor driving the strand with the given ID.
func (f *StrandExecutorFactory) StrandExecutorByStrandID(id string) (*ConcurrentStrandExecutor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byStrand[id]
	return e, ok
}
