package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/strand"
	"github.com/molr/molr/pkg/telemetry"
	"github.com/molr/molr/pkg/tree"
)

// instruction is the content of an executor's single command slot.
type instruction struct {
	command StrandCommand

	// moveTo is set for cursor relocations requested through MoveTo.
	moveTo *tree.Block
}

// ConcurrentStrandExecutor drives one strand from its own goroutine.
//
// All mutation of the cursor, the internal state and the child set happens
// inside the lifecycle goroutine. Other goroutines interact only by
// submitting commands and by reading snapshots and streams.
type ConcurrentStrandExecutor struct {
	strand    strand.Strand
	structure tree.TreeStructure
	strands   strand.Factory
	factory   *StrandExecutorFactory
	leaf      LeafExecutor
	opts      Options
	logger    zerolog.Logger
	leafCtx   context.Context

	inbox   chan instruction
	pending atomic.Pointer[instruction]
	wake    chan struct{}

	state atomic.Int32
	block atomic.Pointer[tree.Block]

	childMu  sync.RWMutex
	children []*ConcurrentStrandExecutor

	// Owned by the lifecycle goroutine.
	stepOverOrigin tree.Block
	forwards       map[*ConcurrentStrandExecutor]StrandCommand
	published      RunState

	states       *broadcaster[RunState]
	blocks       *broadcaster[tree.Block]
	errs         *broadcaster[error]
	lastCommands *broadcaster[StrandCommand]

	done chan struct{}
}

var _ StrandExecutor = (*ConcurrentStrandExecutor)(nil)

func newConcurrentStrandExecutor(
	s strand.Strand,
	structure tree.TreeStructure,
	strands strand.Factory,
	factory *StrandExecutorFactory,
	leaf LeafExecutor,
	opts Options,
) *ConcurrentStrandExecutor {
	opts = opts.withDefaults()

	e := &ConcurrentStrandExecutor{
		strand:    s,
		structure: structure,
		strands:   strands,
		factory:   factory,
		leaf:      leaf,
		opts:      opts,
		logger: opts.Logger.With().
			Str("component", "strand-executor").
			Str("strand", s.ID).
			Logger(),
		leafCtx:      WithStrand(context.Background(), s),
		inbox:        make(chan instruction, 1),
		wake:         make(chan struct{}, 1),
		forwards:     make(map[*ConcurrentStrandExecutor]StrandCommand),
		states:       newBroadcaster[RunState](true, opts.StreamBuffer),
		blocks:       newBroadcaster[tree.Block](true, opts.StreamBuffer),
		errs:         newBroadcaster[error](false, opts.StreamBuffer),
		lastCommands: newBroadcaster[StrandCommand](true, opts.StreamBuffer),
		done:         make(chan struct{}),
	}

	e.updateBlock(structure.RootBlock())
	e.updateState(stateIdle)
	return e
}

func (e *ConcurrentStrandExecutor) start() {
	go e.lifecycle()
}

// Instruct implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Instruct(cmd StrandCommand) error {
	if err := cmd.Validate(); err != nil {
		return NewPermanentError("invalid command", err).WithStrand(e.strand.ID)
	}

	if err := e.submit(instruction{command: cmd}); err != nil {
		outcome := telemetry.OutcomeRejected
		if errors.Is(err, ErrCommandQueueFull) {
			outcome = telemetry.OutcomeBusy
		}
		e.opts.Metrics.RecordCommand(string(cmd), outcome)
		e.logger.Warn().Err(err).Str("command", string(cmd)).Msg("Command not accepted")
		return err
	}

	e.opts.Metrics.RecordCommand(string(cmd), telemetry.OutcomeAccepted)
	return nil
}

// MoveTo relocates the cursor to block. It is a debugging aid: only blocks of
// this executor's structure are accepted, and only while the strand is paused
// without children. The move is applied by the lifecycle goroutine.
func (e *ConcurrentStrandExecutor) MoveTo(block tree.Block) error {
	if !e.structure.Contains(block) {
		return (&EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeUnknownBlock,
			Message: fmt.Sprintf("cannot move to %s, it is not part of this structure", block),
		}).WithStrand(e.strand.ID)
	}
	if e.ActualState() != RunStatePaused || e.hasChildren() {
		return (&EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeCommandRejected,
			Message: "moving the cursor requires a paused strand without children",
		}).WithStrand(e.strand.ID)
	}
	return e.submit(instruction{moveTo: &block})
}

// submit claims the command slot without blocking.
func (e *ConcurrentStrandExecutor) submit(in instruction) error {
	if e.loadState() == stateFinished {
		return &EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeStrandFinished,
			Message: "strand has finished",
			Strand:  e.strand.ID,
			Command: in.command,
		}
	}

	if !e.pending.CompareAndSwap(nil, &in) {
		return &EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeCommandQueueFull,
			Message: "another command is being processed",
			Strand:  e.strand.ID,
			Command: in.command,
		}
	}

	// The slot is held through pending, so the send cannot block.
	e.inbox <- in
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// aboutToRun reports whether a pending command will set the strand running.
func (e *ConcurrentStrandExecutor) aboutToRun() bool {
	p := e.pending.Load()
	return p != nil && p.moveTo == nil && isRunCommand(p.command)
}

func isRunCommand(cmd StrandCommand) bool {
	return cmd == CommandResume || cmd == CommandStepOver
}

func (e *ConcurrentStrandExecutor) lifecycle() {
	defer close(e.done)

	e.logger.Debug().Str("block", string(e.ActualBlock().ID)).Msg("Strand executor started")

	for e.loadState() != stateFinished {
		e.cycle()
		if e.loadState() == stateFinished {
			break
		}
		e.sleep()
	}

	e.opts.Metrics.RecordStrandFinished()
	e.logger.Debug().Msg("Strand executor finished")

	e.states.Close()
	e.blocks.Close()
	e.errs.Close()
	e.lastCommands.Close()
}

// cycle performs one control step. A panic inside it is reported and the
// executor is paused; the loop itself keeps running.
func (e *ConcurrentStrandExecutor) cycle() {
	defer func() {
		if r := recover(); r != nil {
			e.publishError(NewInternalError("recovered from panic in control cycle", fmt.Errorf("%v", r)).
				WithCode(ErrCodeRecoveredPanic))
			e.stepOverOrigin = tree.Block{}
			e.updateState(stateIdle)
		}
	}()

	e.reapFinishedChildren()
	if e.loadState() == stateFinished {
		return
	}

	if e.hasChildren() {
		if s := e.loadState(); s != stateIdle && s != stateWaitingForChildren {
			e.publishError(NewInternalError(
				fmt.Sprintf("inconsistent state %s while children are live, pausing", s), nil))
			e.updateState(stateIdle)
		}
		e.retryForwards()
		e.deriveStateFromChildren()
	}

	select {
	case in := <-e.inbox:
		func() {
			defer e.pending.Store(nil)
			e.apply(in)
		}()
		if in.moveTo == nil {
			e.logger.Debug().Str("command", string(in.command)).Msg("Consumed command")
			e.lastCommands.Publish(in.command)
		}
	default:
	}

	if e.loadState() == stateWaitingForChildren && !e.hasChildren() {
		if e.stepOverOrigin.IsZero() {
			e.updateState(stateResuming)
		} else {
			e.updateState(stateSteppingOver)
		}
		e.moveNext()
	}

	if e.loadState() == stateSteppingOver && !e.structure.IsDescendantOf(e.ActualBlock(), e.stepOverOrigin) {
		e.logger.Debug().Str("origin", string(e.stepOverOrigin.ID)).Msg("Stepped over, pausing")
		e.stepOverOrigin = tree.Block{}
		e.updateState(stateIdle)
	}

	if s := e.loadState(); s == stateResuming || s == stateSteppingOver {
		e.progress()
	}
}

func (e *ConcurrentStrandExecutor) apply(in instruction) {
	if in.moveTo != nil {
		e.applyMoveTo(*in.moveTo)
		return
	}

	switch in.command {
	case CommandPause:
		if e.hasChildren() {
			e.logger.Debug().Msg("Instructing children to pause")
			e.forwardAll(CommandPause)
		} else {
			e.updateState(stateIdle)
		}

	case CommandSkip:
		if e.hasChildren() {
			e.reject(in.command, "strand has live children, skipping is not allowed")
			return
		}
		e.moveNext()

	case CommandStepInto:
		if e.hasChildren() {
			e.reject(in.command, "strand has live children, stepping into is not allowed")
			return
		}
		e.stepInto()

	case CommandStepOver:
		if e.hasChildren() {
			e.reject(in.command, "strand has live children, stepping over is not allowed")
			return
		}
		e.stepOverOrigin = e.ActualBlock()
		e.updateState(stateSteppingOver)

	case CommandResume:
		e.stepOverOrigin = tree.Block{}
		if e.structure.IsParallel(e.ActualBlock()) && e.hasChildren() {
			e.updateState(stateWaitingForChildren)
			e.logger.Debug().Msg("Instructing children to resume")
			e.forwardAll(CommandResume)
		} else {
			e.updateState(stateResuming)
		}
	}
}

func (e *ConcurrentStrandExecutor) applyMoveTo(block tree.Block) {
	if e.loadState() != stateIdle || e.hasChildren() {
		e.publishError(&EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeCommandRejected,
			Message: fmt.Sprintf("cannot move to %s, strand is no longer paused without children", block),
		})
		return
	}
	e.stepOverOrigin = tree.Block{}
	e.updateBlock(block)
}

func (e *ConcurrentStrandExecutor) stepInto() {
	block := e.ActualBlock()

	switch {
	case e.structure.IsLeaf(block):
		e.reject(CommandStepInto, fmt.Sprintf("%s is a leaf, there is nothing to step into", block))

	case e.structure.IsParallel(block):
		for _, child := range e.structure.ChildrenOf(block) {
			e.forward(e.createChild(child), CommandPause)
		}
		e.updateState(stateIdle)

	default:
		if e.moveInto() {
			e.updateState(stateIdle)
		}
	}
}

// progress moves forward at the cursor while resuming or stepping over.
func (e *ConcurrentStrandExecutor) progress() {
	for {
		block := e.ActualBlock()

		switch {
		case e.structure.IsLeaf(block):
			e.executeLeaf(block)
			return

		case e.structure.IsParallel(block):
			for _, child := range e.structure.ChildrenOf(block) {
				e.forward(e.createChild(child), CommandResume)
			}
			e.logger.Debug().Str("block", string(block.ID)).Msg("Waiting for children")
			e.updateState(stateWaitingForChildren)
			return

		default:
			if !e.moveInto() {
				return
			}
		}
	}
}

func (e *ConcurrentStrandExecutor) executeLeaf(block tree.Block) {
	resumeState := e.loadState()
	e.updateState(stateRunningLeaf)

	e.logger.Debug().Str("block", string(block.ID)).Msg("Executing leaf")
	result := e.leaf.Execute(e.leafCtx, block)

	if result == ResultSuccess {
		e.updateState(resumeState)
		e.moveNext()
		return
	}

	e.logger.Warn().
		Str("block", string(block.ID)).
		Str("result", string(result)).
		Msg("Leaf did not succeed, pausing strand")
	e.stepOverOrigin = tree.Block{}
	e.updateState(stateIdle)
}

// moveInto moves the cursor to the first child of the current block.
func (e *ConcurrentStrandExecutor) moveInto() bool {
	block := e.ActualBlock()
	children := e.structure.ChildrenOf(block)
	if len(children) == 0 {
		e.publishError(NewInternalError(fmt.Sprintf("cannot move into %s, it has no children", block), nil).
			WithCode(ErrCodeEmptyComposite))
		e.stepOverOrigin = tree.Block{}
		e.updateState(stateIdle)
		return false
	}
	e.updateBlock(children[0])
	return true
}

// moveNext advances the cursor, finishing the strand at the end of its structure.
func (e *ConcurrentStrandExecutor) moveNext() {
	if next, ok := e.structure.NextBlock(e.ActualBlock()); ok {
		e.updateBlock(next)
		return
	}

	e.logger.Debug().Str("block", string(e.ActualBlock().ID)).Msg("Last block reached")
	e.updateState(stateFinished)
	e.updateBlock(tree.Block{})
}

func (e *ConcurrentStrandExecutor) createChild(block tree.Block) *ConcurrentStrandExecutor {
	childStrand := e.strands.CreateChildStrand(e.strand)
	child := e.factory.CreateStrandExecutor(childStrand, e.structure.Substructure(block))

	e.childMu.Lock()
	children := make([]*ConcurrentStrandExecutor, 0, len(e.children)+1)
	children = append(children, e.children...)
	e.children = append(children, child)
	e.childMu.Unlock()

	e.logger.Debug().
		Str("child", childStrand.ID).
		Str("block", string(block.ID)).
		Msg("Created child strand")
	return child
}

// reapFinishedChildren drops finished children while waiting for them.
// Outside WAITING_FOR_CHILDREN they stay and count as not paused, so the
// parent waits, reaps them and resumes past the parallel block.
func (e *ConcurrentStrandExecutor) reapFinishedChildren() {
	if e.loadState() != stateWaitingForChildren {
		return
	}

	e.childMu.RLock()
	children := e.children
	e.childMu.RUnlock()
	if len(children) == 0 {
		return
	}

	live := make([]*ConcurrentStrandExecutor, 0, len(children))
	for _, child := range children {
		if child.ActualState() == RunStateFinished {
			delete(e.forwards, child)
			continue
		}
		live = append(live, child)
	}
	if len(live) == len(children) {
		return
	}

	e.childMu.Lock()
	e.children = live
	e.childMu.Unlock()
}

// deriveStateFromChildren pauses once every child is paused and waits
// otherwise. A finished child is not paused.
func (e *ConcurrentStrandExecutor) deriveStateFromChildren() {
	children := e.snapshotChildren()
	if len(children) == 0 {
		return
	}

	paused := 0
	for _, child := range children {
		if child.ActualState() == RunStatePaused && !child.aboutToRun() && !isRunCommand(e.forwards[child]) {
			paused++
		}
	}

	current := e.loadState()
	if paused == len(children) {
		if current != stateIdle {
			e.logger.Debug().Msg("All children paused")
			e.updateState(stateIdle)
		}
	} else if current != stateWaitingForChildren {
		e.updateState(stateWaitingForChildren)
	}
}

func (e *ConcurrentStrandExecutor) forwardAll(cmd StrandCommand) {
	for _, child := range e.snapshotChildren() {
		e.forward(child, cmd)
	}
}

// forward sends cmd to a child, remembering it for retry if the child is busy.
func (e *ConcurrentStrandExecutor) forward(child *ConcurrentStrandExecutor, cmd StrandCommand) {
	delete(e.forwards, child)
	if err := child.submit(instruction{command: cmd}); errors.Is(err, ErrCommandQueueFull) {
		e.logger.Debug().
			Str("child", child.strand.ID).
			Str("command", string(cmd)).
			Msg("Child busy, will retry")
		e.forwards[child] = cmd
	}
}

func (e *ConcurrentStrandExecutor) retryForwards() {
	for child, cmd := range e.forwards {
		err := child.submit(instruction{command: cmd})
		if err == nil || errors.Is(err, ErrStrandFinished) {
			delete(e.forwards, child)
		}
	}
}

func (e *ConcurrentStrandExecutor) sleep() {
	d := e.opts.ActiveInterval
	switch e.loadState() {
	case stateIdle:
		d = e.opts.IdleInterval
	case stateWaitingForChildren:
		d = e.opts.WaitingInterval
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.wake:
	}
}

func (e *ConcurrentStrandExecutor) reject(cmd StrandCommand, message string) {
	e.publishError(NewRejectedError(cmd, message))
}

func (e *ConcurrentStrandExecutor) publishError(err *EngineError) {
	err.Strand = e.strand.ID
	if err.Block == "" {
		err.Block = e.ActualBlock().ID
	}

	e.logger.Error().
		Str("class", string(err.Class)).
		Str("code", err.Code).
		Msg(err.Error())
	e.opts.Metrics.RecordEngineError(string(err.Class), err.Code)
	e.errs.Publish(err)
}

func (e *ConcurrentStrandExecutor) updateState(s executorState) {
	if old := executorState(e.state.Swap(int32(s))); old != s {
		e.logger.Trace().Str("from", old.String()).Str("to", s.String()).Msg("State changed")
	}

	if rs := s.runState(); rs != e.published {
		e.published = rs
		e.opts.Metrics.RecordStateTransition(string(rs))
		e.states.Publish(rs)
	}
}

func (e *ConcurrentStrandExecutor) updateBlock(b tree.Block) {
	e.logger.Trace().Str("block", string(b.ID)).Msg("Cursor moved")
	e.block.Store(&b)
	e.blocks.Publish(b)
}

func (e *ConcurrentStrandExecutor) loadState() executorState {
	return executorState(e.state.Load())
}

func (e *ConcurrentStrandExecutor) hasChildren() bool {
	e.childMu.RLock()
	defer e.childMu.RUnlock()
	return len(e.children) > 0
}

func (e *ConcurrentStrandExecutor) snapshotChildren() []*ConcurrentStrandExecutor {
	e.childMu.RLock()
	defer e.childMu.RUnlock()
	return e.children
}

// Strand implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Strand() strand.Strand {
	return e.strand
}

// ActualState implements StrandExecutor.
func (e *ConcurrentStrandExecutor) ActualState() RunState {
	return e.loadState().runState()
}

// ActualBlock implements StrandExecutor.
func (e *ConcurrentStrandExecutor) ActualBlock() tree.Block {
	if b := e.block.Load(); b != nil {
		return *b
	}
	return tree.Block{}
}

// AllowedCommands implements StrandExecutor.
func (e *ConcurrentStrandExecutor) AllowedCommands() []StrandCommand {
	return allowedCommands(e.ActualState(), e.ActualBlock(), e.hasChildren(), e.structure)
}

func allowedCommands(state RunState, block tree.Block, hasChildren bool, structure tree.TreeStructure) []StrandCommand {
	allowed := make(map[StrandCommand]bool)
	if !block.IsZero() {
		switch state {
		case RunStatePaused:
			allowed[CommandResume] = true
			if !hasChildren {
				allowed[CommandStepOver] = true
				allowed[CommandSkip] = true
				if !structure.IsLeaf(block) {
					allowed[CommandStepInto] = true
				}
			}
		case RunStateRunning:
			allowed[CommandPause] = true
		}
	}

	cmds := make([]StrandCommand, 0, len(allowed))
	for _, cmd := range commandOrder {
		if allowed[cmd] {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// Children implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Children() []StrandExecutor {
	children := e.snapshotChildren()
	out := make([]StrandExecutor, len(children))
	for i, child := range children {
		out[i] = child
	}
	return out
}

// States implements StrandExecutor.
func (e *ConcurrentStrandExecutor) States(ctx context.Context) <-chan RunState {
	return e.states.Subscribe(ctx)
}

// Blocks implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Blocks(ctx context.Context) <-chan tree.Block {
	return e.blocks.Subscribe(ctx)
}

// Errors implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Errors(ctx context.Context) <-chan error {
	return e.errs.Subscribe(ctx)
}

// LastCommands streams processed commands, replaying the latest to new subscribers.
func (e *ConcurrentStrandExecutor) LastCommands(ctx context.Context) <-chan StrandCommand {
	return e.lastCommands.Subscribe(ctx)
}

// Done implements StrandExecutor.
func (e *ConcurrentStrandExecutor) Done() <-chan struct{} {
	return e.done
}
