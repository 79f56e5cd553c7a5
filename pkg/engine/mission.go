package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/strand"
	"github.com/molr/molr/pkg/tree"
)

// MissionExecutor runs one mission: it owns the strand factory, the executor
// factory and the root strand executor, and merges the streams of every
// executor into a single event stream.
type MissionExecutor struct {
	runID     string
	structure tree.TreeStructure
	strands   *strand.IncrementalFactory
	factory   *StrandExecutorFactory
	results   *resultTracker
	opts      Options
	logger    zerolog.Logger

	events *queue[Event]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	root      *ConcurrentStrandExecutor
	startedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMissionExecutor prepares the execution of structure. Nothing runs until Start.
func NewMissionExecutor(structure tree.TreeStructure, leaf LeafExecutor, opts Options) *MissionExecutor {
	opts = opts.withDefaults()
	runID := uuid.New().String()

	logger := opts.Logger.With().Str("run_id", runID).Logger()
	opts.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	m := &MissionExecutor{
		runID:     runID,
		structure: structure,
		strands:   strand.NewIncrementalFactory(),
		opts:      opts,
		logger:    logger.With().Str("component", "mission-executor").Logger(),
		events:    newQueue[Event](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.results = &resultTracker{
		next:    leaf,
		results: make(map[tree.BlockID]Result),
		publish: m.publish,
	}
	m.factory = NewStrandExecutorFactory(m.strands, m.results, opts)
	m.factory.OnCreate(m.watch)

	return m
}

// RunID returns the unique ID of this mission execution.
func (m *MissionExecutor) RunID() string {
	return m.runID
}

// Start creates the root strand executor. The root starts paused on the
// structure's root block.
func (m *MissionExecutor) Start() (*ConcurrentStrandExecutor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root != nil {
		return nil, NewPermanentError("mission already started", nil).WithStrand(m.root.Strand().ID)
	}

	m.startedAt = time.Now()
	m.opts.Metrics.RecordMissionStarted()
	m.root = m.factory.CreateStrandExecutor(m.strands.RootStrand(), m.structure)

	m.logger.Info().
		Str("root", string(m.structure.RootBlock().ID)).
		Msg("Mission started")

	go m.awaitCompletion(m.root)
	return m.root, nil
}

func (m *MissionExecutor) awaitCompletion(root *ConcurrentStrandExecutor) {
	<-root.Done()
	m.wg.Wait()

	m.mu.Lock()
	duration := time.Since(m.startedAt)
	m.mu.Unlock()

	m.opts.Metrics.RecordMissionFinished(duration)
	m.logger.Info().Dur("duration", duration).Msg("Mission finished")

	m.events.Close()
	close(m.done)
}

// RootExecutor returns the root strand executor, or nil before Start.
func (m *MissionExecutor) RootExecutor() *ConcurrentStrandExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Factory returns the executor factory of this mission.
func (m *MissionExecutor) Factory() *StrandExecutorFactory {
	return m.factory
}

// Instruct sends cmd to the executor of the strand with the given ID.
func (m *MissionExecutor) Instruct(strandID string, cmd StrandCommand) error {
	e, err := m.executor(strandID)
	if err != nil {
		return err
	}
	return e.Instruct(cmd)
}

// MoveTo relocates the cursor of the strand with the given ID.
func (m *MissionExecutor) MoveTo(strandID string, block tree.Block) error {
	e, err := m.executor(strandID)
	if err != nil {
		return err
	}
	return e.MoveTo(block)
}

func (m *MissionExecutor) executor(strandID string) (*ConcurrentStrandExecutor, error) {
	e, ok := m.factory.StrandExecutorByStrandID(strandID)
	if !ok {
		return nil, &EngineError{
			Class:   ErrorClassRejected,
			Code:    ErrCodeUnknownStrand,
			Message: fmt.Sprintf("no executor for strand %q", strandID),
			Strand:  strandID,
		}
	}
	return e, nil
}

// Strands returns every strand of the mission, in creation order.
func (m *MissionExecutor) Strands() []strand.Strand {
	return m.strands.AllStrands()
}

// Results returns the latest result of every executed leaf.
func (m *MissionExecutor) Results() map[tree.BlockID]Result {
	return m.results.snapshot()
}

// Snapshot returns a point-in-time view of every strand in the mission.
func (m *MissionExecutor) Snapshot() MissionSnapshot {
	executors := m.factory.AllStrandExecutors()
	snap := MissionSnapshot{
		RunID:   m.runID,
		Strands: make([]StrandSnapshot, 0, len(executors)),
		Results: m.results.snapshot(),
	}

	for _, e := range executors {
		s := StrandSnapshot{
			Strand:          e.Strand(),
			State:           e.ActualState(),
			Block:           e.ActualBlock(),
			AllowedCommands: e.AllowedCommands(),
		}
		for _, child := range e.snapshotChildren() {
			s.Children = append(s.Children, child.Strand().ID)
		}
		snap.Strands = append(snap.Strands, s)
	}
	return snap
}

// Events streams every mission event published after subscription. Slow
// readers fall behind but lose nothing. The channel is closed once the
// mission has finished or has been closed and the backlog is delivered, or
// when ctx is done.
func (m *MissionExecutor) Events(ctx context.Context) <-chan Event {
	return m.events.Subscribe(ctx, m.opts.StreamBuffer)
}

// Done is closed once the root strand has finished and every event has been published.
func (m *MissionExecutor) Done() <-chan struct{} {
	return m.done
}

// Close detaches the mission from its executors and completes the event stream.
// Executors keep running; use PAUSE to stop progress.
func (m *MissionExecutor) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.events.Close()
	})
}

// watch fans the streams of a new executor into the mission event stream.
// It runs under the factory lock, before the executor starts.
func (m *MissionExecutor) watch(e *ConcurrentStrandExecutor) {
	s := e.Strand()
	m.publish(Event{Type: EventStrandCreated, Strand: s, Block: e.ActualBlock()})

	m.wg.Add(4)
	go pipe(m, e.States(m.ctx), func(state RunState) Event {
		return Event{Type: EventStateChanged, Strand: s, State: state}
	})
	go pipe(m, e.Blocks(m.ctx), func(block tree.Block) Event {
		return Event{Type: EventCursorMoved, Strand: s, Block: block}
	})
	go pipe(m, e.LastCommands(m.ctx), func(cmd StrandCommand) Event {
		return Event{Type: EventCommandConsumed, Strand: s, Command: cmd}
	})
	go pipe(m, e.Errors(m.ctx), func(err error) Event {
		return Event{Type: EventError, Strand: s, Err: err}
	})
}

func pipe[T any](m *MissionExecutor, ch <-chan T, toEvent func(T) Event) {
	defer m.wg.Done()
	for v := range ch {
		m.publish(toEvent(v))
	}
}

func (m *MissionExecutor) publish(ev Event) {
	ev.RunID = m.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events.Publish(ev)
}

// resultTracker records the latest result of every leaf it executes.
type resultTracker struct {
	next    LeafExecutor
	publish func(Event)

	mu      sync.Mutex
	results map[tree.BlockID]Result
}

func (t *resultTracker) Execute(ctx context.Context, block tree.Block) Result {
	result := t.next.Execute(ctx, block)

	t.mu.Lock()
	t.results[block.ID] = result
	t.mu.Unlock()

	s, _ := StrandFromContext(ctx)
	t.publish(Event{Type: EventLeafResult, Strand: s, Block: block, Result: result})
	return result
}

func (t *resultTracker) snapshot() map[tree.BlockID]Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[tree.BlockID]Result, len(t.results))
	for id, r := range t.results {
		out[id] = r
	}
	return out
}
