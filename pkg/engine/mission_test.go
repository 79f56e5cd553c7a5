package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/molr/molr/pkg/tree"
)

// eventRecorder collects mission events in the background.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func recordEvents(ch <-chan Event) *eventRecorder {
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitMission(t *testing.T, m *MissionExecutor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("mission did not finish: %+v", m.Snapshot())
	}
}

func TestMissionExecutor_RunsToCompletion(t *testing.T) {
	tr := falconTree(t)
	leaf := newMockLeafExecutor()
	m := NewMissionExecutor(tr.Structure(), leaf, testOptions())
	defer m.Close()

	rec := recordEvents(m.Events(context.Background()))

	root, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.RootExecutor() != root {
		t.Error("Expected RootExecutor to return the started root")
	}

	if err := m.Instruct(root.Strand().ID, CommandResume); err != nil {
		t.Fatalf("Instruct failed: %v", err)
	}
	waitMission(t, m)

	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatal("event stream was not closed after the mission finished")
	}

	if got := len(rec.ofType(EventStrandCreated)); got != 3 {
		t.Errorf("Expected 3 strand_created events, got %d", got)
	}
	leafEvents := rec.ofType(EventLeafResult)
	if len(leafEvents) != 5 {
		t.Errorf("Expected 5 leaf_result events, got %d", len(leafEvents))
	}
	for _, ev := range leafEvents {
		if ev.Result != ResultSuccess || ev.RunID != m.RunID() || ev.Strand.ID == "" {
			t.Errorf("Unexpected leaf event %+v", ev)
		}
	}

	finished := 0
	for _, ev := range rec.ofType(EventStateChanged) {
		if ev.State == RunStateFinished {
			finished++
		}
	}
	if finished != 3 {
		t.Errorf("Expected 3 FINISHED state events, got %d", finished)
	}

	consumed := rec.ofType(EventCommandConsumed)
	if len(consumed) == 0 || consumed[0].Command != CommandResume {
		t.Errorf("Expected consumed RESUME events, got %+v", consumed)
	}

	results := m.Results()
	if len(results) != 5 {
		t.Errorf("Expected 5 results, got %v", results)
	}

	snap := m.Snapshot()
	if snap.RunID != m.RunID() || len(snap.Strands) != 3 {
		t.Fatalf("Unexpected snapshot %+v", snap)
	}
	for _, s := range snap.Strands {
		if s.State != RunStateFinished || !s.Block.IsZero() || len(s.AllowedCommands) != 0 {
			t.Errorf("Expected finished strand, got %+v", s)
		}
	}
	if len(m.Strands()) != 3 {
		t.Errorf("Expected 3 strands, got %d", len(m.Strands()))
	}
}

func TestMissionExecutor_StartTwice(t *testing.T) {
	m := NewMissionExecutor(sequenceTree(t, 1).Structure(), newMockLeafExecutor(), testOptions())
	defer m.Close()

	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Start(); !IsPermanent(err) {
		t.Errorf("Expected permanent error on second start, got %v", err)
	}
}

func TestMissionExecutor_UnknownStrand(t *testing.T) {
	m := NewMissionExecutor(sequenceTree(t, 1).Structure(), newMockLeafExecutor(), testOptions())
	defer m.Close()

	err := m.Instruct("99", CommandResume)
	if !errors.Is(err, ErrUnknownStrand) {
		t.Errorf("Expected ErrUnknownStrand, got %v", err)
	}
	if err := m.MoveTo("99", tree.Block{}); !errors.Is(err, ErrUnknownStrand) {
		t.Errorf("Expected ErrUnknownStrand from MoveTo, got %v", err)
	}
}

func TestMissionExecutor_ErrorsAndFailures(t *testing.T) {
	tr := sequenceTree(t, 2)
	leaf := newMockLeafExecutor()
	leaf.setFail("1.1", true)

	m := NewMissionExecutor(tr.Structure(), leaf, testOptions())
	defer m.Close()
	rec := recordEvents(m.Events(context.Background()))

	root, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	instruct(t, root, CommandResume)
	waitPausedAt(t, root, "1.1")

	eventually(t, time.Second, func() bool {
		return len(rec.ofType(EventLeafResult)) == 1
	}, "expected a leaf result event")
	if got := m.Results()["1.1"]; got != ResultFailure {
		t.Errorf("Expected FAILURE for 1.1, got %s", got)
	}
	if n := len(rec.ofType(EventError)); n != 0 {
		t.Errorf("Leaf failure must not produce error events, got %d", n)
	}

	instruct(t, root, CommandStepInto)
	eventually(t, time.Second, func() bool {
		return len(rec.ofType(EventError)) == 1
	}, "expected rejected STEP_INTO to produce an error event")
	if ev := rec.ofType(EventError)[0]; !IsRejected(ev.Err) || ev.Strand.ID != root.Strand().ID {
		t.Errorf("Unexpected error event %+v", ev)
	}

	snap := m.Snapshot()
	if len(snap.Strands) != 1 || snap.Strands[0].State != RunStatePaused || snap.Strands[0].Block.ID != "1.1" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestMissionExecutor_SlowReaderSeesEveryEvent(t *testing.T) {
	const width = 100
	b := tree.NewBuilder()
	b.Parallel("fan", func(b *tree.Builder) {
		for i := 0; i < width; i++ {
			b.Leaf("leaf")
		}
	})
	tr := mustBuild(t, b)

	m := NewMissionExecutor(tr.Structure(), newMockLeafExecutor(), DefaultOptions())
	defer m.Close()
	events := m.Events(context.Background())

	root, err := m.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	instruct(t, root, CommandResume)

	counts := make(map[EventType]int)
	rootFinished := false
	timeout := time.After(20 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				continue
			}
			time.Sleep(time.Millisecond)
			counts[ev.Type]++
			if ev.Type == EventStateChanged && ev.Strand.ID == root.Strand().ID && ev.State == RunStateFinished {
				rootFinished = true
			}
		case <-timeout:
			t.Fatalf("event stream did not complete, got %v", counts)
		}
	}

	if got := len(m.Strands()); got != width+1 {
		t.Fatalf("Expected %d strands, got %d", width+1, got)
	}
	if got := counts[EventStrandCreated]; got != width+1 {
		t.Errorf("Expected %d strand_created events, got %d", width+1, got)
	}
	if got := counts[EventLeafResult]; got != width {
		t.Errorf("Expected %d leaf_result events, got %d", width, got)
	}
	if !rootFinished {
		t.Error("Expected the root FINISHED state event")
	}
}

func TestMissionExecutor_CloseEndsEventStream(t *testing.T) {
	m := NewMissionExecutor(sequenceTree(t, 1).Structure(), newMockLeafExecutor(), testOptions())
	events := m.Events(context.Background())
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.Close()
	m.Close()

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event stream not closed after Close")
		}
	}
}
