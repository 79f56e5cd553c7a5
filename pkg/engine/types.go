package engine

import (
	"time"

	"github.com/molr/molr/pkg/strand"
	"github.com/molr/molr/pkg/tree"
)

// executorState is the fine-grained state of a strand executor.
type executorState int32

const (
	stateIdle executorState = iota
	stateResuming
	stateSteppingOver
	stateRunningLeaf
	stateWaitingForChildren
	stateFinished
)

func (s executorState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateResuming:
		return "RESUMING"
	case stateSteppingOver:
		return "STEPPING_OVER"
	case stateRunningLeaf:
		return "RUNNING_LEAF"
	case stateWaitingForChildren:
		return "WAITING_FOR_CHILDREN"
	case stateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// runState projects the internal state onto the observable run state.
func (s executorState) runState() RunState {
	switch s {
	case stateIdle:
		return RunStatePaused
	case stateFinished:
		return RunStateFinished
	default:
		return RunStateRunning
	}
}

// EventType identifies the kind of a mission event.
type EventType string

const (
	// EventStrandCreated is emitted when a strand executor is created.
	EventStrandCreated EventType = "strand_created"

	// EventStateChanged is emitted when a strand's run state changes.
	EventStateChanged EventType = "state_changed"

	// EventCursorMoved is emitted when a strand's cursor moves. A zero Block means the strand finished.
	EventCursorMoved EventType = "cursor_moved"

	// EventCommandConsumed is emitted when a strand executor has processed a command.
	EventCommandConsumed EventType = "command_consumed"

	// EventLeafResult is emitted when a leaf execution returns.
	EventLeafResult EventType = "leaf_result"

	// EventError is emitted for rejected commands and internal errors.
	EventError EventType = "error"
)

// Event is one entry of a mission's merged event stream.
type Event struct {
	// RunID identifies the mission execution.
	RunID string `json:"run_id"`

	// Type is the kind of event.
	Type EventType `json:"type"`

	// Strand is the strand the event belongs to.
	Strand strand.Strand `json:"strand"`

	// State is set for EventStateChanged.
	State RunState `json:"state,omitempty"`

	// Block is set for cursor moves and leaf results.
	Block tree.Block `json:"block"`

	// Command is set for EventCommandConsumed.
	Command StrandCommand `json:"command,omitempty"`

	// Result is set for EventLeafResult.
	Result Result `json:"result,omitempty"`

	// Err is set for EventError.
	Err error `json:"-"`

	// Timestamp is when the event was observed.
	Timestamp time.Time `json:"timestamp"`
}

// StrandSnapshot is a point-in-time view of one strand executor.
type StrandSnapshot struct {
	Strand          strand.Strand   `json:"strand"`
	State           RunState        `json:"state"`
	Block           tree.Block      `json:"block"`
	AllowedCommands []StrandCommand `json:"allowed_commands"`
	Children        []string        `json:"children,omitempty"`
}

// MissionSnapshot is a point-in-time view of every strand in a mission.
type MissionSnapshot struct {
	RunID   string                  `json:"run_id"`
	Strands []StrandSnapshot        `json:"strands"`
	Results map[tree.BlockID]Result `json:"results,omitempty"`
}
