package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunState is the externally observable state of a strand executor.
type RunState string

const (
	// RunStatePaused indicates the strand holds its position and waits for a command.
	RunStatePaused RunState = "PAUSED"

	// RunStateRunning indicates the strand is making progress, directly or through its children.
	RunStateRunning RunState = "RUNNING"

	// RunStateFinished indicates the strand reached the end of its tree.
	RunStateFinished RunState = "FINISHED"
)

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStatePaused, RunStateRunning, RunStateFinished:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// StrandCommand is an instruction a controller sends to one strand executor.
type StrandCommand string

const (
	// CommandPause stops forward progress, or forwards the pause to every live child.
	CommandPause StrandCommand = "PAUSE"

	// CommandResume runs until a leaf fails, the tree ends or a pause arrives.
	CommandResume StrandCommand = "RESUME"

	// CommandSkip moves past the current block without executing it.
	CommandSkip StrandCommand = "SKIP"

	// CommandStepInto descends into the current composite block and stays paused.
	CommandStepInto StrandCommand = "STEP_INTO"

	// CommandStepOver runs the current block's subtree and pauses right after it.
	CommandStepOver StrandCommand = "STEP_OVER"
)

// commandOrder is the canonical order used when listing commands.
var commandOrder = []StrandCommand{
	CommandResume,
	CommandPause,
	CommandStepOver,
	CommandStepInto,
	CommandSkip,
}

// Validate checks if the command is valid.
func (c StrandCommand) Validate() error {
	switch c {
	case CommandPause, CommandResume, CommandSkip, CommandStepInto, CommandStepOver:
		return nil
	default:
		return fmt.Errorf("invalid strand command: %s", c)
	}
}

// ParseStrandCommand parses a command name. It is case-insensitive and
// accepts dashes or spaces in place of underscores ("step-into").
func ParseStrandCommand(s string) (StrandCommand, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	cmd := StrandCommand(normalized)
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	return cmd, nil
}

// Result is the outcome of executing a leaf block.
type Result string

const (
	// ResultSuccess lets the strand advance to the next block.
	ResultSuccess Result = "SUCCESS"

	// ResultFailure pauses the strand at the failing leaf.
	ResultFailure Result = "FAILURE"
)

// Validate checks if the result is valid.
func (r Result) Validate() error {
	switch r {
	case ResultSuccess, ResultFailure:
		return nil
	default:
		return fmt.Errorf("invalid result: %s", r)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (c StrandCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (c *StrandCommand) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*c = StrandCommand(str)
	return c.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (r *Result) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*r = Result(str)
	return r.Validate()
}
