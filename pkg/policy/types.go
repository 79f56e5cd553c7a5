package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDenied is wrapped by the error of a decision that blocks a command.
var ErrDenied = errors.New("denied by policy")

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported to the operator but lets the command through.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the command.
	SeverityError Severity = "error"

	// SeverityCritical blocks the command.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity stops the command.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy is a Rego module whose deny set is checked before operator commands.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. The module must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Operation names the kind of operator action being checked.
type Operation string

const (
	// OperationInstruct is a strand command (pause, resume, skip, step-into, step-over).
	OperationInstruct Operation = "instruct"

	// OperationMove is a cursor relocation inside a paused strand.
	OperationMove Operation = "move"
)

// Input is the document a policy sees as `input`.
type Input struct {
	Operation Operation   `json:"operation"`
	RunID     string      `json:"run_id"`
	Command   string      `json:"command,omitempty"`
	Strand    StrandInput `json:"strand"`
	Block     BlockInput  `json:"block"`
	Target    *BlockInput `json:"target,omitempty"`
}

// StrandInput describes the strand a command is addressed to.
type StrandInput struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
	State  string `json:"state"`
}

// BlockInput describes a block of the mission tree.
type BlockInput struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Decision is the outcome of checking one operator action.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Blocking returns the violations that stop the command.
func (d *Decision) Blocking() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Advisory returns the violations that are reported but do not block.
func (d *Decision) Advisory() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if !v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Err returns nil for an allowed decision, otherwise an error wrapping ErrDenied.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	blocking := d.Blocking()
	msgs := make([]string, len(blocking))
	for i, v := range blocking {
		msgs[i] = v.String()
	}
	return fmt.Errorf("%w: %s", ErrDenied, strings.Join(msgs, "; "))
}
