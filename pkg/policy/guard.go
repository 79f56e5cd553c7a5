package policy

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/tree"
)

// Mission is the part of a running mission a Guard controls.
type Mission interface {
	RunID() string
	Snapshot() engine.MissionSnapshot
	Instruct(strandID string, cmd engine.StrandCommand) error
	MoveTo(strandID string, block tree.Block) error
}

// Guard checks operator actions against the policies before they reach the
// mission. Commands for unknown strands are passed through so the mission
// reports them.
type Guard struct {
	policies *Engine
	mission  Mission
	logger   zerolog.Logger
}

// NewGuard creates a guard in front of mission.
func NewGuard(policies *Engine, mission Mission, logger zerolog.Logger) *Guard {
	return &Guard{
		policies: policies,
		mission:  mission,
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}
}

// Instruct sends cmd to a strand when the policies allow it. The decision is
// returned even when the command is denied, for its advisory violations.
func (g *Guard) Instruct(ctx context.Context, strandID string, cmd engine.StrandCommand) (*Decision, error) {
	input, ok := g.input(OperationInstruct, strandID)
	if !ok {
		return nil, g.mission.Instruct(strandID, cmd)
	}
	input.Command = string(cmd)

	decision, err := g.check(ctx, input)
	if err != nil {
		return decision, err
	}
	return decision, g.mission.Instruct(strandID, cmd)
}

// MoveTo relocates a strand's cursor when the policies allow it.
func (g *Guard) MoveTo(ctx context.Context, strandID string, block tree.Block) (*Decision, error) {
	input, ok := g.input(OperationMove, strandID)
	if !ok {
		return nil, g.mission.MoveTo(strandID, block)
	}
	target := blockInput(block)
	input.Target = &target

	decision, err := g.check(ctx, input)
	if err != nil {
		return decision, err
	}
	return decision, g.mission.MoveTo(strandID, block)
}

func (g *Guard) check(ctx context.Context, input Input) (*Decision, error) {
	decision, err := g.policies.Check(ctx, input)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		g.logger.Warn().
			Str("operation", string(input.Operation)).
			Str("command", input.Command).
			Str("strand", input.Strand.ID).
			Int("violations", len(decision.Blocking())).
			Msg("Operator action denied")
		return decision, decision.Err()
	}
	return decision, nil
}

func (g *Guard) input(op Operation, strandID string) (Input, bool) {
	for _, s := range g.mission.Snapshot().Strands {
		if s.Strand.ID != strandID {
			continue
		}
		return Input{
			Operation: op,
			RunID:     g.mission.RunID(),
			Strand: StrandInput{
				ID:     s.Strand.ID,
				Parent: s.Strand.ParentID,
				State:  string(s.State),
			},
			Block: blockInput(s.Block),
		}, true
	}
	return Input{}, false
}

func blockInput(b tree.Block) BlockInput {
	if b.IsZero() {
		return BlockInput{}
	}
	return BlockInput{ID: string(b.ID), Name: b.Name, Kind: string(b.Kind)}
}
