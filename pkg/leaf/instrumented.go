package leaf

import (
	"context"
	"fmt"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/telemetry"
	"github.com/molr/molr/pkg/tree"
)

// Instrumented wraps a leaf executor with a span, a log line and metrics per execution.
type Instrumented struct {
	next engine.LeafExecutor
	tel  *telemetry.Telemetry
}

// NewInstrumented wraps next. tel may be nil, in which case only the context
// logger is used.
func NewInstrumented(next engine.LeafExecutor, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{next: next, tel: tel}
}

// Execute implements engine.LeafExecutor.
func (i *Instrumented) Execute(ctx context.Context, block tree.Block) engine.Result {
	if i.tel != nil {
		ctx = i.tel.WithContext(ctx)
	}

	strandID := ""
	if s, ok := engine.StrandFromContext(ctx); ok {
		strandID = s.ID
	}

	op := telemetry.StartLeaf(ctx, strandID, string(block.ID), block.Name)
	op.Logger.Debug("Leaf started")

	result := i.next.Execute(op.Ctx, block)
	duration := op.Timer.Duration()

	if op.Span != nil {
		op.Span.SetAttributes(telemetry.AttrResult.String(string(result)))
	}

	var err error
	if result != engine.ResultSuccess {
		err = fmt.Errorf("leaf %s returned %s", block.ID, result)
	}
	op.End(err)

	if i.tel != nil {
		i.tel.Metrics.RecordLeafExecution(string(result), duration)
	}

	op.Logger.WithField("result", result).WithField("duration_ms", duration.Milliseconds()).Info("Leaf finished")
	return result
}
