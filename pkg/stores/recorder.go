package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/engine"
)

// MissionInfo identifies the mission run a Recorder journals.
type MissionInfo struct {
	RunID     string
	Name      string
	RootBlock string
	StartedAt time.Time
}

// RecordStats summarises one Record call.
type RecordStats struct {
	Events int
	Failed int
	Status MissionStatus
}

// Recorder drains mission events into a Journal.
type Recorder struct {
	journal Journal
	logger  zerolog.Logger
}

// NewRecorder creates a recorder writing to journal.
func NewRecorder(journal Journal, logger zerolog.Logger) *Recorder {
	return &Recorder{
		journal: journal,
		logger:  logger.With().Str("component", "journal-recorder").Logger(),
	}
}

// Record creates the mission entry and journals events until the channel is
// closed or ctx is done. The mission is marked finished when the root strand
// was seen finishing, detached otherwise. Failing event writes are logged and
// counted but do not stop recording.
func (r *Recorder) Record(ctx context.Context, info MissionInfo, events <-chan engine.Event) (RecordStats, error) {
	stats := RecordStats{Status: MissionStatusDetached}

	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	err := r.journal.CreateMission(ctx, &Mission{
		RunID:     info.RunID,
		Name:      info.Name,
		RootBlock: info.RootBlock,
		Status:    MissionStatusRunning,
		StartedAt: info.StartedAt,
	})
	if err != nil {
		return stats, err
	}

	logger := r.logger.With().Str("run_id", info.RunID).Logger()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			stats.Events++
			if err := r.record(ctx, info.RunID, ev); err != nil {
				stats.Failed++
				logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to journal event")
			}
			if ev.Type == engine.EventStateChanged && ev.State == engine.RunStateFinished && ev.Strand.IsRoot() {
				stats.Status = MissionStatusFinished
			}
		}
	}

	finishCtx := context.WithoutCancel(ctx)
	if err := r.journal.FinishMission(finishCtx, info.RunID, stats.Status, time.Now().UTC()); err != nil {
		return stats, err
	}

	logger.Info().
		Int("events", stats.Events).
		Int("failed", stats.Failed).
		Str("status", string(stats.Status)).
		Msg("Mission journal closed")
	return stats, nil
}

func (r *Recorder) record(ctx context.Context, runID string, ev engine.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	entry := &Event{
		EventID:   uuid.New().String(),
		RunID:     runID,
		Type:      string(ev.Type),
		StrandID:  optional(ev.Strand.ID),
		Timestamp: ts.UTC(),
	}

	switch ev.Type {
	case engine.EventStrandCreated:
		entry.BlockID = optional(string(ev.Block.ID))
		err := r.journal.RecordStrand(ctx, &Strand{
			RunID:     runID,
			StrandID:  ev.Strand.ID,
			ParentID:  optional(ev.Strand.ParentID),
			RootBlock: string(ev.Block.ID),
			CreatedAt: ts.UTC(),
		})
		if err != nil {
			return err
		}

	case engine.EventStateChanged:
		entry.State = optional(string(ev.State))

	case engine.EventCursorMoved:
		entry.BlockID = optional(string(ev.Block.ID))

	case engine.EventCommandConsumed:
		entry.Command = optional(string(ev.Command))

	case engine.EventLeafResult:
		entry.BlockID = optional(string(ev.Block.ID))
		entry.Result = optional(string(ev.Result))
		err := r.journal.UpsertLeafResult(ctx, &LeafResult{
			RunID:     runID,
			BlockID:   string(ev.Block.ID),
			StrandID:  optional(ev.Strand.ID),
			Result:    string(ev.Result),
			UpdatedAt: ts.UTC(),
		})
		if err != nil {
			return err
		}

	case engine.EventError:
		if ev.Err != nil {
			entry.Message = optional(ev.Err.Error())
		}
		var engineErr *engine.EngineError
		if errors.As(ev.Err, &engineErr) {
			entry.ErrorClass = optional(string(engineErr.Class))
			entry.ErrorCode = optional(engineErr.Code)
			entry.BlockID = optional(string(engineErr.Block))
			if engineErr.Command != "" {
				entry.Command = optional(string(engineErr.Command))
			}
		}

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	return r.journal.AppendEvent(ctx, entry)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
