package stores

import (
	"context"
	"time"
)

// MissionStatus is the journal status of a mission run.
type MissionStatus string

const (
	// MissionStatusRunning is set when the mission is recorded.
	MissionStatusRunning MissionStatus = "running"

	// MissionStatusFinished means the root strand reached the end of the tree.
	MissionStatusFinished MissionStatus = "finished"

	// MissionStatusDetached means recording stopped before the mission finished.
	MissionStatusDetached MissionStatus = "detached"
)

// Mission is one recorded mission run.
type Mission struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	RootBlock  string        `json:"root_block"`
	Status     MissionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Strand is a strand created during a mission run.
type Strand struct {
	RunID     string    `json:"run_id"`
	StrandID  string    `json:"strand_id"`
	ParentID  *string   `json:"parent_id,omitempty"` // nil for the root strand
	RootBlock string    `json:"root_block"`          // first block of the strand's substructure
	CreatedAt time.Time `json:"created_at"`
}

// Event is an append-only journal entry mirroring one mission event.
type Event struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	StrandID   *string   `json:"strand_id,omitempty"`
	State      *string   `json:"state,omitempty"`
	BlockID    *string   `json:"block_id,omitempty"`
	Command    *string   `json:"command,omitempty"`
	Result     *string   `json:"result,omitempty"`
	ErrorClass *string   `json:"error_class,omitempty"`
	ErrorCode  *string   `json:"error_code,omitempty"`
	Message    *string   `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LeafResult is the latest result of one leaf in a mission run.
type LeafResult struct {
	RunID      string    `json:"run_id"`
	BlockID    string    `json:"block_id"`
	StrandID   *string   `json:"strand_id,omitempty"`
	Result     string    `json:"result"`
	Executions int       `json:"executions"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EventFilter narrows ListEvents. Nil fields match everything.
type EventFilter struct {
	StrandID *string
	Type     *string
	Limit    int
	Offset   int
}

// Journal persists mission executions.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Missions
	CreateMission(ctx context.Context, mission *Mission) error
	GetMission(ctx context.Context, runID string) (*Mission, error)
	FinishMission(ctx context.Context, runID string, status MissionStatus, finishedAt time.Time) error
	ListMissions(ctx context.Context, limit, offset int) ([]*Mission, error)
	DeleteMission(ctx context.Context, runID string) error

	// Strands
	RecordStrand(ctx context.Context, strand *Strand) error
	ListStrands(ctx context.Context, runID string) ([]*Strand, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error)

	// Leaf results
	UpsertLeafResult(ctx context.Context, result *LeafResult) error
	ListLeafResults(ctx context.Context, runID string) ([]*LeafResult, error)

	HealthCheck(ctx context.Context) error
}
