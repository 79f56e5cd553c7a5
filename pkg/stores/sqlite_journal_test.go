package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestJournal creates an in-memory journal for testing.
func setupTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()

	journal, err := NewSQLiteJournal(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	ctx := context.Background()
	if err := journal.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize journal: %v", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate journal: %v", err)
	}

	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func createTestMission(t *testing.T, j *SQLiteJournal, runID string, startedAt time.Time) {
	t.Helper()
	err := j.CreateMission(context.Background(), &Mission{
		RunID:     runID,
		Name:      "Land Falcon",
		RootBlock: "1",
		StartedAt: startedAt,
	})
	if err != nil {
		t.Fatalf("CreateMission failed: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteJournal(t *testing.T) {
	if _, err := NewSQLiteJournal(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}

	j, err := NewSQLiteJournal(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if j.cfg.MaxOpenConns != 1 {
		t.Errorf("Expected in-memory journal to use a single connection, got %d", j.cfg.MaxOpenConns)
	}

	j, err = NewSQLiteJournal(Config{Path: "/tmp/molr.db"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if j.cfg.MaxOpenConns != 4 || j.cfg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("Expected defaults to be applied, got %+v", j.cfg)
	}
}

func TestSQLiteJournal_MigrateTwice(t *testing.T) {
	j := setupTestJournal(t)
	if err := j.Migrate(context.Background()); err != nil {
		t.Errorf("Second migration should be a no-op, got %v", err)
	}
	if err := j.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestSQLiteJournal_Missions(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	createTestMission(t, j, "run-1", start.Add(-time.Minute))
	createTestMission(t, j, "run-2", start)

	m, err := j.GetMission(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetMission failed: %v", err)
	}
	if m.Status != MissionStatusRunning || m.Name != "Land Falcon" || m.FinishedAt != nil {
		t.Errorf("Unexpected mission %+v", m)
	}
	if !m.StartedAt.Equal(start.Add(-time.Minute)) {
		t.Errorf("Expected started_at %v, got %v", start.Add(-time.Minute), m.StartedAt)
	}

	if err := j.FinishMission(ctx, "run-1", MissionStatusFinished, start); err != nil {
		t.Fatalf("FinishMission failed: %v", err)
	}
	m, _ = j.GetMission(ctx, "run-1")
	if m.Status != MissionStatusFinished || m.FinishedAt == nil || !m.FinishedAt.Equal(start) {
		t.Errorf("Expected finished mission, got %+v", m)
	}

	missions, err := j.ListMissions(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListMissions failed: %v", err)
	}
	if len(missions) != 2 || missions[0].RunID != "run-2" {
		t.Errorf("Expected most recent mission first, got %d missions", len(missions))
	}

	missions, _ = j.ListMissions(ctx, 1, 1)
	if len(missions) != 1 || missions[0].RunID != "run-1" {
		t.Errorf("Expected paging to return run-1, got %+v", missions)
	}

	if _, err := j.GetMission(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := j.FinishMission(ctx, "missing", MissionStatusFinished, start); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := j.CreateMission(ctx, &Mission{RunID: "run-1", Name: "dup", RootBlock: "1", StartedAt: start}); err == nil {
		t.Error("Expected duplicate run ID to fail")
	}
}

func TestSQLiteJournal_Strands(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	createTestMission(t, j, "run-1", time.Now())

	for _, s := range []*Strand{
		{RunID: "run-1", StrandID: "1", RootBlock: "1"},
		{RunID: "run-1", StrandID: "10", ParentID: strPtr("1"), RootBlock: "1.2.2"},
		{RunID: "run-1", StrandID: "2", ParentID: strPtr("1"), RootBlock: "1.2.1"},
	} {
		if err := j.RecordStrand(ctx, s); err != nil {
			t.Fatalf("RecordStrand failed: %v", err)
		}
	}

	strands, err := j.ListStrands(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStrands failed: %v", err)
	}
	want := []string{"1", "2", "10"}
	if len(strands) != len(want) {
		t.Fatalf("Expected %d strands, got %d", len(want), len(strands))
	}
	for i, id := range want {
		if strands[i].StrandID != id {
			t.Errorf("Expected strand %s at %d, got %s", id, i, strands[i].StrandID)
		}
	}
	if strands[0].ParentID != nil {
		t.Error("Root strand must have no parent")
	}
	if strands[1].ParentID == nil || *strands[1].ParentID != "1" {
		t.Errorf("Expected parent 1, got %v", strands[1].ParentID)
	}

	err = j.RecordStrand(ctx, &Strand{RunID: "missing", StrandID: "1", RootBlock: "1"})
	if err == nil {
		t.Error("Expected foreign key violation for unknown run")
	}
}

func TestSQLiteJournal_Events(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	createTestMission(t, j, "run-1", time.Now())

	events := []*Event{
		{EventID: "e1", RunID: "run-1", Type: "strand_created", StrandID: strPtr("1"), BlockID: strPtr("1")},
		{EventID: "e2", RunID: "run-1", Type: "command_consumed", StrandID: strPtr("1"), Command: strPtr("RESUME")},
		{EventID: "e3", RunID: "run-1", Type: "strand_created", StrandID: strPtr("2"), BlockID: strPtr("1.2.1")},
		{
			EventID:    "e4",
			RunID:      "run-1",
			Type:       "error",
			StrandID:   strPtr("2"),
			ErrorClass: strPtr("rejected"),
			ErrorCode:  strPtr("NOT_ALLOWED"),
			Message:    strPtr("command STEP_INTO not allowed"),
		},
	}
	for _, ev := range events {
		ev.Timestamp = time.Now().UTC()
		if err := j.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if ev.ID == 0 {
			t.Error("Expected ID to be set")
		}
	}

	all, err := j.ListEvents(ctx, "run-1", EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(all))
	}
	for i, ev := range all {
		if ev.EventID != events[i].EventID {
			t.Errorf("Expected append order, got %s at %d", ev.EventID, i)
		}
	}
	if all[1].Command == nil || *all[1].Command != "RESUME" || all[1].BlockID != nil {
		t.Errorf("Unexpected optional fields %+v", all[1])
	}

	byStrand, _ := j.ListEvents(ctx, "run-1", EventFilter{StrandID: strPtr("2")})
	if len(byStrand) != 2 {
		t.Errorf("Expected 2 events for strand 2, got %d", len(byStrand))
	}

	byType, _ := j.ListEvents(ctx, "run-1", EventFilter{Type: strPtr("strand_created")})
	if len(byType) != 2 {
		t.Errorf("Expected 2 strand_created events, got %d", len(byType))
	}

	both, _ := j.ListEvents(ctx, "run-1", EventFilter{StrandID: strPtr("2"), Type: strPtr("error")})
	if len(both) != 1 || *both[0].ErrorCode != "NOT_ALLOWED" {
		t.Errorf("Expected the error event, got %+v", both)
	}

	page, _ := j.ListEvents(ctx, "run-1", EventFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].EventID != "e2" {
		t.Errorf("Unexpected page %+v", page)
	}

	dup := &Event{EventID: "e1", RunID: "run-1", Type: "error", Timestamp: time.Now()}
	if err := j.AppendEvent(ctx, dup); err == nil {
		t.Error("Expected duplicate event ID to fail")
	}
}

func TestSQLiteJournal_LeafResults(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	createTestMission(t, j, "run-1", time.Now())

	upserts := []*LeafResult{
		{RunID: "run-1", BlockID: "1.1", StrandID: strPtr("1"), Result: "FAILURE"},
		{RunID: "run-1", BlockID: "1.1", StrandID: strPtr("1"), Result: "SUCCESS"},
		{RunID: "run-1", BlockID: "1.3", StrandID: strPtr("1"), Result: "SUCCESS"},
	}
	for _, r := range upserts {
		if err := j.UpsertLeafResult(ctx, r); err != nil {
			t.Fatalf("UpsertLeafResult failed: %v", err)
		}
	}

	results, err := j.ListLeafResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListLeafResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 leaf results, got %d", len(results))
	}
	if results[0].BlockID != "1.1" || results[0].Result != "SUCCESS" || results[0].Executions != 2 {
		t.Errorf("Expected re-executed leaf to keep latest result, got %+v", results[0])
	}
	if results[1].Executions != 1 {
		t.Errorf("Expected 1 execution, got %d", results[1].Executions)
	}
}

func TestSQLiteJournal_DeleteCascades(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	createTestMission(t, j, "run-1", time.Now())

	_ = j.RecordStrand(ctx, &Strand{RunID: "run-1", StrandID: "1", RootBlock: "1"})
	_ = j.AppendEvent(ctx, &Event{EventID: "e1", RunID: "run-1", Type: "strand_created", Timestamp: time.Now()})
	_ = j.UpsertLeafResult(ctx, &LeafResult{RunID: "run-1", BlockID: "1.1", Result: "SUCCESS"})

	if err := j.DeleteMission(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteMission failed: %v", err)
	}

	strands, _ := j.ListStrands(ctx, "run-1")
	events, _ := j.ListEvents(ctx, "run-1", EventFilter{})
	results, _ := j.ListLeafResults(ctx, "run-1")
	if len(strands)+len(events)+len(results) != 0 {
		t.Errorf("Expected cascade delete, got %d strands %d events %d results", len(strands), len(events), len(results))
	}

	if err := j.DeleteMission(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
