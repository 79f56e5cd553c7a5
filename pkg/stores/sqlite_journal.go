package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteJournal implements Journal on SQLite.
type SQLiteJournal struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite journal configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:"
}

// NewSQLiteJournal creates a journal. Call Init and Migrate before use.
func NewSQLiteJournal(cfg Config) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens a distinct database.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteJournal{cfg: cfg}, nil
}

// Init opens the database connection.
func (s *SQLiteJournal) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", s.cfg.Path)
	if !s.cfg.inMemory() {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteJournal) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateMission records a new mission run.
func (s *SQLiteJournal) CreateMission(ctx context.Context, mission *Mission) error {
	now := time.Now().UTC()
	if mission.CreatedAt.IsZero() {
		mission.CreatedAt = now
	}
	mission.UpdatedAt = now
	if mission.Status == "" {
		mission.Status = MissionStatusRunning
	}

	query := `
		INSERT INTO missions (run_id, name, root_block, status, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		mission.RunID,
		mission.Name,
		mission.RootBlock,
		mission.Status,
		mission.StartedAt,
		mission.FinishedAt,
		mission.CreatedAt,
		mission.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mission: %w", err)
	}
	return nil
}

// GetMission retrieves a mission run by ID.
func (s *SQLiteJournal) GetMission(ctx context.Context, runID string) (*Mission, error) {
	query := `
		SELECT run_id, name, root_block, status, started_at, finished_at, created_at, updated_at
		FROM missions
		WHERE run_id = ?
	`

	mission, err := scanMission(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	return mission, nil
}

// FinishMission sets the final status of a mission run.
func (s *SQLiteJournal) FinishMission(ctx context.Context, runID string, status MissionStatus, finishedAt time.Time) error {
	query := `
		UPDATE missions
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, finishedAt, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish mission: %w", err)
	}
	return expectRow(result, "mission", runID)
}

// ListMissions returns mission runs, most recent first.
func (s *SQLiteJournal) ListMissions(ctx context.Context, limit, offset int) ([]*Mission, error) {
	query := `
		SELECT run_id, name, root_block, status, started_at, finished_at, created_at, updated_at
		FROM missions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	missions := []*Mission{}
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, mission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missions: %w", err)
	}
	return missions, nil
}

// DeleteMission removes a mission run and everything recorded for it.
func (s *SQLiteJournal) DeleteMission(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM missions WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to delete mission: %w", err)
	}
	return expectRow(result, "mission", runID)
}

// RecordStrand records a strand created during a mission run.
func (s *SQLiteJournal) RecordStrand(ctx context.Context, strand *Strand) error {
	if strand.CreatedAt.IsZero() {
		strand.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO strands (run_id, strand_id, parent_id, root_block, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		strand.RunID,
		strand.StrandID,
		strand.ParentID,
		strand.RootBlock,
		strand.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record strand: %w", err)
	}
	return nil
}

// ListStrands returns the strands of a mission run in creation order.
func (s *SQLiteJournal) ListStrands(ctx context.Context, runID string) ([]*Strand, error) {
	query := `
		SELECT run_id, strand_id, parent_id, root_block, created_at
		FROM strands
		WHERE run_id = ?
		ORDER BY CAST(strand_id AS INTEGER)
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list strands: %w", err)
	}
	defer rows.Close()

	strands := []*Strand{}
	for rows.Next() {
		st := &Strand{}
		if err := rows.Scan(&st.RunID, &st.StrandID, &st.ParentID, &st.RootBlock, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strand: %w", err)
		}
		strands = append(strands, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strands: %w", err)
	}
	return strands, nil
}

// AppendEvent appends an event to the journal.
func (s *SQLiteJournal) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (
			event_id, run_id, type, strand_id, state, block_id, command, result,
			error_class, error_code, message, timestamp
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.StrandID,
		event.State,
		event.BlockID,
		event.Command,
		event.Result,
		event.ErrorClass,
		event.ErrorCode,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns the events of a mission run in the order they were appended.
func (s *SQLiteJournal) ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, strand_id, state, block_id, command, result,
		       error_class, error_code, message, timestamp
		FROM events
		WHERE run_id = ?
		  AND (? IS NULL OR strand_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		runID,
		filter.StrandID, filter.StrandID,
		filter.Type, filter.Type,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.RunID,
			&ev.Type,
			&ev.StrandID,
			&ev.State,
			&ev.BlockID,
			&ev.Command,
			&ev.Result,
			&ev.ErrorClass,
			&ev.ErrorCode,
			&ev.Message,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// UpsertLeafResult stores the latest result of a leaf, counting executions.
func (s *SQLiteJournal) UpsertLeafResult(ctx context.Context, result *LeafResult) error {
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO leaf_results (run_id, block_id, strand_id, result, executions, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(run_id, block_id) DO UPDATE SET
			strand_id = excluded.strand_id,
			result = excluded.result,
			executions = leaf_results.executions + 1,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.BlockID,
		result.StrandID,
		result.Result,
		result.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert leaf result: %w", err)
	}
	return nil
}

// ListLeafResults returns the latest result of every executed leaf of a run.
func (s *SQLiteJournal) ListLeafResults(ctx context.Context, runID string) ([]*LeafResult, error) {
	query := `
		SELECT run_id, block_id, strand_id, result, executions, updated_at
		FROM leaf_results
		WHERE run_id = ?
		ORDER BY block_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaf results: %w", err)
	}
	defer rows.Close()

	results := []*LeafResult{}
	for rows.Next() {
		r := &LeafResult{}
		if err := rows.Scan(&r.RunID, &r.BlockID, &r.StrandID, &r.Result, &r.Executions, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan leaf result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leaf results: %w", err)
	}
	return results, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteJournal) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMission(row rowScanner) (*Mission, error) {
	m := &Mission{}
	err := row.Scan(
		&m.RunID,
		&m.Name,
		&m.RootBlock,
		&m.Status,
		&m.StartedAt,
		&m.FinishedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func expectRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
