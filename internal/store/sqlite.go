package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandbox/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT,
    prompt           TEXT NOT NULL,
    params           TEXT NOT NULL,
    state            TEXT NOT NULL,
    current_step     INTEGER NOT NULL DEFAULT 0,
    total_steps      INTEGER NOT NULL DEFAULT 0,
    result           BLOB,
    reason           TEXT,
    claimed_by       TEXT,
    lease_expires_at INTEGER,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks (state, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks (state, lease_expires_at)`,
}

const taskColumns = `id, owner_id, prompt, params, state, current_step, total_steps,
	result, reason, claimed_by, lease_expires_at, created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db, opts: o}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record in state new.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, owner_id, prompt, params, state, current_step, total_steps,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, nullString(t.Owner), t.Prompt, string(params), model.StateNew,
		t.Params.TotalSteps(), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return storageErr("insert task", err)
	}
	return nil
}

// ClaimNextTask moves the oldest new task to in_progress in one conditional
// UPDATE and returns it. It returns nil when no task is waiting.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, workerID string) (*model.Task, error) {
	now := s.opts.now()
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks
		SET state = ?, current_step = 0, claimed_by = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks WHERE state = ? ORDER BY created_at, id LIMIT 1
		) AND state = ?
		RETURNING id`,
		model.StateInProgress, nullString(workerID), s.leaseExpiry(now), now,
		model.StateNew, model.StateNew,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim task", err)
	}

	// The claim is already committed; this read only fills in the row.
	return s.GetTask(ctx, id)
}

// ReportProgress records a step update for a claimed task and renews its lease.
// Steps may not move backwards.
func (s *SQLiteStore) ReportProgress(ctx context.Context, id, workerID string, current, total uint32) error {
	now := s.opts.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		SET current_step = ?, total_steps = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND current_step <= ?
			AND (? = '' OR claimed_by = ?)`,
		current, total, s.leaseExpiry(now), now,
		id, model.StateInProgress, current,
		workerID, workerID,
	)
	if err != nil {
		return storageErr("update progress", err)
	}
	return s.checkApplied(ctx, result, id, workerID, model.InProgress(current, total))
}

// ReportFinished stores the terminal result. Repeating the call with the same
// payload is a no-op; a different payload is an invalid transition.
func (s *SQLiteStore) ReportFinished(ctx context.Context, id, workerID string, payload []byte) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		SET state = ?, result = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND (? = '' OR claimed_by = ?)`,
		model.StateFinished, payload, s.opts.now(),
		id, model.StateInProgress, workerID, workerID,
	)
	if err != nil {
		return storageErr("finish task", err)
	}
	return s.checkApplied(ctx, result, id, workerID, model.Finished(payload))
}

// ReportFailed stores a terminal failure with the same idempotency rules as
// ReportFinished.
func (s *SQLiteStore) ReportFailed(ctx context.Context, id, workerID, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		SET state = ?, reason = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND (? = '' OR claimed_by = ?)`,
		model.StateFailed, reason, s.opts.now(),
		id, model.StateInProgress, workerID, workerID,
	)
	if err != nil {
		return storageErr("fail task", err)
	}
	return s.checkApplied(ctx, result, id, workerID, model.Failed(reason))
}

// checkApplied turns a conditional update that matched no row into the
// matching error by re-reading the task.
func (s *SQLiteStore) checkApplied(ctx context.Context, result sql.Result, id, workerID string, want model.Status) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr("check rows affected", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return explainRejection(t, workerID, want)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// ListTasksForOwner returns all tasks submitted by owner, newest first.
// The lookup is served by idx_tasks_owner.
func (s *SQLiteStore) ListTasksForOwner(ctx context.Context, owner string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks INDEXED BY idx_tasks_owner
		WHERE owner_id = ? ORDER BY created_at DESC`, owner,
	)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}
	return tasks, nil
}

// ReclaimExpired hands tasks whose lease ran out back to new and returns their IDs.
func (s *SQLiteStore) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks
		SET state = ?, current_step = 0, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		RETURNING id`,
		model.StateNew, now.UTC(), model.StateInProgress, now.UnixMilli(),
	)
	if err != nil {
		return nil, storageErr("reclaim tasks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan reclaimed id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate reclaimed ids", err)
	}
	return ids, nil
}

// CountTasks returns the number of tasks in the given state.
func (s *SQLiteStore) CountTasks(ctx context.Context, state string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE state = ?", state).Scan(&n)
	if err != nil {
		return 0, storageErr("count tasks", err)
	}
	return n, nil
}

// GetTaskStats returns task counts grouped by state.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, storageErr("count by state", err)
	}
	defer rows.Close()

	stats := &TaskStats{CountByState: make(map[string]int)}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storageErr("scan state count", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate state counts", err)
	}
	return stats, nil
}

func (s *SQLiteStore) leaseExpiry(now time.Time) sql.NullInt64 {
	if s.opts.lease <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: now.Add(s.opts.lease).UnixMilli(), Valid: true}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t         model.Task
		owner     sql.NullString
		params    string
		state     string
		current   uint32
		total     uint32
		result    []byte
		reason    sql.NullString
		claimedBy sql.NullString
		lease     sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &owner, &t.Prompt, &params, &state, &current, &total,
		&result, &reason, &claimedBy, &lease, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	t.Owner = owner.String
	t.ClaimedBy = claimedBy.String
	if lease.Valid {
		at := time.UnixMilli(lease.Int64).UTC()
		t.LeaseExpiresAt = &at
	}
	t.Status = statusFromColumns(state, current, total, result, reason.String)
	return &t, nil
}

func statusFromColumns(state string, current, total uint32, result []byte, reason string) model.Status {
	switch state {
	case model.StateInProgress:
		return model.InProgress(current, total)
	case model.StateFinished:
		s := model.Finished(result)
		s.CurrentStep, s.TotalSteps = current, total
		return s
	case model.StateFailed:
		s := model.Failed(reason)
		s.CurrentStep, s.TotalSteps = current, total
		return s
	default:
		return model.Status{State: state}
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
