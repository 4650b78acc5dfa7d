// Package archive copies terminal task records into Postgres. Redis
// holds the live coordination state; the archive is the queryable
// history that outlives it. Writes are best effort and never block the
// broker.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/taskforge/task"
)

// Store is the Postgres side of the archive.
type Store struct {
	pool *pgxpool.Pool
}

// New opens the archive pool and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the archive table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS tasks_archive (
			task_id      TEXT PRIMARY KEY,
			task_type    TEXT NOT NULL,
			state        TEXT NOT NULL,
			payload      TEXT,
			result       TEXT,
			retry_count  INT NOT NULL DEFAULT 0,
			max_retries  INT NOT NULL DEFAULT 0,
			last_error   TEXT,
			error_type   TEXT,
			worker_id    TEXT,
			created_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			archived_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS tasks_archive_state_idx
			ON tasks_archive (state, archived_at DESC);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// Record upserts one terminal task. Re-archiving the same id after a
// manual retry overwrites the earlier row, keeping the latest outcome.
func (s *Store) Record(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks_archive (task_id, task_type, state, payload, result,
			retry_count, max_retries, last_error, error_type, worker_id,
			created_at, completed_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			result = EXCLUDED.result,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			error_type = EXCLUDED.error_type,
			worker_id = EXCLUDED.worker_id,
			completed_at = EXCLUDED.completed_at,
			archived_at = NOW()
	`
	var completedAt *time.Time
	switch t.State {
	case task.StateCompleted:
		if !t.CompletedAt.IsZero() {
			completedAt = &t.CompletedAt
		}
	case task.StateDLQ:
		if !t.DLQAt.IsZero() {
			completedAt = &t.DLQAt
		}
	}
	var createdAt *time.Time
	if !t.CreatedAt.IsZero() {
		createdAt = &t.CreatedAt
	}
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Type, string(t.State), t.Payload, t.Result,
		t.RetryCount, t.MaxRetries, t.LastError, t.ErrorType, t.WorkerID,
		createdAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: record %s: %w", t.ID, err)
	}
	return nil
}

// Entry is one archived row.
type Entry struct {
	TaskID     string     `json:"task_id"`
	Type       string     `json:"task_type"`
	State      string     `json:"state"`
	Result     string     `json:"result,omitempty"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorType  string     `json:"error_type,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// Recent returns the newest archived rows, optionally filtered by state.
func (s *Store) Recent(ctx context.Context, state string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT task_id, task_type, state, result, retry_count,
			last_error, error_type, worker_id, created_at, archived_at
		FROM tasks_archive
	`
	args := []interface{}{limit}
	if state != "" {
		query += ` WHERE state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY archived_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var result, lastError, errorType, workerID *string
		if err := rows.Scan(&e.TaskID, &e.Type, &e.State, &result, &e.RetryCount,
			&lastError, &errorType, &workerID, &e.CreatedAt, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("archive: recent: %w", err)
		}
		if result != nil {
			e.Result = *result
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		if errorType != nil {
			e.ErrorType = *errorType
		}
		if workerID != nil {
			e.WorkerID = *workerID
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one archived row, or nil when the id was never archived.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT task_id, task_type, state, result, retry_count,
			last_error, error_type, worker_id, created_at, archived_at
		FROM tasks_archive WHERE task_id = $1
	`
	var e Entry
	var result, lastError, errorType, workerID *string
	err := s.pool.QueryRow(ctx, query, id).Scan(&e.TaskID, &e.Type, &e.State,
		&result, &e.RetryCount, &lastError, &errorType, &workerID,
		&e.CreatedAt, &e.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", id, err)
	}
	if result != nil {
		e.Result = *result
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	if errorType != nil {
		e.ErrorType = *errorType
	}
	if workerID != nil {
		e.WorkerID = *workerID
	}
	return &e, nil
}
