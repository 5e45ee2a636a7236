// Package journal records every patch batch the server receives in an
// embedded SQLite database, so the history of a sync session can be
// inspected after the fact.
//
// The journal is an audit trail only. The sourcemap document stays the
// single source of truth and is never rebuilt from the journal.
//
// Example:
//
//	j, err := journal.Open(".axosync/history.db")
//	if err != nil {
//	    return err
//	}
//	defer j.Close()
//	if err := j.InitSchema(); err != nil {
//	    return err
//	}
//	entries, err := j.List(ctx, journal.Filter{Limit: 20})
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Status is the outcome of a batch.
type Status string

const (
	// StatusApplied means the batch was applied and persisted.
	StatusApplied Status = "applied"

	// StatusRejected means the batch addressed a missing node and was discarded.
	StatusRejected Status = "rejected"

	// StatusFailed means loading or saving the document failed.
	StatusFailed Status = "failed"
)

// Entry is one recorded batch.
type Entry struct {
	ID         string        `json:"id"`
	ReceivedAt time.Time     `json:"received_at"`
	Operations int           `json:"operations"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`

	// Nodes is the size of the tree after the batch (0 unless applied).
	Nodes int `json:"nodes"`
}

// Filter selects entries for List.
type Filter struct {
	// Since excludes entries received before this time (zero: no bound).
	Since time.Time

	// Status restricts results to one outcome (empty: all).
	Status Status

	// Limit caps the number of entries (0: no limit).
	Limit int
}

// Journal wraps the SQLite connection.
type Journal struct {
	conn *sql.DB
	path string
}

// Open creates or opens the journal database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	connStr := path
	if !strings.HasPrefix(path, "file:") {
		connStr = "file:" + path
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	// Writes come from a single worker
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	j := &Journal{conn: conn, path: path}

	if _, err := j.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := j.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return j, nil
}

// Path returns the database location.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}

	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	j.conn = nil
	return nil
}

// InitSchema creates the batches table if it doesn't exist.
// This is idempotent.
func (j *Journal) InitSchema() error {
	return j.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (j *Journal) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		received_at INTEGER NOT NULL,  -- unix nanoseconds
		operations INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		duration_ns INTEGER NOT NULL,
		nodes INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_batches_received ON batches(received_at);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	`

	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Record appends an entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if e.Status == "" {
		return fmt.Errorf("entry status is required")
	}

	query := `
	INSERT INTO batches (id, received_at, operations, status, error, duration_ns, nodes)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.conn.ExecContext(ctx, query,
		e.ID,
		e.ReceivedAt.UnixNano(),
		e.Operations,
		string(e.Status),
		sql.NullString{String: e.Error, Valid: e.Error != ""},
		int64(e.Duration),
		e.Nodes,
	)
	if err != nil {
		return fmt.Errorf("failed to record batch %s: %w", e.ID, err)
	}
	return nil
}

// List returns matching entries, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, received_at, operations, status, error, duration_ns, nodes FROM batches`

	var where []string
	var args []interface{}
	if !filter.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			receivedAt int64
			status     string
			errText    sql.NullString
			durationNs int64
		)
		if err := rows.Scan(&e.ID, &receivedAt, &e.Operations, &status, &errText, &durationNs, &e.Nodes); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		e.ReceivedAt = time.Unix(0, receivedAt)
		e.Status = Status(status)
		e.Error = errText.String
		e.Duration = time.Duration(durationNs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}

	return entries, nil
}

// Count returns the number of recorded batches.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var count int
	if err := j.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return count, nil
}

// Prune deletes all but the newest keep entries and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative (got %d)", keep)
	}

	query := `
	DELETE FROM batches WHERE seq NOT IN (
		SELECT seq FROM batches ORDER BY received_at DESC, seq DESC LIMIT ?
	)
	`
	res, err := j.conn.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}
	return res.RowsAffected()
}
