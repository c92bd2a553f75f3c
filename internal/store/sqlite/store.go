// Package sqlite implements the gateway's audit event log backed by a
// SQLite database. Events record pairing and tunnel lifecycle facts for
// post-hoc inspection; no session state or credential material is ever
// written here.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds appended by the gateway.
const (
	EventPairingIssued   = "pairing.issued"
	EventPairingConsumed = "pairing.consumed"
	EventPairingRejected = "pairing.rejected"
	EventTunnelStarted   = "tunnel.started"
	EventTunnelStopped   = "tunnel.stopped"
	EventTunnelError     = "tunnel.error"
)

// Event is one audit log entry.
type Event struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	ProjectID string    `json:"projectId"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps a SQLite database connection for audit event persistence.
type Store struct {
	db         *sql.DB
	appendStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4
const defaultListLimit = 100
const maxListLimit = 1000

const appendEventQuery = `INSERT INTO events (kind, project_id, detail, created_at) VALUES (?, ?, ?, ?)`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations,
// and enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with
// tunable connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection via DSN _pragma.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.appendStmt, err = db.PrepareContext(context.Background(), appendEventQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare append event query: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	var stmtErr error
	if s.appendStmt != nil {
		stmtErr = s.appendStmt.Close()
		s.appendStmt = nil
	}
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates the events table and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	project_id TEXT NOT NULL,
	detail TEXT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// AppendEvent records one audit event with the current wall-clock time.
func (s *Store) AppendEvent(ctx context.Context, kind, projectID, detail string) error {
	_, err := s.appendStmt.ExecContext(ctx, kind, projectID, nullableString(detail), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append event %s: %w", kind, err)
	}
	return nil
}

// ListEvents returns up to limit most-recent events, newest first.
// limit <= 0 falls back to a default page size.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, project_id, COALESCE(detail, ''), created_at FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.ProjectID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than retention and returns how many
// rows were removed.
func (s *Store) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
