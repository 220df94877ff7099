package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName   = "sqlite"
	defaultBusyTimeout = 5 * time.Second
)

var migrations = [...]string{
	`CREATE TABLE IF NOT EXISTS dead_letters (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		failed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_digest ON dead_letters(digest);`,
}

// SQLiteStore keeps letters in a local SQLite file. Used by the CLI where no
// Postgres is available.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the journal at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ensure dead letter dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(path), int(defaultBusyTimeout/time.Millisecond))
	conn, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

// Close releases the connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record implements Sink.
func (s *SQLiteStore) Record(ctx context.Context, l Letter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (job_id, digest, attempts, error, enqueued_at, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.JobID, l.Digest, l.Attempts, l.Error, l.EnqueuedAt.UTC().UnixNano(), l.FailedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Recent implements Lister.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, digest, attempts, error, enqueued_at, failed_at FROM dead_letters ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]Letter, 0, limit)
	for rows.Next() {
		var l Letter
		var enqueued, failed int64
		if err := rows.Scan(&l.JobID, &l.Digest, &l.Attempts, &l.Error, &enqueued, &failed); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		l.EnqueuedAt = time.Unix(0, enqueued).UTC()
		l.FailedAt = time.Unix(0, failed).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
