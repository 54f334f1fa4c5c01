// Package state persists shipping progress in a single SQLite file.
//
// Two tables: file_state holds dual per-file cursors (queued and acked
// byte offsets), spool_queue holds byte-range pointers awaiting retry.
// Cursor updates use MAX() in SQL so offsets never regress, which keeps
// the store safe to share across shipper generations.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// TrackedFile is one row of file_state.
type TrackedFile struct {
	Path              string
	Provider          string
	QueuedOffset      int64
	AckedOffset       int64
	SessionID         string
	ProviderSessionID string
	LastUpdated       time.Time
}

// Store manages the SQLite database holding cursors and the spool.
type Store struct {
	db         *sql.DB
	dbPath     string
	maxRetries int
}

// Open creates a Store, initializing the schema if needed.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set busy_timeout FIRST so subsequent statements wait on locks
	// instead of failing during concurrent open of the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath, maxRetries: DefaultMaxRetries}, nil
}

// SetMaxSpoolRetries overrides the retry ceiling applied by MarkFailed.
// Values below 1 are ignored.
func (s *Store) SetMaxSpoolRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// execWithRetry runs one statement, retrying with exponential backoff
// while SQLite reports the database locked. Concurrent opens of the same
// file hit this during pragma and schema setup.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(baseDelay << (attempt - 1))
		}
		_, lastErr = db.Exec(stmt)
		if lastErr == nil {
			return nil
		}
		if !strings.Contains(lastErr.Error(), "database is locked") {
			return lastErr
		}
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}

// GetOffset returns the acked (server-confirmed) offset for a file,
// or 0 if the file is not tracked.
func (s *Store) GetOffset(ctx context.Context, path string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT acked_offset FROM file_state WHERE path = ?`, path,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query acked offset: %w", err)
	}
	return offset, nil
}

// GetQueuedOffset returns the queued offset for a file, or 0 if untracked.
func (s *Store) GetQueuedOffset(ctx context.Context, path string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT queued_offset FROM file_state WHERE path = ?`, path,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query queued offset: %w", err)
	}
	return offset, nil
}

// SetOffset advances both cursors to MAX(current, offset). Used on a
// fully acked ship.
func (s *Store) SetOffset(ctx context.Context, path string, offset int64, provider, sessionID, providerSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_state (path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated)
		 VALUES (?1, ?2, MAX(?3, 0), MAX(?3, 0), ?4, ?5, ?6)
		 ON CONFLICT(path) DO UPDATE SET
		     queued_offset = MAX(queued_offset, ?3),
		     acked_offset = MAX(acked_offset, ?3),
		     session_id = ?4,
		     provider_session_id = ?5,
		     last_updated = ?6`,
		path, provider, offset, sessionID, providerSessionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set offset: %w", err)
	}
	return nil
}

// SetQueuedOffset advances the queued cursor only. Used when bytes were
// handed to the spool but the server has not acked them.
func (s *Store) SetQueuedOffset(ctx context.Context, path string, offset int64, provider, sessionID, providerSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_state (path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated)
		 VALUES (?1, ?2, MAX(?3, 0), 0, NULLIF(?4, ''), NULLIF(?5, ''), ?6)
		 ON CONFLICT(path) DO UPDATE SET
		     queued_offset = MAX(queued_offset, ?3),
		     session_id = COALESCE(NULLIF(?4, ''), session_id),
		     provider_session_id = COALESCE(NULLIF(?5, ''), provider_session_id),
		     last_updated = ?6`,
		path, provider, offset, sessionID, providerSessionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set queued offset: %w", err)
	}
	return nil
}

// OffsetUpdate is one cursor advance applied by SetOffsetsBulk.
type OffsetUpdate struct {
	Path              string
	Offset            int64
	Provider          string
	SessionID         string
	ProviderSessionID string
}

// SetOffsetsBulk applies SetOffset's upsert to every update inside a
// single transaction. The dry-run bulk ship records thousands of cursors
// in one pass.
func (s *Store) SetOffsetsBulk(ctx context.Context, updates []OffsetUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk offset update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO file_state (path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated)
		 VALUES (?1, ?2, MAX(?3, 0), MAX(?3, 0), ?4, ?5, ?6)
		 ON CONFLICT(path) DO UPDATE SET
		     queued_offset = MAX(queued_offset, ?3),
		     acked_offset = MAX(acked_offset, ?3),
		     session_id = ?4,
		     provider_session_id = ?5,
		     last_updated = ?6`)
	if err != nil {
		return fmt.Errorf("prepare bulk offset update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Path, u.Provider, u.Offset, u.SessionID, u.ProviderSessionID, now); err != nil {
			return fmt.Errorf("bulk set offset for %s: %w", u.Path, err)
		}
	}
	return tx.Commit()
}

// SetAckedOffset advances the acked cursor only. Used after spool replay.
func (s *Store) SetAckedOffset(ctx context.Context, path string, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_state SET acked_offset = MAX(acked_offset, ?1), last_updated = ?2
		 WHERE path = ?3`,
		offset, time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("set acked offset: %w", err)
	}
	return nil
}

// ResetOffsets zeroes both cursors. Only truncation recovery calls this.
func (s *Store) ResetOffsets(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_state SET queued_offset = 0, acked_offset = 0, last_updated = ?1
		 WHERE path = ?2`,
		time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("reset offsets: %w", err)
	}
	return nil
}

// GetUnackedFiles returns rows where queued_offset > acked_offset.
// Startup recovery turns each gap into a spool entry.
func (s *Store) GetUnackedFiles(ctx context.Context) ([]TrackedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated
		 FROM file_state WHERE queued_offset > acked_offset`)
	if err != nil {
		return nil, fmt.Errorf("query unacked files: %w", err)
	}
	defer rows.Close()

	var files []TrackedFile
	for rows.Next() {
		f, err := scanTrackedFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetTrackedFile returns full tracking info for a file, or nil if the
// file has never been seen.
func (s *Store) GetTrackedFile(ctx context.Context, path string) (*TrackedFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated
		 FROM file_state WHERE path = ?`, path)

	f, err := scanTrackedFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CountTracked returns the number of tracked files.
func (s *Store) CountTracked(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_state`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tracked files: %w", err)
	}
	return count, nil
}

// PruneStale removes rows older than the window whose path no longer
// exists on disk. Returns the number of rows removed.
func (s *Store) PruneStale(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM file_state WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query stale files: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale path: %w", err)
		}
		candidates = append(candidates, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	pruned := 0
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM file_state WHERE path = ?`, path); err != nil {
			return pruned, fmt.Errorf("delete stale row: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrackedFile(row scanner) (TrackedFile, error) {
	var f TrackedFile
	var sessionID, providerSessionID sql.NullString
	var lastUpdated int64

	err := row.Scan(&f.Path, &f.Provider, &f.QueuedOffset, &f.AckedOffset,
		&sessionID, &providerSessionID, &lastUpdated)
	if err == sql.ErrNoRows {
		return f, err
	}
	if err != nil {
		return f, fmt.Errorf("scan tracked file: %w", err)
	}

	f.SessionID = sessionID.String
	f.ProviderSessionID = providerSessionID.String
	f.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return f, nil
}
