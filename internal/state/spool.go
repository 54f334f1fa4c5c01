package state

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

const (
	// maxQueueSize is the spool's hard capacity; enqueue is rejected
	// beyond it so offline periods cannot grow the database unbounded.
	maxQueueSize = 10_000

	backoffBaseSecs = 5.0
	backoffMaxSecs  = 3600.0

	// DefaultMaxRetries is the failure ceiling before an entry is dead.
	DefaultMaxRetries = 50

	// spoolRetentionDays is how long any entry survives, dead or pending.
	spoolRetentionDays = 7
)

// SpoolEntry points at a byte range [StartOffset, EndOffset) of a source
// file. Payload bytes are never stored; replay re-reads the file.
type SpoolEntry struct {
	ID          int64
	Provider    string
	FilePath    string
	StartOffset int64
	EndOffset   int64
	SessionID   string
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
}

// Enqueue inserts a pending entry. Returns false without inserting when
// the spool is at capacity.
func (s *Store) Enqueue(ctx context.Context, provider, filePath string, startOffset, endOffset int64, sessionID string) (bool, error) {
	size, err := s.SpoolSize(ctx)
	if err != nil {
		return false, err
	}
	if size >= maxQueueSize {
		return false, nil
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spool_queue (provider, file_path, start_offset, end_offset, session_id, created_at, next_retry_at, status)
		 VALUES (?1, ?2, ?3, ?4, NULLIF(?5, ''), ?6, ?6, 'pending')`,
		provider, filePath, startOffset, endOffset, sessionID, now)
	if err != nil {
		return false, fmt.Errorf("enqueue spool entry: %w", err)
	}
	return true, nil
}

// DequeueBatch returns pending entries due for retry, oldest first.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]SpoolEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, file_path, start_offset, end_offset, session_id, created_at, retry_count, last_error
		 FROM spool_queue
		 WHERE status = 'pending' AND next_retry_at <= ?1
		 ORDER BY created_at ASC
		 LIMIT ?2`,
		time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue spool batch: %w", err)
	}
	defer rows.Close()

	var entries []SpoolEntry
	for rows.Next() {
		var e SpoolEntry
		var sessionID, lastError sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Provider, &e.FilePath, &e.StartOffset, &e.EndOffset,
			&sessionID, &createdAt, &e.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("scan spool entry: %w", err)
		}
		e.SessionID = sessionID.String
		e.LastError = lastError.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkShipped removes a successfully replayed entry.
func (s *Store) MarkShipped(ctx context.Context, entryID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spool_queue WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("mark spool entry shipped: %w", err)
	}
	return nil
}

// MarkFailed records a failed replay with the store's retry ceiling.
// Returns true if the entry is now permanently dead.
func (s *Store) MarkFailed(ctx context.Context, entryID int64, errMsg string) (bool, error) {
	return s.MarkFailedWithMax(ctx, entryID, errMsg, s.maxRetries)
}

// MarkFailedWithMax records a failed replay with a custom retry ceiling.
// A ceiling of 0 kills the entry immediately (unrecoverable failures).
func (s *Store) MarkFailedWithMax(ctx context.Context, entryID int64, errMsg string, maxRetries int) (bool, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM spool_queue WHERE id = ?`, entryID,
	).Scan(&retryCount)
	if err != nil {
		return false, fmt.Errorf("query retry count: %w", err)
	}
	newCount := retryCount + 1

	if newCount >= maxRetries {
		_, err := s.db.ExecContext(ctx,
			`UPDATE spool_queue SET status = 'dead', retry_count = ?1, last_error = ?2
			 WHERE id = ?3`,
			newCount, errMsg, entryID)
		if err != nil {
			return false, fmt.Errorf("mark spool entry dead: %w", err)
		}
		return true, nil
	}

	backoffSecs := math.Min(backoffBaseSecs*math.Pow(2, float64(newCount)), backoffMaxSecs)
	nextRetry := time.Now().Unix() + int64(backoffSecs)

	_, err = s.db.ExecContext(ctx,
		`UPDATE spool_queue SET retry_count = ?1, last_error = ?2, next_retry_at = ?3
		 WHERE id = ?4`,
		newCount, errMsg, nextRetry, entryID)
	if err != nil {
		return false, fmt.Errorf("mark spool entry failed: %w", err)
	}
	return false, nil
}

// PendingCount returns the number of retryable entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spool_queue WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending spool entries: %w", err)
	}
	return count, nil
}

// SpoolSize returns the total number of entries regardless of status.
func (s *Store) SpoolSize(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count spool entries: %w", err)
	}
	return count, nil
}

// CleanupSpool deletes entries older than the retention window, dead or
// pending. Returns the number removed.
func (s *Store) CleanupSpool(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -spoolRetentionDays).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spool_queue WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup spool: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup spool rows affected: %w", err)
	}
	return int(n), nil
}
