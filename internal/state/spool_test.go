package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillSpool bulk-inserts rows in one transaction to keep the capacity
// test fast.
func fillSpool(t *testing.T, s *Store, n int) {
	t.Helper()
	tx, err := s.db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(
		`INSERT INTO spool_queue (provider, file_path, start_offset, end_offset, created_at, next_retry_at, status)
		 VALUES ('claude', '/bulk.jsonl', 0, 1, ?, ?, 'pending')`)
	require.NoError(t, err)
	now := time.Now().Unix()
	for i := 0; i < n; i++ {
		_, err := stmt.Exec(now, now)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())
}

func TestEnqueueDequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/a.jsonl", 0, 1000, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	batch, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "claude", batch[0].Provider)
	assert.Equal(t, "/a.jsonl", batch[0].FilePath)
	assert.EqualValues(t, 0, batch[0].StartOffset)
	assert.EqualValues(t, 1000, batch[0].EndOffset)
	assert.Equal(t, "s1", batch[0].SessionID)
	assert.Zero(t, batch[0].RetryCount)
}

func TestDequeueOrderIsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/new.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Enqueue(ctx, "claude", "/old.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)

	// Backdate the second row so it sorts first.
	_, err = s.db.ExecContext(ctx,
		`UPDATE spool_queue SET created_at = created_at - 100 WHERE file_path = '/old.jsonl'`)
	require.NoError(t, err)

	batch, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "/old.jsonl", batch[0].FilePath)
	assert.Equal(t, "/new.jsonl", batch[1].FilePath)
}

func TestEnqueueBackpressure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fillSpool(t, s, maxQueueSize)

	ok, err := s.Enqueue(ctx, "claude", "/overflow.jsonl", 0, 10, "")
	require.NoError(t, err)
	assert.False(t, ok, "enqueue at capacity must be rejected")

	size, err := s.SpoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxQueueSize, size, "rejected enqueue must not insert")
}

func TestMarkShipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/a.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)

	batch, err := s.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.MarkShipped(ctx, batch[0].ID))

	size, err := s.SpoolSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMarkFailedBacksOff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/a.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	batch, err := s.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	id := batch[0].ID

	dead, err := s.MarkFailed(ctx, id, "http 500")
	require.NoError(t, err)
	assert.False(t, dead)

	// Entry is backed off into the future, so not dequeued now.
	batch, err = s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	var retryCount int
	var nextRetryAt int64
	var lastError string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT retry_count, next_retry_at, last_error FROM spool_queue WHERE id = ?`, id,
	).Scan(&retryCount, &nextRetryAt, &lastError))

	assert.Equal(t, 1, retryCount)
	assert.Equal(t, "http 500", lastError)
	// First failure waits min(5*2^1, 3600) = 10s.
	delta := nextRetryAt - time.Now().Unix()
	assert.InDelta(t, 10, delta, 2)
}

func TestMarkFailedBackoffIsClamped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/a.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	batch, err := s.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	id := batch[0].ID

	// Jump the counter high so the exponential would exceed the cap.
	_, err = s.db.ExecContext(ctx,
		`UPDATE spool_queue SET retry_count = 20 WHERE id = ?`, id)
	require.NoError(t, err)

	dead, err := s.MarkFailed(ctx, id, "still down")
	require.NoError(t, err)
	require.False(t, dead)

	var nextRetryAt int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT next_retry_at FROM spool_queue WHERE id = ?`, id).Scan(&nextRetryAt))
	delta := nextRetryAt - time.Now().Unix()
	assert.InDelta(t, 3600, delta, 5)
}

func TestMarkFailedDeadAtCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/a.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	batch, err := s.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	id := batch[0].ID

	dead, err := s.MarkFailedWithMax(ctx, id, "nope", 3)
	require.NoError(t, err)
	assert.False(t, dead)
	dead, err = s.MarkFailedWithMax(ctx, id, "nope", 3)
	require.NoError(t, err)
	assert.False(t, dead)
	dead, err = s.MarkFailedWithMax(ctx, id, "nope", 3)
	require.NoError(t, err)
	assert.True(t, dead)

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT status FROM spool_queue WHERE id = ?`, id).Scan(&status))
	assert.Equal(t, "dead", status)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestMarkFailedWithMaxZeroKillsImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/missing.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	batch, err := s.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	id := batch[0].ID

	dead, err := s.MarkFailedWithMax(ctx, id, "file vanished", 0)
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestCleanupSpool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Enqueue(ctx, "claude", "/old-pending.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Enqueue(ctx, "claude", "/old-dead.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Enqueue(ctx, "claude", "/fresh.jsonl", 0, 10, "")
	require.NoError(t, err)
	require.True(t, ok)

	old := time.Now().AddDate(0, 0, -8).Unix()
	_, err = s.db.ExecContext(ctx,
		`UPDATE spool_queue SET created_at = ? WHERE file_path LIKE '/old-%'`, old)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE spool_queue SET status = 'dead' WHERE file_path = '/old-dead.jsonl'`)
	require.NoError(t, err)

	removed, err := s.CleanupSpool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	size, err := s.SpoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
