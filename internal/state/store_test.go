package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "state.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestGetOffsetDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	offset, err := s.GetOffset(ctx, "/nonexistent.jsonl")
	require.NoError(t, err)
	assert.Zero(t, offset)

	queued, err := s.GetQueuedOffset(ctx, "/nonexistent.jsonl")
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestSetOffsetAdvancesBothCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOffset(ctx, "/a.jsonl", 1000, "claude", "s1", "ps1"))

	acked, err := s.GetOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, acked)

	queued, err := s.GetQueuedOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, queued)

	f, err := s.GetTrackedFile(ctx, "/a.jsonl")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "claude", f.Provider)
	assert.Equal(t, "s1", f.SessionID)
	assert.Equal(t, "ps1", f.ProviderSessionID)
}

func TestSetOffsetIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOffset(ctx, "/a.jsonl", 1000, "claude", "s1", "ps1"))
	// A smaller write must not regress the cursors.
	require.NoError(t, s.SetOffset(ctx, "/a.jsonl", 400, "claude", "s1", "ps1"))

	acked, err := s.GetOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, acked)
}

func TestSetQueuedOffsetLeavesAckedAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetQueuedOffset(ctx, "/a.jsonl", 500, "claude", "s1", "ps1"))

	queued, err := s.GetQueuedOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 500, queued)

	acked, err := s.GetOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.Zero(t, acked)
}

func TestSetQueuedOffsetKeepsSessionOnEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetQueuedOffset(ctx, "/a.jsonl", 500, "claude", "s1", "ps1"))
	require.NoError(t, s.SetQueuedOffset(ctx, "/a.jsonl", 800, "claude", "", ""))

	f, err := s.GetTrackedFile(ctx, "/a.jsonl")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "s1", f.SessionID)
	assert.Equal(t, "ps1", f.ProviderSessionID)
	assert.EqualValues(t, 800, f.QueuedOffset)
}

func TestSetAckedOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetQueuedOffset(ctx, "/a.jsonl", 1000, "claude", "s1", "ps1"))
	require.NoError(t, s.SetAckedOffset(ctx, "/a.jsonl", 600))

	acked, err := s.GetOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 600, acked)

	// Monotonic: smaller ack ignored.
	require.NoError(t, s.SetAckedOffset(ctx, "/a.jsonl", 100))
	acked, err = s.GetOffset(ctx, "/a.jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 600, acked)
}

func TestResetOffsets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOffset(ctx, "/a.jsonl", 1000, "claude", "s1", "ps1"))
	require.NoError(t, s.ResetOffsets(ctx, "/a.jsonl"))

	f, err := s.GetTrackedFile(ctx, "/a.jsonl")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Zero(t, f.QueuedOffset)
	assert.Zero(t, f.AckedOffset)
}

func TestGetUnackedFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOffset(ctx, "/acked.jsonl", 100, "claude", "s1", "ps1"))
	require.NoError(t, s.SetQueuedOffset(ctx, "/gap.jsonl", 300, "claude", "s2", "ps2"))
	require.NoError(t, s.SetAckedOffset(ctx, "/gap.jsonl", 100))

	unacked, err := s.GetUnackedFiles(ctx)
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "/gap.jsonl", unacked[0].Path)
	assert.EqualValues(t, 300, unacked[0].QueuedOffset)
	assert.EqualValues(t, 100, unacked[0].AckedOffset)
	assert.Equal(t, "s2", unacked[0].SessionID)
}

func TestGetTrackedFileMissing(t *testing.T) {
	s := newTestStore(t)

	f, err := s.GetTrackedFile(context.Background(), "/never-seen.jsonl")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestPruneStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A real file that is stale: must survive because it still exists.
	existing := filepath.Join(t.TempDir(), "existing.jsonl")
	require.NoError(t, os.WriteFile(existing, []byte("{}\n"), 0644))

	require.NoError(t, s.SetOffset(ctx, existing, 10, "claude", "s1", "ps1"))
	require.NoError(t, s.SetOffset(ctx, "/gone/stale.jsonl", 10, "claude", "s2", "ps2"))
	require.NoError(t, s.SetOffset(ctx, "/gone/fresh.jsonl", 10, "claude", "s3", "ps3"))

	// Age the first two rows past the window.
	old := time.Now().AddDate(0, 0, -40).Unix()
	for _, path := range []string{existing, "/gone/stale.jsonl"} {
		_, err := s.db.ExecContext(ctx,
			`UPDATE file_state SET last_updated = ? WHERE path = ?`, old, path)
		require.NoError(t, err)
	}

	pruned, err := s.PruneStale(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	f, err := s.GetTrackedFile(ctx, "/gone/stale.jsonl")
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = s.GetTrackedFile(ctx, existing)
	require.NoError(t, err)
	assert.NotNil(t, f, "stale but present on disk stays tracked")

	f, err = s.GetTrackedFile(ctx, "/gone/fresh.jsonl")
	require.NoError(t, err)
	assert.NotNil(t, f, "recently updated rows stay tracked")
}

func TestCountTracked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountTracked(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, s.SetOffset(ctx, "/a.jsonl", 1, "claude", "", ""))
	require.NoError(t, s.SetOffset(ctx, "/b.jsonl", 1, "codex", "", ""))

	count, err = s.CountTracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
