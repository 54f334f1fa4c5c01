package filelock

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := NewInstanceLock(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	second := NewInstanceLock(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "a held lock must not be acquired again")

	require.NoError(t, first.Release())

	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "released lock becomes available")
	require.NoError(t, second.Release())
}

func TestInstanceLockCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "daemon.lock")

	l := NewInstanceLock(path)
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, l.Path())
	require.NoError(t, l.Release())
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "status.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"v":1}`), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, AtomicWrite(path, []byte(`{"v":2}`), 0644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, AtomicWrite(path, []byte("a"), 0644))
	require.NoError(t, AtomicWrite(path, []byte("b"), 0644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestAtomicWritePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "hook.sh")

	require.NoError(t, AtomicWrite(path, []byte("#!/bin/sh\n"), 0755))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}
