package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatesRoots(t *testing.T) {
	claudeDir := t.TempDir()
	codexHome := t.TempDir()
	home := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", claudeDir)
	t.Setenv("CODEX_HOME", codexHome)
	t.Setenv("HOME", home)

	all, err := Candidates()
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, NameClaude, all[0].Name)
	assert.Equal(t, filepath.Join(claudeDir, "projects"), all[0].Root)
	assert.Equal(t, "jsonl", all[0].Ext)

	assert.Equal(t, NameCodex, all[1].Name)
	assert.Equal(t, filepath.Join(codexHome, "sessions"), all[1].Root)
	assert.Equal(t, "jsonl", all[1].Ext)

	assert.Equal(t, NameGemini, all[2].Name)
	assert.Equal(t, filepath.Join(home, ".gemini", "tmp"), all[2].Root)
	assert.Equal(t, "json", all[2].Ext)
}

func TestListExistingFiltersMissingRoots(t *testing.T) {
	claudeDir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", claudeDir)
	t.Setenv("CODEX_HOME", filepath.Join(t.TempDir(), "absent"))
	t.Setenv("HOME", t.TempDir())

	require.NoError(t, os.MkdirAll(filepath.Join(claudeDir, "projects"), 0755))

	existing, err := ListExisting()
	require.NoError(t, err)
	require.Len(t, existing, 1)
	assert.Equal(t, NameClaude, existing[0].Name)
}

func TestDiscoverFiles(t *testing.T) {
	root := t.TempDir()
	p := Provider{Name: NameClaude, Root: root, Ext: "jsonl"}

	newer := filepath.Join(root, "proj-a", "newer.jsonl")
	older := filepath.Join(root, "proj-a", "nested", "older.jsonl")
	writeFile(t, newer, `{"type":"summary"}`+"\n")
	writeFile(t, older, `{"type":"summary"}`+"\n")
	writeFile(t, filepath.Join(root, "proj-a", "empty.jsonl"), "")
	writeFile(t, filepath.Join(root, "proj-a", "notes.txt"), "not a transcript")

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	files := DiscoverFiles([]Provider{p})
	require.Len(t, files, 2, "empty files and foreign extensions are excluded")
	assert.Equal(t, newer, files[0].Path)
	assert.Equal(t, older, files[1].Path)
	assert.Equal(t, NameClaude, files[0].Provider)
	assert.Positive(t, files[0].Size)
}

func TestDiscoverFilesModTimeTieBreaksByPath(t *testing.T) {
	root := t.TempDir()
	p := Provider{Name: NameClaude, Root: root, Ext: "jsonl"}

	a := filepath.Join(root, "a.jsonl")
	b := filepath.Join(root, "b.jsonl")
	writeFile(t, a, "x\n")
	writeFile(t, b, "x\n")

	tie := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(a, tie, tie))
	require.NoError(t, os.Chtimes(b, tie, tie))

	files := DiscoverFiles([]Provider{p})
	require.Len(t, files, 2)
	assert.Equal(t, a, files[0].Path)
	assert.Equal(t, b, files[1].Path)
}

func TestDiscoverFilesMissingRoot(t *testing.T) {
	p := Provider{Name: NameClaude, Root: filepath.Join(t.TempDir(), "absent"), Ext: "jsonl"}
	assert.Empty(t, DiscoverFiles([]Provider{p}))
}

func TestProviderForPathMatchesByComponent(t *testing.T) {
	providers := []Provider{
		{Name: NameClaude, Root: "/data/foo", Ext: "jsonl"},
		{Name: NameCodex, Root: "/data/bar", Ext: "jsonl"},
	}

	p, ok := ForPath(providers, "/data/foo/x/y.jsonl")
	require.True(t, ok)
	assert.Equal(t, NameClaude, p.Name)

	p, ok = ForPath(providers, "/data/bar/r.jsonl")
	require.True(t, ok)
	assert.Equal(t, NameCodex, p.Name)

	_, ok = ForPath(providers, "/data/foo2/y.jsonl")
	assert.False(t, ok, "a root must match whole path components")

	_, ok = ForPath(providers, "/data/foo")
	assert.False(t, ok, "the root itself is not a transcript")

	_, ok = ForPath(providers, "/elsewhere/y.jsonl")
	assert.False(t, ok)
}

func TestParseDispatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), testSessionStem+".jsonl")
	writeFile(t, path, `{"type":"user","uuid":"u1","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"hi"}}`+"\n")

	res, err := Parse(NameClaude, path, 0)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	_, err = Parse("svn", path, 0)
	assert.ErrorContains(t, err, "unknown provider")
}
