package provider

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codexFileUUID = "019c2538-0c3d-7f23-8743-18c6fbf5dd9c"
	codexMetaUUID = "11111111-2222-3333-4444-555555555555"
)

// codexFixture returns a rollout transcript and the start offset of each
// line, so tests can assert the offset-derived event UUIDs exactly.
func codexFixture() (string, []int64) {
	lines := []string{
		`{"timestamp":"2026-02-03T15:35:56Z","type":"session_meta","payload":{"type":"session_meta","id":"` + codexMetaUUID + `","cwd":"/tmp/test","cli_version":"0.1.0","git":{"branch":"main"}}}`,
		`{"timestamp":"2026-02-03T15:35:57Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"fix the bug"}]}}`,
		`{"timestamp":"2026-02-03T15:35:58Z","type":"response_item","payload":{"type":"message","role":"developer","content":[{"type":"input_text","text":"injected instructions"}]}}`,
		`{"timestamp":"2026-02-03T15:35:59Z","type":"event_msg","payload":{"type":"user_message","payload":{"text":"fix the bug"}}}`,
		`{"timestamp":"2026-02-03T15:36:00Z","type":"response_item","payload":{"type":"reasoning","summary":[]}}`,
		`{"timestamp":"2026-02-03T15:36:01Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"on it"}]}}`,
		`{"timestamp":"2026-02-03T15:36:02Z","type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"command\":[\"ls\"]}","call_id":"call_1"}}`,
		`{"timestamp":"2026-02-03T15:36:03Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":"{\"output\":\"file1\\nfile2\"}"}}`,
	}

	offsets := make([]int64, len(lines))
	var pos int64
	for i, l := range lines {
		offsets[i] = pos
		pos += int64(len(l)) + 1
	}
	return strings.Join(lines, "\n") + "\n", offsets
}

func codexFixturePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "rollout-2026-02-03T15-35-56-"+codexFileUUID+".jsonl")
}

func TestParseCodexSession(t *testing.T) {
	path := codexFixturePath(t)
	content, offsets := codexFixture()
	writeFile(t, path, content)

	res, err := ParseCodexSession(path, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 4, "developer, reasoning and event_msg rows produce nothing")

	user := res.Events[0]
	assert.Equal(t, fmt.Sprintf("%s-msg-%d", codexMetaUUID, offsets[1]), user.UUID)
	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "fix the bug", user.ContentText)
	assert.Equal(t, "codex-user", user.RawType)
	assert.Equal(t, offsets[1], user.SourceOffset)
	assert.NotEmpty(t, user.RawLine)

	reply := res.Events[1]
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, "on it", reply.ContentText)
	assert.Equal(t, "codex-assistant", reply.RawType)

	call := res.Events[2]
	assert.Equal(t, codexMetaUUID+"-call-call_1", call.UUID)
	assert.Equal(t, RoleAssistant, call.Role)
	assert.Equal(t, "shell", call.ToolName)
	assert.JSONEq(t, `{"command":["ls"]}`, string(call.ToolInputJSON))

	result := res.Events[3]
	assert.Equal(t, codexMetaUUID+"-result-call_1", result.UUID)
	assert.Equal(t, RoleTool, result.Role)
	assert.Equal(t, "file1\nfile2", result.ToolOutputText, "double-encoded output is unwrapped")

	meta := res.Metadata
	assert.Equal(t, codexMetaUUID, meta.SessionID, "session_meta id replaces the filename id at offset zero")
	assert.Equal(t, codexMetaUUID, meta.ProviderSessionID)
	assert.Equal(t, "/tmp/test", meta.CWD)
	assert.Equal(t, "test", meta.Project)
	assert.Equal(t, "0.1.0", meta.Version)
	assert.Equal(t, "main", meta.GitBranch)
	assert.Equal(t, time.Date(2026, 2, 3, 15, 35, 57, 0, time.UTC), meta.StartedAt)
	assert.Equal(t, time.Date(2026, 2, 3, 15, 36, 3, 0, time.UTC), meta.EndedAt)
	assert.Equal(t, int64(len(content)), res.LastGoodOffset)
}

func TestParseCodexSessionResumeUsesFilenameID(t *testing.T) {
	path := codexFixturePath(t)
	content, offsets := codexFixture()
	writeFile(t, path, content)

	res, err := ParseCodexSession(path, offsets[5])
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, codexFileUUID, res.Metadata.SessionID)
	assert.Equal(t, codexFileUUID, res.Events[0].SessionID)
}

func TestParseCodexTurnContextCWD(t *testing.T) {
	path := codexFixturePath(t)
	writeFile(t, path,
		`{"timestamp":"2026-02-03T15:35:56Z","type":"session_meta","payload":{"id":"`+codexMetaUUID+`"}}`+"\n"+
			`{"timestamp":"2026-02-03T15:35:57Z","type":"turn_context","payload":{"cwd":"/home/dev/proj","model":"o4-mini"}}`+"\n")

	res, err := ParseCodexSession(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/proj", res.Metadata.CWD)
	assert.Equal(t, "proj", res.Metadata.Project)
}

func TestParseCodexFunctionCallFallbacks(t *testing.T) {
	path := codexFixturePath(t)
	line := `{"timestamp":"2026-02-03T15:36:02Z","type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"not json"}}`
	writeFile(t, path, line+"\n")

	res, err := ParseCodexSession(path, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, fmt.Sprintf("%s-call-0", codexFileUUID), res.Events[0].UUID, "missing call_id falls back to the line offset")
	assert.Nil(t, res.Events[0].ToolInputJSON, "unparseable arguments are not shipped")
}

func TestParseCodexEmptyOutputSkipped(t *testing.T) {
	path := codexFixturePath(t)
	writeFile(t, path, `{"timestamp":"2026-02-03T15:36:03Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":""}}`+"\n")

	res, err := ParseCodexSession(path, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.NotZero(t, res.LastGoodOffset)
}

func TestCodexToolOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"hello"`, "hello"},
		{"double encoded", `"{\"output\":\"text\"}"`, "text"},
		{"object without output key", `"{\"metadata\":1}"`, `{"metadata":1}`},
		{"non-string inner output", `"{\"output\":{\"x\":1}}"`, `{"x":1}`},
		{"bare object", `{"output":"direct"}`, `{"output":"direct"}`},
		{"empty string", `""`, ""},
		{"null", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codexToolOutput(json.RawMessage(tt.raw)))
		})
	}
}

func TestCodexSessionID(t *testing.T) {
	t.Run("rollout filename tail", func(t *testing.T) {
		id := codexSessionID("/x/sessions/2026/02/03/rollout-2026-02-03T15-35-56-" + codexFileUUID + ".jsonl")
		assert.Equal(t, codexFileUUID, id)
	})

	t.Run("non-rollout name gets deterministic uuid", func(t *testing.T) {
		path := "/x/sessions/notes.jsonl"
		id := codexSessionID(path)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, id, codexSessionID(path))
	})
}
