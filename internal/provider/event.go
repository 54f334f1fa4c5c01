// Package provider discovers assistant transcript files on the local
// machine and parses them into ingestible events.
//
// Three providers are known: claude (JSONL under {claude_dir}/projects),
// codex (rollout JSONL under $CODEX_HOME/sessions) and gemini (whole-file
// JSON sessions under ~/.gemini/tmp). The claude and codex parsers are
// incremental: they resume from a byte offset and report how far they got,
// so a caller can ship a file in slices as it grows. Gemini rewrites its
// session files in place, so that parser always reads the whole file.
package provider

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role classifies who produced an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Event is one ingestible unit extracted from a transcript. A single
// source line can produce several events (an assistant turn with text and
// tool calls, a user turn carrying multiple tool results); exactly one of
// them carries the original line in RawLine.
type Event struct {
	UUID           string
	SessionID      string
	Timestamp      time.Time
	Role           Role
	ContentText    string
	ToolName       string
	ToolInputJSON  json.RawMessage
	ToolOutputText string
	SourceOffset   int64
	RawType        string
	RawLine        string
}

// SessionMetadata carries session-wide attributes collected while parsing.
// First non-empty values win; StartedAt/EndedAt default to the min/max
// event timestamp when the transcript does not state them explicitly.
type SessionMetadata struct {
	SessionID         string
	ProviderSessionID string
	CWD               string
	GitBranch         string
	Project           string
	Version           string
	StartedAt         time.Time
	EndedAt           time.Time
}

// ParseResult is what a provider parser returns for one (path, offset)
// read. LastGoodOffset points just past the last fully processed line;
// bytes beyond it (a partial trailing line) were not consumed.
type ParseResult struct {
	Events         []Event
	LastGoodOffset int64
	Metadata       SessionMetadata
}

// parseTimestamp reads an RFC 3339 instant, accepting both the Z suffix
// and explicit offsets, with or without fractional seconds. Anything
// unparseable falls back to the current time so an event is never dropped
// over a bad clock string.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// sessionIDForPath derives the session UUID for a transcript file. Claude
// names most session files {uuid}.jsonl, so the stem is used directly when
// it parses. Subagent files (agent-XXXX.jsonl) have non-UUID stems; those
// get a deterministic UUID from the full path so re-parsing the same file
// always lands in the same server-side session.
func sessionIDForPath(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if _, err := uuid.Parse(stem); err == nil {
		return stem
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()
}

// eventUUID reuses the transcript's own id when present, otherwise mints
// a random one.
func eventUUID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// parseAccum collects events and widens the metadata time window as a
// parse pass advances. The provider states embed it.
type parseAccum struct {
	path string
	res  ParseResult
}

func (a *parseAccum) emit(ev Event) {
	ev.SessionID = a.res.Metadata.SessionID
	a.res.Events = append(a.res.Events, ev)
	a.res.Metadata.observe(ev.Timestamp)
}

// finalize fills the derived metadata fields after a parse pass.
func (m *SessionMetadata) finalize() {
	if m.CWD != "" && m.Project == "" {
		m.Project = filepath.Base(m.CWD)
	}
	if m.ProviderSessionID == "" {
		m.ProviderSessionID = m.SessionID
	}
}

// observe widens the started/ended window to include ts.
func (m *SessionMetadata) observe(ts time.Time) {
	if m.StartedAt.IsZero() || ts.Before(m.StartedAt) {
		m.StartedAt = ts
	}
	if m.EndedAt.IsZero() || ts.After(m.EndedAt) {
		m.EndedAt = ts
	}
}
