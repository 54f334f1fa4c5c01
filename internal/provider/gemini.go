package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// geminiSession is the top-level shape of a session-*.json file. Older CLI
// versions stored a bare message array instead; ParseGeminiSession accepts
// both.
type geminiSession struct {
	SessionID   string            `json:"sessionId"`
	ProjectHash string            `json:"projectHash"`
	StartTime   json.RawMessage   `json:"startTime"`
	LastUpdated json.RawMessage   `json:"lastUpdated"`
	Messages    []json.RawMessage `json:"messages"`
	History     []json.RawMessage `json:"history"`
}

type geminiMessage struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Role      string           `json:"role"`
	Content   json.RawMessage  `json:"content"`
	Timestamp json.RawMessage  `json:"timestamp"`
	ToolCalls []geminiToolCall `json:"toolCalls"`
}

type geminiToolCall struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	DisplayName string             `json:"displayName"`
	Args        json.RawMessage    `json:"args"`
	Timestamp   json.RawMessage    `json:"timestamp"`
	Result      []geminiToolResult `json:"result"`
}

type geminiToolResult struct {
	FunctionResponse struct {
		Response struct {
			Output json.RawMessage `json:"output"`
		} `json:"response"`
	} `json:"functionResponse"`
}

// ParseGeminiSession parses a gemini session document. Gemini rewrites the
// whole JSON file on every turn, so there is no line cursor to resume
// from: the file is always parsed from the top and LastGoodOffset lands on
// the file size. Event UUIDs are deterministic, so re-shipping earlier
// messages is idempotent server-side. A document that fails to parse
// (typically caught mid-rewrite) is counted as a parse error and leaves
// the offset untouched for the next pass.
func ParseGeminiSession(path string, startOffset int64) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	st := &geminiState{parseAccum{
		path: path,
		res:  ParseResult{LastGoodOffset: startOffset},
	}}
	m := &st.res.Metadata

	var doc geminiSession
	var msgs []json.RawMessage
	if err := json.Unmarshal(data, &doc); err == nil {
		msgs = doc.Messages
		if len(msgs) == 0 {
			msgs = doc.History
		}
	} else if json.Unmarshal(data, &msgs) != nil {
		recordParseError(path, 0, err)
		m.SessionID = geminiSessionID("", path)
		m.finalize()
		return &st.res, nil
	}
	recordParseOK()

	m.SessionID = geminiSessionID(doc.SessionID, path)
	for _, raw := range msgs {
		st.message(raw)
	}

	// Explicit session bounds win over the event min/max.
	if t, ok := parseFlexTimestamp(doc.StartTime); ok {
		m.StartedAt = t
	}
	if t, ok := parseFlexTimestamp(doc.LastUpdated); ok {
		m.EndedAt = t
	}
	if doc.ProjectHash != "" {
		// The hash cannot be reversed to a directory name; guess the
		// working directory from tool call arguments instead.
		if cwd := geminiInferCWD(msgs); cwd != "" {
			m.CWD = cwd
		}
	}
	m.finalize()
	st.res.LastGoodOffset = int64(len(data))
	return &st.res, nil
}

type geminiState struct {
	parseAccum
}

func (st *geminiState) message(raw json.RawMessage) {
	var msg geminiMessage
	if json.Unmarshal(raw, &msg) != nil {
		return
	}
	kind := msg.Type
	if kind == "" {
		kind = msg.Role
	}
	if kind == "" {
		return
	}
	role, ok := normalizeGeminiRole(kind)
	if !ok { // info and system messages are not dialogue
		return
	}

	ts, tsOK := parseFlexTimestamp(msg.Timestamp)
	if !tsOK {
		ts = time.Now().UTC()
	}
	msgID := eventUUID(msg.ID)

	rawAttached := false
	attachRaw := func(ev *Event) {
		if !rawAttached {
			ev.RawLine = string(raw)
			rawAttached = true
		}
	}

	if text := geminiContentText(msg.Content); text != "" {
		ev := Event{
			UUID:        st.res.Metadata.SessionID + "-" + msgID,
			Timestamp:   ts,
			Role:        role,
			ContentText: text,
			RawType:     "gemini-" + kind,
		}
		attachRaw(&ev)
		st.emit(ev)
	}

	for i := range msg.ToolCalls {
		st.toolCall(&msg.ToolCalls[i], ts, attachRaw)
	}
}

func (st *geminiState) toolCall(tc *geminiToolCall, msgTS time.Time, attachRaw func(*Event)) {
	ts := msgTS
	if t, ok := parseFlexTimestamp(tc.Timestamp); ok {
		ts = t
	}
	id := eventUUID(tc.ID)
	sid := st.res.Metadata.SessionID

	if tc.Name != "" {
		name := tc.DisplayName
		if name == "" {
			name = tc.Name
		}
		ev := Event{
			UUID:      sid + "-call-" + id,
			Timestamp: ts,
			Role:      RoleAssistant,
			ToolName:  name,
			RawType:   "gemini-tool_call",
		}
		if in := bytes.TrimSpace(tc.Args); len(in) > 0 && in[0] == '{' {
			ev.ToolInputJSON = json.RawMessage(in)
		}
		attachRaw(&ev)
		st.emit(ev)
	}

	for i := range tc.Result {
		out := bytes.TrimSpace(tc.Result[i].FunctionResponse.Response.Output)
		var text string
		switch {
		case len(out) == 0 || bytes.Equal(out, []byte("null")):
		case out[0] == '"':
			_ = json.Unmarshal(out, &text)
		default:
			text = string(out)
		}
		if text == "" {
			continue
		}
		ev := Event{
			UUID:           sid + "-result-" + id,
			Timestamp:      ts,
			Role:           RoleTool,
			ToolOutputText: text,
			RawType:        "gemini-tool_result",
		}
		attachRaw(&ev)
		st.emit(ev)
	}
}

// normalizeGeminiRole maps gemini's type/role vocabulary onto ours. The
// second return is false for message kinds that are not dialogue.
func normalizeGeminiRole(kind string) (Role, bool) {
	switch strings.ToLower(kind) {
	case "user":
		return RoleUser, true
	case "gemini", "assistant", "model":
		return RoleAssistant, true
	case "info", "system":
		return "", false
	case "tool":
		return RoleTool, true
	default:
		return RoleUser, true
	}
}

// geminiContentText returns string-form message content, or "" when the
// content is missing, non-string or blank.
func geminiContentText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return ""
	}
	var s string
	if json.Unmarshal(trimmed, &s) != nil {
		return ""
	}
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// geminiSessionID prefers the document's own sessionId; otherwise the file
// stem (session-2026-01-08T21-12-d3483e9f) stands in.
func geminiSessionID(explicit, path string) string {
	if explicit != "" {
		return explicit
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// parseFlexTimestamp handles gemini timestamps, which appear both as ISO
// strings and as unix epoch numbers.
func parseFlexTimestamp(raw json.RawMessage) (time.Time, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, false
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) != nil {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
		return time.Time{}, false
	}
	var epoch float64
	if json.Unmarshal(trimmed, &epoch) != nil {
		return time.Time{}, false
	}
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// geminiInferCWD guesses the working directory from tool call arguments:
// the first absolute path argument wins, its ancestors are probed for a
// .git entry, and the argument's directory is the fallback.
func geminiInferCWD(msgs []json.RawMessage) string {
	keys := []string{"cwd", "path", "file_path", "filePath", "directory", "root"}
	for _, raw := range msgs {
		var msg geminiMessage
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		for i := range msg.ToolCalls {
			var args map[string]interface{}
			if json.Unmarshal(msg.ToolCalls[i].Args, &args) != nil {
				continue
			}
			for _, k := range keys {
				val, _ := args[k].(string)
				if val == "" || !strings.HasPrefix(val, "/") {
					continue
				}
				return projectRootFor(val)
			}
		}
	}
	return ""
}

func projectRootFor(path string) string {
	for dir := path; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}
