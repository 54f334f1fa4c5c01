package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// codexLine is the envelope wrapping every rollout line.
type codexLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// codexSessionMeta is the payload of a session_meta line.
type codexSessionMeta struct {
	ID         string `json:"id"`
	CWD        string `json:"cwd"`
	CLIVersion string `json:"cli_version"`
	Git        struct {
		Branch string `json:"branch"`
	} `json:"git"`
}

// codexItem is the payload of a response_item line; the field set is the
// union over message, function_call and function_call_output items.
type codexItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   []codexTextPart `json:"content"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output"`
}

type codexTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseCodexSession extracts events from the codex rollout transcript at
// path, starting at startOffset. Line framing and error handling match
// ParseSession. The session id comes from the rollout filename; a
// session_meta line (always the first line of a rollout) replaces it when
// the parse starts at offset zero.
func ParseCodexSession(path string, startOffset int64) (*ParseResult, error) {
	st := &codexState{parseAccum{
		path: path,
		res: ParseResult{
			LastGoodOffset: startOffset,
			Metadata:       SessionMetadata{SessionID: codexSessionID(path)},
		},
	}}

	last, err := forEachLine(path, startOffset, st.processLine)
	if err != nil {
		return nil, err
	}
	st.res.LastGoodOffset = last
	st.res.Metadata.finalize()
	return &st.res, nil
}

type codexState struct {
	parseAccum
}

func (st *codexState) processLine(line []byte, lineStart int64) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var raw codexLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		recordParseError(st.path, lineStart, err)
		return
	}
	recordParseOK()

	switch raw.Type {
	case "session_meta":
		st.absorbSessionMeta(raw.Payload)
	case "turn_context":
		var tc struct {
			CWD string `json:"cwd"`
		}
		if json.Unmarshal(raw.Payload, &tc) == nil && st.res.Metadata.CWD == "" {
			st.res.Metadata.CWD = tc.CWD
		}
	case "response_item":
		st.responseItem(raw.Payload, parseTimestamp(raw.Timestamp), line, lineStart)
	}
	// event_msg rows duplicate response_item content as UI events; they
	// and unknown types advance the cursor silently.
}

func (st *codexState) absorbSessionMeta(payload json.RawMessage) {
	var meta codexSessionMeta
	if json.Unmarshal(payload, &meta) != nil {
		return
	}
	m := &st.res.Metadata
	if meta.ID != "" {
		m.SessionID = meta.ID
		m.ProviderSessionID = meta.ID
	}
	if m.CWD == "" && meta.CWD != "" {
		m.CWD = meta.CWD
	}
	if m.Version == "" && meta.CLIVersion != "" {
		m.Version = meta.CLIVersion
	}
	if m.GitBranch == "" && meta.Git.Branch != "" {
		m.GitBranch = meta.Git.Branch
	}
}

func (st *codexState) responseItem(payload json.RawMessage, ts time.Time, line []byte, lineStart int64) {
	var item codexItem
	if json.Unmarshal(payload, &item) != nil {
		return
	}
	sid := st.res.Metadata.SessionID

	switch item.Type {
	case "message":
		// developer messages carry injected instructions, not dialogue
		if item.Role == "developer" {
			return
		}
		var parts []string
		for _, p := range item.Content {
			if (p.Type == "input_text" || p.Type == "output_text") && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		text := strings.Join(parts, "\n")
		if text == "" {
			return
		}
		role := RoleUser
		if item.Role == "assistant" {
			role = RoleAssistant
		}
		st.emit(Event{
			UUID:         fmt.Sprintf("%s-msg-%d", sid, lineStart),
			Timestamp:    ts,
			Role:         role,
			ContentText:  text,
			SourceOffset: lineStart,
			RawType:      "codex-" + item.Role,
			RawLine:      string(line),
		})

	case "function_call":
		id := item.CallID
		if id == "" {
			id = strconv.FormatInt(lineStart, 10)
		}
		ev := Event{
			UUID:         sid + "-call-" + id,
			Timestamp:    ts,
			Role:         RoleAssistant,
			ToolName:     item.Name,
			SourceOffset: lineStart,
			RawType:      "codex-function_call",
			RawLine:      string(line),
		}
		if in := strings.TrimSpace(item.Arguments); strings.HasPrefix(in, "{") && json.Valid([]byte(in)) {
			ev.ToolInputJSON = json.RawMessage(in)
		}
		st.emit(ev)

	case "function_call_output":
		output := codexToolOutput(item.Output)
		if output == "" {
			return
		}
		id := item.CallID
		if id == "" {
			id = strconv.FormatInt(lineStart, 10)
		}
		st.emit(Event{
			UUID:           sid + "-result-" + id,
			Timestamp:      ts,
			Role:           RoleTool,
			ToolOutputText: output,
			SourceOffset:   lineStart,
			RawType:        "codex-function_call_output",
			RawLine:        string(line),
		})
	}
	// reasoning and other item types are not shipped
}

// codexToolOutput unwraps codex's double-encoded tool output: the output
// field is a JSON string that itself usually contains {"output": "..."}.
// Plain strings pass through; anything that is not a string stays raw.
func codexToolOutput(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if json.Unmarshal(trimmed, &s) != nil {
		return string(trimmed)
	}

	var inner struct {
		Output json.RawMessage `json:"output"`
	}
	if json.Unmarshal([]byte(s), &inner) != nil {
		return s
	}
	out := bytes.TrimSpace(inner.Output)
	if len(out) == 0 {
		return s
	}
	var text string
	if json.Unmarshal(out, &text) == nil {
		return text
	}
	return string(out)
}

// codexSessionID extracts the session UUID from a rollout filename,
// rollout-{YYYY-MM-DDThh-mm-ss}-{uuid}.jsonl: the UUID is the 36-char
// tail of the stem. Files that do not follow the pattern get the same
// deterministic path-derived UUID claude subagent files do.
func codexSessionID(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if len(stem) >= 36 {
		tail := stem[len(stem)-36:]
		if _, err := uuid.Parse(tail); err == nil {
			return tail
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()
}
