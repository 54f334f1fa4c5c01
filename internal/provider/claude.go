package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// claudeLine is the top-level shape of one transcript line.
type claudeLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	Version   string          `json:"version"`
	Message   json.RawMessage `json:"message"`
}

// claudeMessage is the message envelope inside a user or assistant line.
// Content is either a plain string or an array of content items.
type claudeMessage struct {
	Content json.RawMessage `json:"content"`
}

// claudeContentItem is one element of array-form message content. The
// field set is the union over text, tool_use and tool_result items.
type claudeContentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// ParseSession extracts events from the claude transcript at path,
// starting at startOffset. The file is never mutated. Lines that fail
// JSON parsing are counted, logged through the rate-limited tracker and
// skipped; the returned LastGoodOffset still moves past them, so a single
// bad line can never wedge a file.
func ParseSession(path string, startOffset int64) (*ParseResult, error) {
	st := &claudeState{parseAccum{
		path: path,
		res: ParseResult{
			LastGoodOffset: startOffset,
			Metadata:       SessionMetadata{SessionID: sessionIDForPath(path)},
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

type claudeState struct {
	parseAccum
}

func (st *claudeState) processLine(line []byte, lineStart int64) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var raw claudeLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		recordParseError(st.path, lineStart, err)
		return
	}
	recordParseOK()

	m := &st.res.Metadata
	if m.CWD == "" && raw.CWD != "" {
		m.CWD = raw.CWD
	}
	if m.GitBranch == "" && raw.GitBranch != "" {
		m.GitBranch = raw.GitBranch
	}
	if m.Version == "" && raw.Version != "" {
		m.Version = raw.Version
	}
	if m.ProviderSessionID == "" && raw.SessionID != "" {
		m.ProviderSessionID = raw.SessionID
	}

	switch raw.Type {
	case "user":
		st.userEvents(&raw, line, lineStart)
	case "assistant":
		st.assistantEvents(&raw, line, lineStart)
	}
	// summary, file-history-snapshot, progress and unknown types advance
	// the cursor without producing events.
}

func (st *claudeState) userEvents(raw *claudeLine, line []byte, lineStart int64) {
	var msg claudeMessage
	if json.Unmarshal(raw.Message, &msg) != nil {
		return
	}
	content := bytes.TrimSpace(msg.Content)
	if len(content) == 0 {
		return
	}

	lineUUID := eventUUID(raw.UUID)
	ts := parseTimestamp(raw.Timestamp)

	if content[0] == '"' {
		var text string
		if json.Unmarshal(content, &text) != nil {
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		st.emit(Event{
			UUID:         lineUUID,
			Timestamp:    ts,
			Role:         RoleUser,
			ContentText:  text,
			SourceOffset: lineStart,
			RawType:      "user",
			RawLine:      string(line),
		})
		return
	}

	var items []claudeContentItem
	if json.Unmarshal(content, &items) != nil {
		return
	}

	hasResults := false
	for i := range items {
		if items[i].Type == "tool_result" {
			hasResults = true
			break
		}
	}

	if hasResults {
		rawAttached := false
		for i := range items {
			if items[i].Type != "tool_result" {
				continue
			}
			output := toolResultText(items[i].Content)
			if output == "" {
				continue
			}
			id := items[i].ToolUseID
			if id == "" {
				id = strconv.Itoa(i)
			}
			ev := Event{
				UUID:           lineUUID + "-result-" + id,
				Timestamp:      ts,
				Role:           RoleTool,
				ToolOutputText: output,
				SourceOffset:   lineStart,
				RawType:        "tool_result",
			}
			if !rawAttached {
				ev.RawLine = string(line)
				rawAttached = true
			}
			st.emit(ev)
		}
		return
	}

	var parts []string
	for i := range items {
		if items[i].Type != "text" {
			continue
		}
		if t := strings.TrimSpace(items[i].Text); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return
	}
	st.emit(Event{
		UUID:         lineUUID,
		Timestamp:    ts,
		Role:         RoleUser,
		ContentText:  text,
		SourceOffset: lineStart,
		RawType:      "user",
		RawLine:      string(line),
	})
}

func (st *claudeState) assistantEvents(raw *claudeLine, line []byte, lineStart int64) {
	var msg claudeMessage
	if json.Unmarshal(raw.Message, &msg) != nil {
		return
	}
	content := bytes.TrimSpace(msg.Content)
	if len(content) == 0 || content[0] != '[' {
		return
	}
	var items []claudeContentItem
	if json.Unmarshal(content, &items) != nil {
		return
	}

	lineUUID := eventUUID(raw.UUID)
	ts := parseTimestamp(raw.Timestamp)
	rawAttached := false
	attachRaw := func(ev *Event) {
		if !rawAttached {
			ev.RawLine = string(line)
			rawAttached = true
		}
	}

	for i := range items {
		switch items[i].Type {
		case "text":
			text := strings.TrimSpace(items[i].Text)
			if text == "" {
				continue
			}
			ev := Event{
				UUID:         fmt.Sprintf("%s-text-%d", lineUUID, i),
				Timestamp:    ts,
				Role:         RoleAssistant,
				ContentText:  text,
				SourceOffset: lineStart,
				RawType:      "assistant",
			}
			attachRaw(&ev)
			st.emit(ev)

		case "tool_use":
			id := items[i].ID
			if id == "" {
				id = strconv.Itoa(i)
			}
			ev := Event{
				UUID:         lineUUID + "-tool-" + id,
				Timestamp:    ts,
				Role:         RoleAssistant,
				ToolName:     items[i].Name,
				SourceOffset: lineStart,
				RawType:      "tool_use",
			}
			if in := bytes.TrimSpace(items[i].Input); len(in) > 0 && in[0] == '{' {
				ev.ToolInputJSON = json.RawMessage(in)
			}
			attachRaw(&ev)
			st.emit(ev)
		}
		// thinking and other item types are not shipped
	}
}

// toolResultText extracts printable output from a tool_result item's inner
// content: a plain string is used as-is, an array contributes the text of
// its text items joined with newlines, anything else stays raw JSON.
func toolResultText(content json.RawMessage) string {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) != nil {
			return string(trimmed)
		}
		return s
	case '[':
		var items []claudeContentItem
		if json.Unmarshal(trimmed, &items) != nil {
			return string(trimmed)
		}
		var parts []string
		for i := range items {
			if items[i].Type == "text" && items[i].Text != "" {
				parts = append(parts, items[i].Text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return string(trimmed)
	}
}
