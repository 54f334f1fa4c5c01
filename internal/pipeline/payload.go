// Package pipeline turns parsed transcript events into compressed ingest
// payloads. Serialization streams straight into the compressing writer so
// the uncompressed JSON never exists as a single buffer.
package pipeline

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/longhouse/shipper/internal/provider"
)

// IngestPayload is the wire shape POSTed to /api/agents/ingest.
type IngestPayload struct {
	ID                string        `json:"id"`
	Provider          string        `json:"provider"`
	Environment       string        `json:"environment"`
	Project           string        `json:"project,omitempty"`
	DeviceID          string        `json:"device_id"`
	CWD               string        `json:"cwd,omitempty"`
	GitRepo           string        `json:"git_repo,omitempty"`
	GitBranch         string        `json:"git_branch,omitempty"`
	StartedAt         string        `json:"started_at"`
	EndedAt           string        `json:"ended_at,omitempty"`
	ProviderSessionID string        `json:"provider_session_id"`
	Events            []EventIngest `json:"events"`
}

// EventIngest is one event on the wire. Event identity on the server side
// is source_path plus source_offset, so no separate id field travels.
type EventIngest struct {
	Role           string          `json:"role"`
	ContentText    string          `json:"content_text,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInputJSON  json.RawMessage `json:"tool_input_json,omitempty"`
	ToolOutputText string          `json:"tool_output_text,omitempty"`
	Timestamp      string          `json:"timestamp"`
	SourcePath     string          `json:"source_path"`
	SourceOffset   int64           `json:"source_offset"`
	RawJSON        string          `json:"raw_json,omitempty"`
}

var (
	hostnameOnce sync.Once
	hostname     string
)

// deviceID returns "shipper-{hostname}", resolving the hostname once per
// process.
func deviceID() string {
	hostnameOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		hostname = h
	})
	return "shipper-" + hostname
}

// BuildPayload assembles the ingest payload for one file's events.
// started_at falls back to the earliest event timestamp and then to now;
// ended_at falls back to the latest event timestamp and is omitted when
// there is nothing to derive it from.
func BuildPayload(sessionID string, events []provider.Event, meta *provider.SessionMetadata, sourcePath, providerName string) *IngestPayload {
	minTS, maxTS := eventBounds(events)

	started := meta.StartedAt
	if started.IsZero() {
		started = minTS
	}
	if started.IsZero() {
		started = time.Now().UTC()
	}
	ended := meta.EndedAt
	if ended.IsZero() {
		ended = maxTS
	}

	wire := make([]EventIngest, len(events))
	for i, e := range events {
		wire[i] = EventIngest{
			Role:           string(e.Role),
			ContentText:    e.ContentText,
			ToolName:       e.ToolName,
			ToolInputJSON:  e.ToolInputJSON,
			ToolOutputText: e.ToolOutputText,
			Timestamp:      e.Timestamp.Format(time.RFC3339Nano),
			SourcePath:     sourcePath,
			SourceOffset:   e.SourceOffset,
			RawJSON:        e.RawLine,
		}
	}

	p := &IngestPayload{
		ID:                sessionID,
		Provider:          providerName,
		Environment:       "production",
		Project:           meta.Project,
		DeviceID:          deviceID(),
		CWD:               meta.CWD,
		GitBranch:         meta.GitBranch,
		StartedAt:         started.Format(time.RFC3339Nano),
		ProviderSessionID: meta.ProviderSessionID,
		Events:            wire,
	}
	if !ended.IsZero() {
		p.EndedAt = ended.Format(time.RFC3339Nano)
	}
	return p
}

func eventBounds(events []provider.Event) (time.Time, time.Time) {
	var min, max time.Time
	for _, e := range events {
		if min.IsZero() || e.Timestamp.Before(min) {
			min = e.Timestamp
		}
		if max.IsZero() || e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return min, max
}
