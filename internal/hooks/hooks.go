// Package hooks injects the shipper into Claude Code's settings.json so
// sessions ship on Stop and presence states flow on every lifecycle
// event. The hook commands invoke this binary directly; each receives
// the hook event JSON on stdin.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/longhouse/shipper/internal/filelock"
)

// marker identifies our hook commands inside settings.json so installs
// update in place instead of appending duplicates. The binary name is
// specific enough to leave user hooks that merely mention "longhouse"
// alone.
const marker = "longhouse-shipper"

// Events carrying a hook after Install, in display order.
var Events = []string{"Stop", "UserPromptSubmit", "PreToolUse", "PostToolUse"}

// presenceState is what the presence command reports for each lifecycle
// event. Stop is handled separately since it also ships the transcript.
var presenceState = map[string]string{
	"UserPromptSubmit": "thinking",
	"PreToolUse":       "running",
	"PostToolUse":      "thinking",
}

func command(cmd string, timeoutSecs int) map[string]interface{} {
	return map[string]interface{}{
		"type":    "command",
		"command": cmd,
		"async":   true,
		"timeout": timeoutSecs,
	}
}

func entry(cmds ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(cmds))
	for i, c := range cmds {
		list[i] = c
	}
	return map[string]interface{}{"hooks": list}
}

// isOurs reports whether a hook entry was written by a previous install.
func isOurs(e interface{}) bool {
	em, ok := e.(map[string]interface{})
	if !ok {
		return false
	}
	inner, _ := em["hooks"].([]interface{})
	for _, h := range inner {
		hm, ok := h.(map[string]interface{})
		if !ok {
			continue
		}
		if cmd, _ := hm["command"].(string); strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}

// mergeEvent upserts our entry into one event's hook list. Foreign
// entries are preserved in place; stale copies of ours collapse into the
// single new entry.
func mergeEvent(existing []interface{}, ours map[string]interface{}) []interface{} {
	replaced := false
	out := make([]interface{}, 0, len(existing)+1)
	for _, e := range existing {
		if isOurs(e) {
			if !replaced {
				out = append(out, ours)
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, ours)
	}
	return out
}

func eventList(hooksObj map[string]interface{}, event string) []interface{} {
	// Older configs and manual edits sometimes hold a non-list here;
	// treat anything else as empty rather than failing the install.
	if list, ok := hooksObj[event].([]interface{}); ok {
		return list
	}
	return nil
}

// readSettings parses settings.json, treating a missing or empty file as
// an empty object. A malformed file is an error: never clobber something
// the user can still fix by hand.
func readSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]interface{}{}, nil
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w (fix or remove the file before installing hooks)", path, err)
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return filelock.AtomicWrite(path, append(data, '\n'), 0644)
}

// Install upserts the shipper's hook entries into settingsPath. The
// resolved binary path is baked into each command so the hooks keep
// working when PATH changes. Idempotent.
func Install(settingsPath, binPath string) ([]string, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	hooksObj, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		hooksObj = map[string]interface{}{}
		settings["hooks"] = hooksObj
	}

	// Stop ships the finished transcript and marks the session idle.
	stopEntry := entry(
		command(binPath+" ship --from-hook", 30),
		command(binPath+" presence --state idle", 5),
	)
	hooksObj["Stop"] = mergeEvent(eventList(hooksObj, "Stop"), stopEntry)

	for event, state := range presenceState {
		e := entry(command(fmt.Sprintf("%s presence --state %s", binPath, state), 5))
		hooksObj[event] = mergeEvent(eventList(hooksObj, event), e)
	}

	if err := writeSettings(settingsPath, settings); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("Updated %s with Stop and presence hooks", settingsPath)}, nil
}

// Uninstall removes every hook entry carrying our marker, leaving
// foreign hooks untouched. Empty lists and an empty hooks object are
// dropped entirely.
func Uninstall(settingsPath string) ([]string, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	hooksObj, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		return []string{"No hooks installed"}, nil
	}

	removed := 0
	for event, raw := range hooksObj {
		list, ok := raw.([]interface{})
		if !ok {
			continue
		}
		kept := make([]interface{}, 0, len(list))
		for _, e := range list {
			if isOurs(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(hooksObj, event)
		} else {
			hooksObj[event] = kept
		}
	}
	if removed == 0 {
		return []string{"No hooks installed"}, nil
	}
	if len(hooksObj) == 0 {
		delete(settings, "hooks")
	}

	if err := writeSettings(settingsPath, settings); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("Removed %d hook entries from %s", removed, settingsPath)}, nil
}

// Status reports, per event, whether one of our hooks is installed.
func Status(settingsPath string) (map[string]bool, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	installed := make(map[string]bool, len(Events))
	hooksObj, _ := settings["hooks"].(map[string]interface{})
	for _, event := range Events {
		for _, e := range eventList(hooksObj, event) {
			if isOurs(e) {
				installed[event] = true
				break
			}
		}
	}
	return installed, nil
}
