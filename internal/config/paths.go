package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ClaudeDir returns the Claude config directory.
// Priority order:
//  1. CLAUDE_CONFIG_DIR environment variable (if set)
//  2. $HOME/.claude
//
// The directory is created if it doesn't exist.
func ClaudeDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create claude config directory: %w", err)
	}
	return dir, nil
}

// CodexHome returns the Codex home directory (CODEX_HOME or ~/.codex).
// The directory is not created; a missing directory simply means the
// codex provider has no sessions.
func CodexHome() string {
	if dir := os.Getenv("CODEX_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex")
}

// GeminiTmpDir returns the Gemini CLI scratch directory (~/.gemini/tmp),
// under which chat sessions live at <hash>/chats/session-*.json.
func GeminiTmpDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gemini", "tmp")
}

// DefaultDBPath returns the state store location,
// {claude_dir}/longhouse-shipper.db.
func DefaultDBPath() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "longhouse-shipper.db"), nil
}

// OutboxDir returns the presence outbox directory,
// {claude_dir}/presence-outbox, creating it if needed.
func OutboxDir() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	outbox := filepath.Join(dir, "presence-outbox")
	if err := os.MkdirAll(outbox, 0755); err != nil {
		return "", fmt.Errorf("create outbox directory: %w", err)
	}
	return outbox, nil
}

// StatusFilePath returns the daemon status file location,
// {claude_dir}/engine-status.json.
func StatusFilePath() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "engine-status.json"), nil
}

// SettingsPath returns the Claude settings.json location used by the
// hook installer.
func SettingsPath() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// LockFilePath returns the single-instance lock file location.
func LockFilePath() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "longhouse-shipper.lock"), nil
}

// DefaultLogDir returns the daemon log directory.
// Priority order:
//  1. LONGHOUSE_LOG_DIR environment variable (if set)
//  2. {claude_dir}/logs
func DefaultLogDir() (string, error) {
	if dir := os.Getenv("LONGHOUSE_LOG_DIR"); dir != "" {
		return dir, nil
	}
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// readWellKnownFile reads a single-value file like longhouse-url or
// longhouse-device-token. Returns "" when the file is missing or blank.
func readWellKnownFile(claudeDir, name string) string {
	data, err := os.ReadFile(filepath.Join(claudeDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
