// Package service installs and controls the shipper daemon as a
// user-level service: a launchd agent on darwin, a systemd user unit on
// linux. Other platforms run the daemon in the foreground.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	launchdLabel = "com.longhouse.shipper"
	systemdUnit  = "longhouse-shipper"
)

// Status values reported by Status.
const (
	StatusRunning      = "running"
	StatusStopped      = "stopped"
	StatusNotInstalled = "not-installed"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>connect</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
    <key>ProcessType</key>
    <string>Background</string>
</dict>
</plist>
`

const unitTemplate = `[Unit]
Description=Longhouse session shipper
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s connect
Restart=on-failure
RestartSec=10
StandardOutput=append:%s
StandardError=append:%s

[Install]
WantedBy=default.target
`

// CommandRunner abstracts launchctl/systemctl invocations so tests can
// script them.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Manager holds the resolved paths a service operation needs. Fields are
// exported so tests can point them at temp dirs and a fake runner.
type Manager struct {
	GOOS    string
	Home    string
	ExePath string
	LogDir  string
	Runner  CommandRunner
}

// NewManager resolves the current platform, home directory and
// executable path. The daemon's stdout/stderr are redirected to a file
// under logDir.
func NewManager(logDir string) (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	return &Manager{
		GOOS:    runtime.GOOS,
		Home:    home,
		ExePath: exe,
		LogDir:  logDir,
		Runner:  execRunner{},
	}, nil
}

// PlistPath is the launchd agent definition location.
func (m *Manager) PlistPath() string {
	return filepath.Join(m.Home, "Library", "LaunchAgents", launchdLabel+".plist")
}

// UnitPath is the systemd user unit location.
func (m *Manager) UnitPath() string {
	return filepath.Join(m.Home, ".config", "systemd", "user", systemdUnit+".service")
}

func (m *Manager) serviceLogPath() string {
	return filepath.Join(m.LogDir, "service.log")
}

// Install writes the platform's service definition and starts the
// daemon. Returns human-readable action lines. Idempotent: an existing
// service is stopped and replaced.
func (m *Manager) Install(ctx context.Context) ([]string, error) {
	switch m.GOOS {
	case "darwin":
		return m.installLaunchd(ctx)
	case "linux":
		return m.installSystemd(ctx)
	default:
		return nil, fmt.Errorf("unsupported platform %s: run %q in the foreground instead", m.GOOS, "longhouse-shipper connect")
	}
}

// Uninstall stops the daemon and removes the service definition.
func (m *Manager) Uninstall(ctx context.Context) ([]string, error) {
	switch m.GOOS {
	case "darwin":
		return m.uninstallLaunchd(ctx)
	case "linux":
		return m.uninstallSystemd(ctx)
	default:
		return nil, fmt.Errorf("unsupported platform %s", m.GOOS)
	}
}

// Status reports running, stopped or not-installed.
func (m *Manager) Status(ctx context.Context) (string, error) {
	switch m.GOOS {
	case "darwin":
		return m.launchdStatus(ctx), nil
	case "linux":
		return m.systemdStatus(ctx), nil
	default:
		return StatusNotInstalled, fmt.Errorf("unsupported platform %s", m.GOOS)
	}
}

func (m *Manager) installLaunchd(ctx context.Context) ([]string, error) {
	plistPath := m.PlistPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return nil, fmt.Errorf("create LaunchAgents directory: %w", err)
	}
	if err := os.MkdirAll(m.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	var actions []string

	// Unload a previous installation first; errors mean "was not
	// loaded" and are fine.
	if _, err := os.Stat(plistPath); err == nil {
		m.Runner.Run(ctx, "launchctl", "unload", plistPath)
		actions = append(actions, "Unloaded existing service")
	}

	logPath := m.serviceLogPath()
	content := fmt.Sprintf(plistTemplate, launchdLabel, m.ExePath, logPath, logPath)
	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return actions, fmt.Errorf("write plist: %w", err)
	}
	actions = append(actions, fmt.Sprintf("Wrote %s", plistPath))

	if _, err := m.Runner.Run(ctx, "launchctl", "load", plistPath); err != nil {
		return actions, fmt.Errorf("load service: %w", err)
	}
	actions = append(actions, fmt.Sprintf("Loaded %s (logs at %s)", launchdLabel, logPath))
	return actions, nil
}

func (m *Manager) uninstallLaunchd(ctx context.Context) ([]string, error) {
	plistPath := m.PlistPath()
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return []string{"Service was not installed"}, nil
	}

	m.Runner.Run(ctx, "launchctl", "unload", plistPath)
	if err := os.Remove(plistPath); err != nil {
		return nil, fmt.Errorf("remove plist: %w", err)
	}
	return []string{"Service stopped and removed"}, nil
}

// launchdStatus asks launchctl about the per-user agent and inspects its
// reported state. A load failure means the plist exists but the agent is
// not loaded.
func (m *Manager) launchdStatus(ctx context.Context) string {
	if _, err := os.Stat(m.PlistPath()); os.IsNotExist(err) {
		return StatusNotInstalled
	}

	target := fmt.Sprintf("gui/%d/%s", os.Getuid(), launchdLabel)
	out, err := m.Runner.Run(ctx, "launchctl", "print", target)
	if err != nil {
		return StatusStopped
	}

	lower := strings.ToLower(out)
	if strings.Contains(lower, "state = running") {
		return StatusRunning
	}
	for _, line := range strings.Split(lower, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "pid =") {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "pid ="))); err == nil && pid > 0 {
			return StatusRunning
		}
	}
	return StatusStopped
}

func (m *Manager) installSystemd(ctx context.Context) ([]string, error) {
	unitPath := m.UnitPath()
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return nil, fmt.Errorf("create systemd user directory: %w", err)
	}
	if err := os.MkdirAll(m.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	var actions []string

	// Stop a previous installation; errors mean "was not running".
	m.Runner.Run(ctx, "systemctl", "--user", "stop", systemdUnit)

	logPath := m.serviceLogPath()
	content := fmt.Sprintf(unitTemplate, m.ExePath, logPath, logPath)
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return actions, fmt.Errorf("write unit file: %w", err)
	}
	actions = append(actions, fmt.Sprintf("Wrote %s", unitPath))

	if _, err := m.Runner.Run(ctx, "systemctl", "--user", "daemon-reload"); err != nil {
		return actions, fmt.Errorf("reload systemd: %w", err)
	}
	if _, err := m.Runner.Run(ctx, "systemctl", "--user", "enable", systemdUnit); err != nil {
		return actions, fmt.Errorf("enable service: %w", err)
	}
	if _, err := m.Runner.Run(ctx, "systemctl", "--user", "start", systemdUnit); err != nil {
		return actions, fmt.Errorf("start service: %w", err)
	}
	actions = append(actions, fmt.Sprintf("Enabled and started %s (logs at %s)", systemdUnit, logPath))
	return actions, nil
}

func (m *Manager) uninstallSystemd(ctx context.Context) ([]string, error) {
	unitPath := m.UnitPath()
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return []string{"Service was not installed"}, nil
	}

	m.Runner.Run(ctx, "systemctl", "--user", "stop", systemdUnit)
	m.Runner.Run(ctx, "systemctl", "--user", "disable", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return nil, fmt.Errorf("remove unit file: %w", err)
	}
	m.Runner.Run(ctx, "systemctl", "--user", "daemon-reload")
	return []string{"Service stopped and removed"}, nil
}

func (m *Manager) systemdStatus(ctx context.Context) string {
	if _, err := os.Stat(m.UnitPath()); os.IsNotExist(err) {
		return StatusNotInstalled
	}
	// is-active exits non-zero when inactive; the output still tells us
	// what we need.
	out, _ := m.Runner.Run(ctx, "systemctl", "--user", "is-active", systemdUnit)
	if strings.TrimSpace(out) == "active" {
		return StatusRunning
	}
	return StatusStopped
}
