package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksInstallStatusUninstall(t *testing.T) {
	home := isolateHome(t)
	settings := filepath.Join(home, ".claude", "settings.json")

	stdout, _, err := runCommand(t, "", "hooks", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Stop")
	assert.Contains(t, stdout, "not installed")

	stdout, _, err = runCommand(t, "", "hooks", "install")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Updated "+settings)
	require.FileExists(t, settings)

	stdout, _, err = runCommand(t, "", "hooks", "status")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "not installed")
	for _, event := range []string{"Stop", "UserPromptSubmit", "PreToolUse", "PostToolUse"} {
		assert.Contains(t, stdout, event)
	}

	stdout, _, err = runCommand(t, "", "hooks", "uninstall")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Removed")

	stdout, _, err = runCommand(t, "", "hooks", "status")
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(stdout, "not installed"))
}

func TestHooksUninstallWithNothingInstalled(t *testing.T) {
	isolateHome(t)

	stdout, _, err := runCommand(t, "", "hooks", "uninstall")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No hooks installed")
}

func TestHooksInstallFailsOnCorruptSettings(t *testing.T) {
	home := isolateHome(t)
	settings := filepath.Join(home, ".claude", "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte("{not json"), 0644))

	_, _, err := runCommand(t, "", "hooks", "install")
	require.Error(t, err)
}
