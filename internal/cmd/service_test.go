package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceCommandHasSubcommands(t *testing.T) {
	cmd := NewServiceCommand()
	require.NotNil(t, cmd)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["install"])
	assert.True(t, names["uninstall"])
	assert.True(t, names["status"])
}

func TestConnectCommandFlags(t *testing.T) {
	cmd := NewConnectCommand()

	for _, flag := range []string{"url", "token", "db", "compression", "flush-ms", "fallback-scan-secs", "spool-replay-secs", "log-dir"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %s should exist", flag)
	}

	assert.Equal(t, "500", cmd.Flags().Lookup("flush-ms").DefValue)
	assert.Equal(t, "300", cmd.Flags().Lookup("fallback-scan-secs").DefValue)
	assert.Equal(t, "30", cmd.Flags().Lookup("spool-replay-secs").DefValue)
}

func TestShipCommandFlags(t *testing.T) {
	cmd := NewShipCommand()

	for _, flag := range []string{"url", "token", "db", "file", "provider", "workers", "dry-run", "json", "compression", "from-hook"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %s should exist", flag)
	}

	assert.Equal(t, "gzip", cmd.Flags().Lookup("compression").DefValue)
	assert.Equal(t, "0", cmd.Flags().Lookup("workers").DefValue)
}
