package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCommand()
	require.NotNil(t, root)

	assert.Equal(t, "longhouse-shipper", root.Use)
	assert.True(t, root.SilenceUsage)

	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"connect", "ship", "parse", "bench", "service", "hooks", "presence"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootHelpDescribesShipping(t *testing.T) {
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	out := buf.String()
	assert.Contains(t, out, "longhouse-shipper")
	assert.Contains(t, out, "ship")
	assert.Contains(t, out, "connect")
}

func TestHiddenCommandsStayOutOfHelp(t *testing.T) {
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	assert.NotContains(t, buf.String(), "presence")
}
