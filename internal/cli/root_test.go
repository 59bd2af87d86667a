package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/aleph/pkg/toolserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(""))

	err := cmd.Execute()
	return output.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "aleph version "+toolserver.Version+"\n", out)
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)

	assert.Contains(t, out, "local tool server")
	for _, name := range []string{"serve", "backend", "config", "status", "stop"} {
		assert.Contains(t, out, name)
	}
}

func TestPersistentFlags(t *testing.T) {
	flags := GetRootCmd().PersistentFlags()

	tests := []struct {
		name string
		def  string
	}{
		{name: "config", def: ""},
		{name: "log-level", def: "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := flags.Lookup(tt.name)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range GetRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "backend", "config", "status", "stop"})
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, toolserver.Version, GetVersion())
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
}
