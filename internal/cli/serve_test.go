package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/aleph/internal/config"
	"github.com/harun/aleph/pkg/jsonrpc"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseServeFlags(t *testing.T, args ...string) (*pflag.FlagSet, serveOptions) {
	t.Helper()
	var opts serveOptions
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	bindServeFlags(fs, &opts)
	require.NoError(t, fs.Parse(args))
	return fs, opts
}

func TestApplyServeFlags_UnsetFlagsKeepConfig(t *testing.T) {
	t.Setenv(ToolDocsEnv, "")
	cfg := config.DefaultConfig()
	cfg.Actions.MaxWriteBytes = 5
	cfg.Actions.WorkspaceMode = "any"
	cfg.Transport.Port = 7000

	fs, opts := parseServeFlags(t)
	require.NoError(t, applyServeFlags(fs, opts, cfg))

	assert.Equal(t, int64(5), cfg.Actions.MaxWriteBytes)
	assert.Equal(t, "any", cfg.Actions.WorkspaceMode)
	assert.Equal(t, 7000, cfg.Transport.Port)
	assert.False(t, cfg.Transport.Enabled)
	assert.False(t, cfg.Actions.Enabled)
}

func TestApplyServeFlags_Overrides(t *testing.T) {
	t.Setenv(ToolDocsEnv, "")
	cfg := config.DefaultConfig()

	fs, opts := parseServeFlags(t,
		"--transport", "http",
		"--port", "9000",
		"--path", "/rpc",
		"--enable-actions",
		"--workspace-root", "/srv/work",
		"--workspace-mode", "git",
		"--require-confirmation",
		"--max-file-size", "10",
		"--max-write-bytes", "20",
		"--timeout", "2.5",
		"--max-output", "100",
		"--tool-docs", "full",
		"--autosave", "@every 5m",
	)
	require.NoError(t, applyServeFlags(fs, opts, cfg))

	assert.True(t, cfg.Transport.Enabled)
	assert.Equal(t, 9000, cfg.Transport.Port)
	assert.Equal(t, "/rpc", cfg.Transport.Path)
	assert.True(t, cfg.Actions.Enabled)
	assert.Equal(t, "/srv/work", cfg.Actions.WorkspaceRoot)
	assert.Equal(t, "git", cfg.Actions.WorkspaceMode)
	assert.True(t, cfg.Actions.RequireConfirmation)
	assert.Equal(t, int64(10), cfg.Actions.MaxReadBytes)
	assert.Equal(t, int64(20), cfg.Actions.MaxWriteBytes)
	assert.Equal(t, 2.5, cfg.Sandbox.TimeoutSeconds)
	assert.Equal(t, 100, cfg.Sandbox.MaxOutputChars)
	assert.Equal(t, "full", cfg.Server.ToolDocs)
	assert.Equal(t, "@every 5m", cfg.MemoryPack.AutosaveSchedule)
}

func TestApplyServeFlags_ToolDocsEnv(t *testing.T) {
	tests := []struct {
		name string
		env  string
		args []string
		want string
	}{
		{"env sets default", "full", nil, "full"},
		{"invalid env ignored", "loud", nil, "concise"},
		{"flag wins over env", "full", []string{"--tool-docs", "concise"}, "concise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ToolDocsEnv, tt.env)
			cfg := config.DefaultConfig()
			fs, opts := parseServeFlags(t, tt.args...)
			require.NoError(t, applyServeFlags(fs, opts, cfg))
			assert.Equal(t, tt.want, cfg.Server.ToolDocs)
		})
	}
}

func TestApplyServeFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"transport", []string{"--transport", "websocket"}},
		{"workspace mode", []string{"--workspace-mode", "everywhere"}},
		{"tool docs", []string{"--tool-docs", "loud"}},
		{"port", []string{"--transport", "http", "--port", "70000"}},
		{"schedule", []string{"--autosave", "whenever"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, opts := parseServeFlags(t, tt.args...)
			assert.Error(t, applyServeFlags(fs, opts, config.DefaultConfig()))
		})
	}
}

func TestServeStdio(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	workspace := t.TempDir()

	cmd := GetRootCmd()
	cmd.SetArgs([]string{
		"serve",
		"--config", filepath.Join(home, "missing.json"),
		"--workspace-root", workspace,
	})
	cmd.SetIn(strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}` + "\n"))
	output := &bytes.Buffer{}
	cmd.SetOut(output)

	require.NoError(t, cmd.Execute())

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(output.Bytes()), &resp))
	assert.Equal(t, "7", string(resp.ID))
	require.Nil(t, resp.Error)

	var list jsonrpc.ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.NotEmpty(t, list.Tools)
}
