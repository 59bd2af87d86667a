package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerSpecs(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "servers.yaml")
		content := `
servers:
  - id: fs
    command: fs-server
    args: ["--root", "/tmp"]
    env:
      LOG_LEVEL: debug
  - id: git
    command: git-server
    cwd: /srv
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		specs, err := LoadServerSpecs(path)
		require.NoError(t, err)
		require.Len(t, specs, 2)
		assert.Equal(t, "fs", specs[0].ID)
		assert.Equal(t, []string{"--root", "/tmp"}, specs[0].Args)
		assert.Equal(t, "debug", specs[0].Env["LOG_LEVEL"])
		assert.Equal(t, "/srv", specs[1].Dir)
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "servers.json")
		content := `{"servers": [{"id": "fs", "command": "fs-server", "args": ["-v"]}]}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		specs, err := LoadServerSpecs(path)
		require.NoError(t, err)
		require.Len(t, specs, 1)
		assert.Equal(t, []string{"-v"}, specs[0].Args)
	})

	t.Run("missing file", func(t *testing.T) {
		specs, err := LoadServerSpecs(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Empty(t, specs)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "servers.toml")
		require.NoError(t, os.WriteFile(path, []byte(""), 0644))

		_, err := LoadServerSpecs(path)
		assert.Error(t, err)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		path := filepath.Join(dir, "dup.yaml")
		content := "servers:\n  - {id: a, command: x}\n  - {id: a, command: y}\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		_, err := LoadServerSpecs(path)
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("missing command", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("servers:\n  - id: a\n"), 0644))

		_, err := LoadServerSpecs(path)
		assert.ErrorContains(t, err, "command is required")
	})
}
