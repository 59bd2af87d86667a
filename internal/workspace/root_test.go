package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRepo(t *testing.T, parent string) (string, string) {
	t.Helper()
	repo := filepath.Join(parent, "repo")
	sub := filepath.Join(repo, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))
	require.NoError(t, os.MkdirAll(sub, 0755))
	return repo, sub
}

func TestDetectRootRelativeOverrideUsesPWD(t *testing.T) {
	tmp := t.TempDir()
	repo, sub := makeRepo(t, tmp)
	other := filepath.Join(tmp, "other")
	require.NoError(t, os.Mkdir(other, 0755))

	t.Chdir(other)
	t.Setenv(RootEnv, ".")
	t.Setenv("PWD", sub)
	t.Setenv("INIT_CWD", "")

	root, err := DetectRoot()
	require.NoError(t, err)
	assert.Equal(t, repo, root)
}

func TestDetectRootRelativeOverrideUsesInitCwd(t *testing.T) {
	tmp := t.TempDir()
	repo, sub := makeRepo(t, tmp)
	other := filepath.Join(tmp, "other")
	require.NoError(t, os.Mkdir(other, 0755))

	t.Chdir(other)
	t.Setenv(RootEnv, ".")
	t.Setenv("PWD", "")
	t.Setenv("INIT_CWD", sub)

	root, err := DetectRoot()
	require.NoError(t, err)
	assert.Equal(t, repo, root)
}

func TestDetectRootExpandsTilde(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	repo, _ := makeRepo(t, home)

	t.Setenv("HOME", home)
	t.Setenv(RootEnv, "~/repo/sub")
	t.Setenv("PWD", "")
	t.Setenv("INIT_CWD", "")

	root, err := DetectRoot()
	require.NoError(t, err)
	assert.Equal(t, repo, root)
}

func TestDetectRootWithoutGit(t *testing.T) {
	dir := t.TempDir()

	t.Setenv(RootEnv, dir)

	root, err := DetectRoot()
	require.NoError(t, err)
	if _, ok := FindGitRoot(dir); !ok {
		assert.Equal(t, filepath.Clean(dir), root)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeFixed, false},
		{"fixed", ModeFixed, false},
		{"GIT", ModeGit, false},
		{" any ", ModeAny, false},
		{"home", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScopeResolve(t *testing.T) {
	tmp := t.TempDir()
	repo, sub := makeRepo(t, tmp)
	outside := filepath.Join(tmp, "outside", "file.json")

	t.Run("fixed allows paths under root", func(t *testing.T) {
		s := Scope{Root: repo, Mode: ModeFixed}
		got, err := s.Resolve("sub/pack.json")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(sub, "pack.json"), got)
	})

	t.Run("fixed rejects escapes", func(t *testing.T) {
		s := Scope{Root: repo, Mode: ModeFixed}
		_, err := s.Resolve("../outside/file.json")
		assert.ErrorIs(t, err, ErrOutsideScope)
	})

	t.Run("git allows other repositories", func(t *testing.T) {
		s := Scope{Root: sub, Mode: ModeGit}
		got, err := s.Resolve(filepath.Join(repo, "x.json"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(repo, "x.json"), got)
	})

	t.Run("any allows everything", func(t *testing.T) {
		s := Scope{Root: repo, Mode: ModeAny}
		got, err := s.Resolve(outside)
		require.NoError(t, err)
		assert.Equal(t, outside, got)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Scope{Root: repo}.Resolve("")
		assert.Error(t, err)
	})
}
