// Package workspace locates the workspace root and enforces the path scope
// of action tools.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RootEnv overrides workspace detection when set.
const RootEnv = "ALEPH_WORKSPACE_ROOT"

// Mode is the path scope for action tools
type Mode string

const (
	// ModeFixed restricts paths to the workspace root
	ModeFixed Mode = "fixed"
	// ModeGit allows any path inside a git repository
	ModeGit Mode = "git"
	// ModeAny applies no restriction
	ModeAny Mode = "any"
)

// ErrOutsideScope is returned when a path falls outside the allowed scope
var ErrOutsideScope = errors.New("path outside workspace scope")

// ParseMode parses a mode name, empty means fixed
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFixed:
		return ModeFixed, nil
	case ModeGit:
		return ModeGit, nil
	case ModeAny:
		return ModeAny, nil
	}
	return "", fmt.Errorf("unknown workspace mode %q", s)
}

// DetectRoot returns the workspace root.
//
// ALEPH_WORKSPACE_ROOT wins when set; relative values resolve against $PWD,
// then $INIT_CWD, then the process working directory, and a leading ~ is
// expanded. The result (or the start directory without an override) is
// walked upwards to the nearest directory holding .git. Without one the
// start directory itself is returned.
func DetectRoot() (string, error) {
	start, err := startDir()
	if err != nil {
		return "", err
	}
	if repo, ok := FindGitRoot(start); ok {
		return repo, nil
	}
	return start, nil
}

func startDir() (string, error) {
	base := baseDir()

	override := strings.TrimSpace(os.Getenv(RootEnv))
	if override == "" {
		if base == "" {
			return "", fmt.Errorf("failed to determine working directory")
		}
		return filepath.Clean(base), nil
	}

	path, err := expandHome(override)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		if base == "" {
			return "", fmt.Errorf("failed to resolve relative %s=%q", RootEnv, override)
		}
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path), nil
}

// baseDir prefers the shell's notion of the working directory: launchers
// such as npx change the process cwd but keep PWD or INIT_CWD.
func baseDir() string {
	for _, key := range []string{"PWD", "INIT_CWD"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" && filepath.IsAbs(v) {
			return v
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// FindGitRoot walks up from dir to the nearest directory containing .git
func FindGitRoot(dir string) (string, bool) {
	current := filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// Scope decides which paths action tools may touch
type Scope struct {
	Root string
	Mode Mode
}

// Resolve makes path absolute against the root and checks it against the mode
func (s Scope) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(s.Root, expanded)
	}
	expanded = filepath.Clean(expanded)

	switch s.Mode {
	case ModeAny:
		return expanded, nil
	case ModeGit:
		if _, ok := FindGitRoot(filepath.Dir(expanded)); ok {
			return expanded, nil
		}
		return "", fmt.Errorf("%w: %s is not inside a git repository", ErrOutsideScope, expanded)
	default:
		if within(s.Root, expanded) {
			return expanded, nil
		}
		return "", fmt.Errorf("%w: %s is outside %s", ErrOutsideScope, expanded, s.Root)
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
