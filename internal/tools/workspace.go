package tools

import (
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceDir returns the directory generated code is written to and run in.
// Reads $TASKFLOW_WORKSPACE; defaults to ~/.cache/taskflow/workspace.
func WorkspaceDir() string {
	if env := os.Getenv("TASKFLOW_WORKSPACE"); env != "" {
		return ExpandHome(env)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "taskflow", "workspace")
}

// EnsureWorkspace creates the workspace directory if it does not exist.
func EnsureWorkspace() error {
	return os.MkdirAll(WorkspaceDir(), 0o755)
}

// ExpandHome replaces a leading "~/" or a bare "~" with the user's home directory.
// Returns path unchanged if it does not start with "~".
//
// Expectations:
//   - Expands "~/foo" to "<home>/foo"
//   - Expands bare "~" to "<home>"
//   - Returns path unchanged when it does not start with "~"
//   - Returns path unchanged for "/absolute/path"
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
