package tools

import (
	"os"
	"path/filepath"
)

// WriteFile writes content to the file at path, creating it and any missing
// parent directories if necessary.
func WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
