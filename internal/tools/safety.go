package tools

import (
	"os"
	"strings"
)

// irreversiblePrefixes are shell command prefixes that destroy data.
var irreversiblePrefixes = []struct {
	prefix string
	reason string
}{
	{"rm ", "deletes files"},
	{"sudo rm ", "deletes files with root privileges"},
	{"rmdir ", "removes directories"},
	{"truncate ", "truncates file contents"},
	{"shred ", "irrecoverably overwrites files"},
	{"mkfs", "formats a filesystem"},
}

// IsIrreversibleShell reports whether any line of a shell script runs a
// command that cannot be undone, with a short reason.
//
// Expectations:
//   - Returns true for "rm " commands (including rm -rf)
//   - Returns true for "sudo rm", "rmdir", "truncate", "shred" and "mkfs" commands
//   - Returns true for "dd " with an "of=" argument
//   - Returns true for "find " commands containing " -delete" or "-exec rm"
//   - Returns false for plain find without -delete (read-only)
//   - Returns false for read-only commands
func IsIrreversibleShell(script string) (bool, string) {
	for _, line := range strings.Split(script, "\n") {
		for _, part := range splitCommands(line) {
			cmd := strings.TrimSpace(part)
			if cmd == "" || strings.HasPrefix(cmd, "#") {
				continue
			}
			for _, p := range irreversiblePrefixes {
				if strings.HasPrefix(cmd, p.prefix) {
					return true, strings.TrimSpace(p.prefix) + " " + p.reason
				}
			}
			if strings.HasPrefix(cmd, "dd ") && strings.Contains(cmd, "of=") {
				return true, "dd writes raw blocks to a target"
			}
			if strings.HasPrefix(cmd, "find ") && (strings.Contains(cmd, " -delete") || strings.Contains(cmd, "-exec rm")) {
				return true, "find deletes matched files"
			}
		}
	}
	return false, ""
}

// splitCommands splits a shell line on the chaining operators ;, && and ||.
func splitCommands(line string) []string {
	r := strings.NewReplacer("&&", "\x00", "||", "\x00", ";", "\x00")
	return strings.Split(r.Replace(line), "\x00")
}

// IsIrreversibleWriteFile reports whether writing path would overwrite an
// existing regular file.
//
// Expectations:
//   - Returns true when path exists and is a regular file
//   - Returns false when path does not exist (creating a new file is safe)
//   - Returns false when path is a directory
func IsIrreversibleWriteFile(path string) (bool, string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false, ""
	}
	return true, "overwrites existing file " + path
}
