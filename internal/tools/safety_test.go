package tools

import (
	"os"
	"path/filepath"
	"testing"
)

// ── IsIrreversibleShell ───────────────────────────────────────────────────────

func TestIsIrreversibleShell_ReturnsTrueForRm(t *testing.T) {
	// Returns true for "rm " commands (including rm -rf)
	ok, reason := IsIrreversibleShell("rm -rf /tmp/foo")
	if !ok {
		t.Error("expected true for rm command")
	}
	if reason == "" {
		t.Error("expected non-empty reason")
	}
}

func TestIsIrreversibleShell_ReturnsTrueForDestructiveCommands(t *testing.T) {
	// Returns true for "sudo rm", "rmdir", "truncate", "shred" and "mkfs" commands
	for _, cmd := range []string{
		"sudo rm -rf /tmp/foo",
		"rmdir /tmp/mydir",
		"truncate -s 0 myfile.log",
		"shred -u secrets.txt",
		"mkfs.ext4 /dev/sdb1",
	} {
		ok, reason := IsIrreversibleShell(cmd)
		if !ok {
			t.Errorf("expected true for %q", cmd)
		}
		if reason == "" {
			t.Errorf("expected non-empty reason for %q", cmd)
		}
	}
}

func TestIsIrreversibleShell_ReturnsTrueForDdWithOf(t *testing.T) {
	// Returns true for "dd " with an "of=" argument
	ok, _ := IsIrreversibleShell("dd if=/dev/zero of=/dev/sda bs=4M")
	if !ok {
		t.Error("expected true for dd with of= command")
	}
}

func TestIsIrreversibleShell_ReturnsTrueForFindDelete(t *testing.T) {
	// Returns true for "find " commands containing " -delete" or "-exec rm"
	for _, cmd := range []string{
		`find /tmp -maxdepth 1 -type f -name "*.log" -delete`,
		`find /tmp -name "*.log" -exec rm {} \;`,
	} {
		if ok, _ := IsIrreversibleShell(cmd); !ok {
			t.Errorf("expected true for %q", cmd)
		}
	}
}

func TestIsIrreversibleShell_DetectsCommandLaterInScript(t *testing.T) {
	// A destructive command on a later line or after && is still detected
	script := "#!/bin/bash\necho start\ncd /tmp && rm -rf build"
	if ok, _ := IsIrreversibleShell(script); !ok {
		t.Error("expected true for chained rm")
	}
}

func TestIsIrreversibleShell_ReturnsFalseForFindWithoutDelete(t *testing.T) {
	// Returns false for plain find without -delete (read-only)
	ok, _ := IsIrreversibleShell(`find /tmp -type f -name "*.log"`)
	if ok {
		t.Error("expected false for find without -delete")
	}
}

func TestIsIrreversibleShell_ReturnsFalseForReadOnlyCommands(t *testing.T) {
	// Returns false for read-only commands
	readOnly := []string{
		"ls -la /tmp",
		"cat /etc/hosts",
		"grep -r foo /tmp",
		"find . -name '*.go'",
		"echo hello",
		"wc -l file.txt",
		"# rm -rf / (comment)",
	}
	for _, cmd := range readOnly {
		ok, reason := IsIrreversibleShell(cmd)
		if ok {
			t.Errorf("expected false for read-only command %q, got true (reason: %s)", cmd, reason)
		}
	}
}

// ── IsIrreversibleWriteFile ───────────────────────────────────────────────────

func TestIsIrreversibleWriteFile_ReturnsTrueWhenFileExists(t *testing.T) {
	// Returns true when path exists and is a regular file
	tmp := filepath.Join(t.TempDir(), "existing.txt")
	if err := os.WriteFile(tmp, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	ok, reason := IsIrreversibleWriteFile(tmp)
	if !ok {
		t.Error("expected true for existing file")
	}
	if reason == "" {
		t.Error("expected non-empty reason")
	}
}

func TestIsIrreversibleWriteFile_ReturnsFalseWhenFileAbsent(t *testing.T) {
	// Returns false when path does not exist (creating a new file is safe)
	missing := filepath.Join(t.TempDir(), "nonexistent.txt")
	if ok, _ := IsIrreversibleWriteFile(missing); ok {
		t.Error("expected false for non-existent path")
	}
}

func TestIsIrreversibleWriteFile_ReturnsFalseForDirectory(t *testing.T) {
	// Returns false when path is a directory
	if ok, _ := IsIrreversibleWriteFile(t.TempDir()); ok {
		t.Error("expected false for directory path")
	}
}

// ── RunShellIn / WriteFile ────────────────────────────────────────────────────

func TestRunShellIn_UsesWorkingDirectory(t *testing.T) {
	// Runs the command with dir as its working directory
	dir := t.TempDir()
	if err := WriteFile(filepath.Join(dir, "nested", "hello.txt"), "hi"); err != nil {
		t.Fatal(err)
	}
	out, _, err := RunShellIn(t.Context(), dir, "cat nested/hello.txt", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hi" {
		t.Errorf("stdout = %q, want hi", out)
	}
}
