package tools

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

const defaultShellTimeout = 30 * time.Second

// RunShellIn executes cmd in a bash shell with dir as the working directory.
// An empty dir inherits the process working directory; a non-positive
// timeout selects the 30s default.
func RunShellIn(ctx context.Context, dir, cmd string, timeout time.Duration) (stdout, stderr string, err error) {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, "bash", "-c", cmd)
	c.Dir = dir

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err = c.Run()
	return outBuf.String(), errBuf.String(), err
}
