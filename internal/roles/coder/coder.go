// Package coder is the code-task capability: it asks an LLM for a solution,
// pulls the code out of the reply, and can optionally run it in the workspace.
package coder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/taskflow/internal/llm"
	"github.com/haricheung/taskflow/internal/tasklog"
	"github.com/haricheung/taskflow/internal/tools"
)

const systemPrompt = `You are an expert software engineer. Write correct, readable code for the user's task.

Guidelines:
- Include the imports the code needs.
- Handle errors and obvious edge cases.
- Prefer the standard library of the chosen language.
- When no language is requested, use Python.

Reply with:
1. The complete solution in ONE fenced code block tagged with its language.
2. A short explanation of how it works and any assumptions.`

const (
	DefaultAttempts  = 3
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 10 * time.Second
)

// Chatter is the slice of the LLM client the coder needs.
type Chatter interface {
	Chat(ctx context.Context, system, user string) (string, llm.Usage, error)
}

// Config tunes retries and code execution. Zero values select defaults.
type Config struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Run        bool          // execute python/bash/javascript results in Workspace
	RunTimeout time.Duration // per execution; 0 selects the shell default
	Workspace  string        // defaults to tools.WorkspaceDir()
}

// RunOutput records an execution of the generated code.
type RunOutput struct {
	Command string `json:"command,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Error   string `json:"error,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

// Result is the payload recorded as the step result.
type Result struct {
	Success     bool       `json:"success"`
	Code        string     `json:"code"`
	Language    string     `json:"language"`
	Explanation string     `json:"explanation,omitempty"`
	Output      *RunOutput `json:"output,omitempty"`
}

// Coder implements types.Capability for code-task steps.
type Coder struct {
	primary  Chatter
	fallback Chatter
	cfg      Config
}

// New creates a Coder. fallback may be nil.
func New(primary, fallback Chatter, cfg Config) *Coder {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Workspace == "" {
		cfg.Workspace = tools.WorkspaceDir()
	}
	return &Coder{primary: primary, fallback: fallback, cfg: cfg}
}

// Run generates code for instruction.
//
// Expectations:
//   - Each attempt tries the primary model, then the fallback model when the primary fails
//   - Failed attempts are retried with exponential backoff up to Config.Attempts
//   - Returns the last error once every attempt has failed
//   - Stops retrying as soon as ctx is done
//   - Executes the code only when Config.Run is set and the language is runnable
func (c *Coder) Run(ctx context.Context, instruction string) (any, error) {
	user := fmt.Sprintf("Task: %s\n\nPlease provide a complete solution for this task.", instruction)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		reply, err := c.generate(ctx, user, attempt)
		if err == nil {
			res := parseReply(reply)
			if c.cfg.Run {
				res.Output = c.execute(ctx, res)
				if res.Output != nil && res.Output.Error != "" {
					res.Success = false
				}
			}
			return res, nil
		}
		lastErr = err
		log.Printf("[CODE] attempt %d/%d failed: %v", attempt, c.cfg.Attempts, err)
		if attempt == c.cfg.Attempts {
			break
		}
		if err := sleep(ctx, backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("code generation failed after %d attempts: %w", c.cfg.Attempts, lastErr)
}

func (c *Coder) generate(ctx context.Context, user string, attempt int) (string, error) {
	reply, err := c.chat(ctx, c.primary, user, attempt)
	if err == nil || c.fallback == nil || ctx.Err() != nil {
		return reply, err
	}
	log.Printf("[CODE] primary model failed: %v; switching to fallback", err)
	return c.chat(ctx, c.fallback, user, attempt)
}

func (c *Coder) chat(ctx context.Context, m Chatter, user string, attempt int) (string, error) {
	reply, usage, err := m.Chat(ctx, systemPrompt, user)
	tasklog.FromContext(ctx).LLMCall("coder", systemPrompt, user, reply, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, attempt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(llm.StripThinkBlocks(reply)) == "" {
		return "", errors.New("empty reply")
	}
	return reply, nil
}

// backoff returns base*2^(attempt-1) capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var codeBlockRe = regexp.MustCompile("```(\\w*)\\n([\\s\\S]*?)```")

// parseReply extracts the first fenced block as the code and the remaining
// prose as the explanation.
//
// Expectations:
//   - The first fenced block's body becomes Code and its tag becomes Language
//   - An untagged block gets language "text"
//   - Without a fenced block the whole reply is the code and the language is guessed
func parseReply(reply string) Result {
	reply = llm.StripThinkBlocks(reply)
	m := codeBlockRe.FindStringSubmatch(reply)
	if m == nil {
		return Result{
			Success:     true,
			Code:        reply,
			Language:    guessLanguage(reply),
			Explanation: "No separate explanation provided.",
		}
	}
	lang := strings.ToLower(m[1])
	if lang == "" {
		lang = "text"
	}
	return Result{
		Success:     true,
		Code:        strings.TrimSpace(m[2]),
		Language:    lang,
		Explanation: strings.TrimSpace(codeBlockRe.ReplaceAllString(reply, "")),
	}
}

// guessLanguage looks for tell-tale syntax in unfenced code.
func guessLanguage(s string) string {
	switch {
	case strings.Contains(s, "def ") && (strings.Contains(s, ":") || strings.Contains(s, "import ")):
		return "python"
	case strings.Contains(s, "function ") && (strings.Contains(s, "{") || strings.Contains(s, "=>")):
		return "javascript"
	case strings.Contains(s, "public class ") || strings.Contains(s, "import java."):
		return "java"
	}
	return "text"
}

type runner struct {
	ext string
	cmd string
}

var runners = map[string]runner{
	"python":     {".py", "python3"},
	"py":         {".py", "python3"},
	"bash":       {".sh", "bash"},
	"sh":         {".sh", "bash"},
	"shell":      {".sh", "bash"},
	"javascript": {".js", "node"},
	"js":         {".js", "node"},
}

// execute writes the code into the workspace and runs it. Returns nil when
// the language has no runner.
func (c *Coder) execute(ctx context.Context, res Result) *RunOutput {
	r, ok := runners[res.Language]
	if !ok {
		return nil
	}
	if r.cmd == "bash" {
		if bad, reason := tools.IsIrreversibleShell(res.Code); bad {
			log.Printf("[CODE] refusing to run script: %s", reason)
			return &RunOutput{Skipped: "irreversible command: " + reason}
		}
	}

	path := filepath.Join(c.cfg.Workspace, "step_"+uuid.New().String()[:8]+r.ext)
	if bad, reason := tools.IsIrreversibleWriteFile(path); bad {
		return &RunOutput{Skipped: reason}
	}
	if err := tools.WriteFile(path, res.Code); err != nil {
		return &RunOutput{Error: fmt.Sprintf("write %s: %v", path, err)}
	}
	command := r.cmd + " " + filepath.Base(path)

	start := time.Now()
	stdout, stderr, err := tools.RunShellIn(ctx, c.cfg.Workspace, command, c.cfg.RunTimeout)
	out := &RunOutput{Command: command, Stdout: stdout, Stderr: stderr}
	if err != nil {
		out.Error = err.Error()
	}
	tasklog.FromContext(ctx).ToolCall("shell", command, stdout, out.Error, time.Since(start).Milliseconds())
	log.Printf("[CODE] ran %s err=%v", command, err)
	return out
}
