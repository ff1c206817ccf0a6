// Package planner is the LLM-backed planning capability. It asks the model to
// split a task into typed steps and hands back whatever the model produced;
// shaping that payload into a plan is the normalizer's job.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/haricheung/taskflow/internal/llm"
	"github.com/haricheung/taskflow/internal/tasklog"
)

const systemPrompt = `You are a planning agent. You break a user task down into steps for specialized agents.

Agents:
- web-interaction: browsing, searching, reading pages, filling forms.
- code-task: writing code, running computations, data transformation.

Rules:
- PREFER one step for any simple request.
- Order steps so that each one can run after the previous ones have finished.
- When a step needs the result of an earlier step, list that step's zero-based index in "depends_on".
- Each instruction must be self-contained: repeat any URL, file name or value the agent needs.

Output ONLY a JSON array (no wrapper, no markdown, no prose):
[
  {"type": "web-interaction", "instruction": "<one concrete action>", "depends_on": []}
]`

// Chatter is the slice of the LLM client the planner needs.
type Chatter interface {
	Chat(ctx context.Context, system, user string) (string, llm.Usage, error)
}

// Planner implements types.Planner.
type Planner struct {
	llm Chatter
}

// New creates a Planner.
func New(c Chatter) *Planner {
	return &Planner{llm: c}
}

// Plan asks the model for a step list.
//
// Expectations:
//   - Returns the decoded JSON value when the reply (after think-block and fence stripping) is valid JSON
//   - Returns {"plan": <text>} when the reply is not JSON
//   - Wraps the LLM error when the call fails
//   - Records the call in the task log carried by ctx, if any
func (p *Planner) Plan(ctx context.Context, task string) (any, error) {
	user := fmt.Sprintf("Task: %s\n\nBreak this task into steps.", task)

	raw, usage, err := p.llm.Chat(ctx, systemPrompt, user)
	tasklog.FromContext(ctx).LLMCall("planner", systemPrompt, user, raw, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, 0)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	clean := llm.StripFences(raw)
	var decoded any
	if err := json.Unmarshal([]byte(clean), &decoded); err != nil {
		log.Printf("[PLANNER] reply is not JSON, returning as text (%d bytes)", len(clean))
		return map[string]any{"plan": strings.TrimSpace(llm.StripThinkBlocks(raw))}, nil
	}
	log.Printf("[PLANNER] decoded plan in %dms tokens=%d", usage.ElapsedMs, usage.TotalTokens)
	return decoded, nil
}
