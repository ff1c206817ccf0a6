// Package tasklog provides per-task structured logging for the orchestration engine.
//
// Each task gets one JSONL file in a configurable directory. Events capture every
// key stage: the normalized plan, step dispatch and outcome, LLM calls made by
// capabilities (with full prompts), and shell runs of generated code.
//
// Design constraints:
//   - All TaskLog methods are nil-safe (no-op on nil receiver) so callers don't need
//     nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; capabilities never open files.
//   - The engine opens a log when a task starts and closes it when the task ends.
//   - Capabilities reach the log through the step context (FromContext) and never
//     hold it across steps.
package tasklog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the task log.
type EventKind string

const (
	KindTaskBegin EventKind = "task_begin"
	KindTaskEnd   EventKind = "task_end"
	KindPlan      EventKind = "plan"
	KindStepBegin EventKind = "step_begin"
	KindStepEnd   EventKind = "step_end"
	KindLLMCall   EventKind = "llm_call"
	KindToolCall  EventKind = "tool_call"
)

// PlannedStep is the plan entry recorded by a plan event.
type PlannedStep struct {
	Type        string `json:"type"`
	Instruction string `json:"instruction"`
	DependsOn   []int  `json:"depends_on,omitempty"`
}

// Event is one JSONL line in the task log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// task_begin / task_end
	TaskID        string     `json:"task_id,omitempty"`
	Input         string     `json:"input,omitempty"`
	Status        string     `json:"status,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ElapsedMs     int64      `json:"elapsed_ms,omitempty"`
	TotalTokens   int        `json:"total_tokens,omitempty"`
	RoleStats     []RoleStat `json:"role_stats,omitempty"`      // task_end only
	ToolCallCount int        `json:"tool_call_count,omitempty"` // task_end only

	// plan
	Steps []PlannedStep `json:"steps,omitempty"`

	// step_begin / step_end / tool_call
	StepIndex   *int   `json:"step_index,omitempty"` // pointer: step 0 must be serialised
	StepType    string `json:"step_type,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Error       string `json:"error,omitempty"`

	// llm_call
	Role             string `json:"role,omitempty"` // "planner" | "coder"
	SystemPrompt     string `json:"system_prompt,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Attempt          int    `json:"attempt,omitempty"` // 1-indexed capability retry; omitted for single attempts

	// tool_call
	Tool       string `json:"tool,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	ToolError  string `json:"tool_error,omitempty"`
}

// TaskStats aggregates all cost metrics for a task.
//
// Expectations:
//   - Roles is sorted in canonical order (planner, coder)
//   - ToolCallCount equals the total number of ToolCall invocations
type TaskStats struct {
	Roles         []RoleStat `json:"roles"`
	ToolCallCount int        `json:"tool_call_count"`
}

// RoleStat summarises LLM usage for one role across all calls in a task.
type RoleStat struct {
	Role             string `json:"role"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

type roleStat struct {
	calls            int
	promptTokens     int
	completionTokens int
	elapsedMs        int64
}

// canonicalRoleOrder defines the display order for RoleStats().
var canonicalRoleOrder = []string{"planner", "coder"}

// TaskLog is a handle for writing structured events for one task.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TaskLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type TaskLog struct {
	taskID           string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
	roleStats        map[string]*roleStat
	toolCallCount    int
}

// Registry maps task IDs to open TaskLogs.
// It is the sole authority for creating and closing task log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a task_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same taskID
//   - Get returns nil for unknown task IDs
//   - Close writes task_end with status, error kind, elapsed_ms, total_tokens before flushing
//   - Close removes the taskID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when taskID is not registered
//   - A nil *Registry opens nil logs
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*TaskLog
}

// NewRegistry creates a Registry that writes one JSONL file per task under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		logs: make(map[string]*TaskLog),
	}
}

// Dir returns the directory task logs are written to.
func (r *Registry) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Open creates a new TaskLog for taskID, writes a task_begin event, and registers it.
func (r *Registry) Open(taskID, input string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[taskID]; ok {
		return tl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, taskID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	tl := &TaskLog{taskID: taskID, started: time.Now(), f: f, roleStats: make(map[string]*roleStat)}
	r.logs[taskID] = tl
	tl.write(Event{
		Kind:   KindTaskBegin,
		TaskID: taskID,
		Input:  input,
	})
	return tl
}

// Get returns the TaskLog for taskID, or nil if not found.
// Nil is safe to pass to all TaskLog methods.
func (r *Registry) Get(taskID string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[taskID]
}

// Close writes a task_end event, flushes and closes the file, and removes the
// entry from the registry. Safe to call on a nil *Registry or unknown taskID.
func (r *Registry) Close(taskID, status, errorKind string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	tl, ok := r.logs[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, taskID)
	r.mu.Unlock()

	stats := tl.Stats()
	tl.mu.Lock()
	elapsed := time.Since(tl.started).Milliseconds()
	total := tl.promptTokens + tl.completionTokens
	tl.mu.Unlock()

	tl.write(Event{
		Kind:          KindTaskEnd,
		TaskID:        taskID,
		Status:        status,
		ErrorKind:     errorKind,
		ElapsedMs:     elapsed,
		TotalTokens:   total,
		RoleStats:     stats.Roles,
		ToolCallCount: stats.ToolCallCount,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// Plan writes a plan event with the normalized steps.
func (tl *TaskLog) Plan(steps []PlannedStep) {
	if tl == nil {
		return
	}
	tl.write(Event{Kind: KindPlan, TaskID: tl.taskID, Steps: steps})
}

// StepBegin writes a step_begin event.
func (tl *TaskLog) StepBegin(index int, stepType, instruction string) {
	if tl == nil {
		return
	}
	i := index
	tl.write(Event{
		Kind:        KindStepBegin,
		StepIndex:   &i,
		StepType:    stepType,
		Instruction: instruction,
	})
}

// StepEnd writes a step_end event. errMsg is empty on success.
func (tl *TaskLog) StepEnd(index int, status, errMsg, errorKind string, elapsedMs int64) {
	if tl == nil {
		return
	}
	i := index
	tl.write(Event{
		Kind:      KindStepEnd,
		StepIndex: &i,
		Status:    status,
		Error:     errMsg,
		ErrorKind: errorKind,
		ElapsedMs: elapsedMs,
	})
}

// LLMCall writes an llm_call event with full prompts, response, token counts, and elapsed time.
// elapsedMs is the wall-clock ms for the LLM HTTP call (from llm.Usage.ElapsedMs).
// attempt is 1-indexed for retried capability calls; pass 0 for single-call roles.
func (tl *TaskLog) LLMCall(role, systemPrompt, userPrompt, response string, promptToks, completionToks int, elapsedMs int64, attempt int) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.promptTokens += promptToks
	tl.completionTokens += completionToks
	rs := tl.roleStats[role]
	if rs == nil {
		rs = &roleStat{}
		tl.roleStats[role] = rs
	}
	rs.calls++
	rs.promptTokens += promptToks
	rs.completionTokens += completionToks
	rs.elapsedMs += elapsedMs
	tl.mu.Unlock()
	tl.write(Event{
		Kind:             KindLLMCall,
		Role:             role,
		SystemPrompt:     systemPrompt,
		UserPrompt:       userPrompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		ElapsedMs:        elapsedMs,
		Attempt:          attempt,
	})
}

// ToolCall writes a tool_call event. toolError is empty on success.
//
// Expectations:
//   - ToolCallCount increments by 1 per invocation
//   - No-op on nil receiver
func (tl *TaskLog) ToolCall(tool, toolInput, toolOutput, toolError string, elapsedMs int64) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.toolCallCount++
	tl.mu.Unlock()
	tl.write(Event{
		Kind:       KindToolCall,
		Tool:       tool,
		ToolInput:  toolInput,
		ToolOutput: toolOutput,
		ToolError:  toolError,
		ElapsedMs:  elapsedMs,
	})
}

// RoleStats returns a snapshot of per-role LLM usage sorted by canonical order.
// Roles that made no LLM calls are omitted; roles outside the canonical order
// are not reported.
//
// Expectations:
//   - Returns one entry per canonical role that called LLMCall
//   - Calls count matches number of LLMCall invocations per role
//   - PromptTokens and CompletionTokens match the sum across calls for that role
//   - ElapsedMs matches the sum of all elapsedMs values for that role
func (tl *TaskLog) RoleStats() []RoleStat {
	if tl == nil {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var out []RoleStat
	for _, role := range canonicalRoleOrder {
		rs, ok := tl.roleStats[role]
		if !ok {
			continue
		}
		out = append(out, RoleStat{
			Role:             role,
			Calls:            rs.calls,
			PromptTokens:     rs.promptTokens,
			CompletionTokens: rs.completionTokens,
			ElapsedMs:        rs.elapsedMs,
		})
	}
	return out
}

// Stats returns a snapshot of all cost metrics for the live task.
//
// Expectations:
//   - Returns an empty TaskStats on nil receiver
//   - Includes accumulated role stats and tool call count
func (tl *TaskLog) Stats() TaskStats {
	if tl == nil {
		return TaskStats{}
	}
	tl.mu.Lock()
	tc := tl.toolCallCount
	tl.mu.Unlock()
	return TaskStats{
		Roles:         tl.RoleStats(), // takes its own lock internally
		ToolCallCount: tc,
	}
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (tl *TaskLog) TotalTokens() int {
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.promptTokens + tl.completionTokens
}

// write appends one JSON line to the task log file. Adds timestamp, mutex-protected.
func (tl *TaskLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying tl.
func WithContext(ctx context.Context, tl *TaskLog) context.Context {
	if tl == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tl)
}

// FromContext returns the TaskLog carried by ctx, or nil.
// Nil is safe to pass to all TaskLog methods.
func FromContext(ctx context.Context) *TaskLog {
	tl, _ := ctx.Value(ctxKey{}).(*TaskLog)
	return tl
}
