package types

import (
	"context"
	"time"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskPlanning  TaskState = "planning"
	TaskExecuting TaskState = "executing"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StepStatus is the lifecycle status of a single Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step has reached completed or failed.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// StepType is the capability discriminator carried by a Step.
type StepType string

const (
	StepWeb     StepType = "web-interaction"
	StepCode    StepType = "code-task"
	StepUnknown StepType = "unknown"
)

// Task is one end-to-end user request tracked through planning and execution.
// Only the engine goroutine that owns a task mutates it; every other reader
// works on a Clone.
type Task struct {
	ID          string    `json:"task_id"`
	Input       string    `json:"original_task"`
	State       TaskState `json:"status"`
	CurrentStep int       `json:"current_step"`
	Steps       []Step    `json:"steps"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one planned unit of work within a Task.
type Step struct {
	Index       int        `json:"step_index"`
	Type        StepType   `json:"type"`
	Instruction string     `json:"instruction"`
	Status      StepStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	DependsOn   []int      `json:"depends_on,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of t. Step results are shared: they are opaque
// capability payloads and are never mutated after being recorded.
func (t Task) Clone() Task {
	out := t
	if t.Steps != nil {
		out.Steps = make([]Step, len(t.Steps))
		for i, s := range t.Steps {
			if s.DependsOn != nil {
				s.DependsOn = append([]int(nil), s.DependsOn...)
			}
			if s.StartedAt != nil {
				ts := *s.StartedAt
				s.StartedAt = &ts
			}
			if s.FinishedAt != nil {
				ts := *s.FinishedAt
				s.FinishedAt = &ts
			}
			out.Steps[i] = s
		}
	}
	return out
}

// PlanStep is one (type, instruction) pair produced by the plan normalizer.
type PlanStep struct {
	Type        StepType `json:"type"`
	Instruction string   `json:"instruction"`
	DependsOn   []int    `json:"depends_on,omitempty"`
}

// StepResult is the uniform record the step executor produces for one step.
type StepResult struct {
	Status    StepStatus
	Result    any
	Err       error
	ElapsedMs int64
}

// Planner turns a task string into a raw, possibly malformed plan payload.
type Planner interface {
	Plan(ctx context.Context, task string) (any, error)
}

// Capability performs one step instruction and returns an opaque result.
type Capability interface {
	Run(ctx context.Context, instruction string) (any, error)
}

// CapabilityFunc adapts a plain function to Capability.
type CapabilityFunc func(ctx context.Context, instruction string) (any, error)

// Run calls f.
func (f CapabilityFunc) Run(ctx context.Context, instruction string) (any, error) {
	return f(ctx, instruction)
}

// PlannerFunc adapts a plain function to Planner.
type PlannerFunc func(ctx context.Context, task string) (any, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, task string) (any, error) {
	return f(ctx, task)
}

// Role identifies a publisher or consumer on the event bus.
type Role string

const (
	RoleClient   Role = "client"
	RoleEngine   Role = "engine"
	RoleExecutor Role = "executor"
	RoleObserver Role = "observer"
	RoleAuditor  Role = "auditor"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgTaskState MessageType = "TaskState" // engine → observers: task changed state
	MsgStepState MessageType = "StepState" // engine → observers: step changed status
)

// Message is the envelope for all events on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// TaskEvent is published whenever a task enters a new state.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	State     TaskState `json:"state"`
	StepCount int       `json:"step_count"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// StepEvent is published whenever a step changes status.
type StepEvent struct {
	TaskID    string     `json:"task_id"`
	Index     int        `json:"step_index"`
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	ElapsedMs int64      `json:"elapsed_ms,omitempty"`
}

// AuditEvent is written to the audit log by the auditor
type AuditEvent struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    Role    `json:"from_role"`
	MessageType string  `json:"message_type"`
	TaskID      string  `json:"task_id,omitempty"`
	Anomaly     string  `json:"anomaly"` // "single_writer_violation" | "illegal_transition" | "step_overlap" | "none"
	Detail      *string `json:"detail"`
}

// AuditReport summarises what the auditor observed since start-up.
type AuditReport struct {
	TasksObserved      int      `json:"tasks_observed"`
	StepsObserved      int      `json:"steps_observed"`
	SingleWriterFaults []string `json:"single_writer_faults"`
	IllegalTransitions []string `json:"illegal_transitions"`
	StepOverlaps       []string `json:"step_overlaps"`
}
