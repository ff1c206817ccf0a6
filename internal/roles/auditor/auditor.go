// Package auditor taps the event bus read-only and checks the engine's
// invariants from the outside: only the engine publishes task and step
// transitions, every transition is legal, and no two steps of a task run at
// the same time. Every observed message is appended to a JSONL audit log.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/taskflow/internal/types"
)

const (
	anomalyNone         = "none"
	anomalySingleWriter = "single_writer_violation"
	anomalyTransition   = "illegal_transition"
	anomalyOverlap      = "step_overlap"
)

// maxFindings caps each finding list in the report.
const maxFindings = 100

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType]struct {
	from types.Role
	to   types.Role
}{
	types.MsgTaskState: {types.RoleEngine, types.RoleObserver},
	types.MsgStepState: {types.RoleEngine, types.RoleObserver},
}

// legal task transitions; the empty state is "not seen yet".
var taskTransitions = map[types.TaskState][]types.TaskState{
	"":                  {types.TaskPending, types.TaskCompleted, types.TaskFailed},
	types.TaskPending:   {types.TaskPlanning, types.TaskFailed},
	types.TaskPlanning:  {types.TaskExecuting, types.TaskFailed},
	types.TaskExecuting: {types.TaskCompleted, types.TaskFailed},
}

// legal step transitions; a step is pending until its first event.
var stepTransitions = map[types.StepStatus][]types.StepStatus{
	types.StepPending: {types.StepRunning, types.StepFailed},
	types.StepRunning: {types.StepCompleted, types.StepFailed},
}

type taskView struct {
	state   types.TaskState
	steps   map[int]types.StepStatus
	running int // index of the running step, -1 when none
}

// Auditor checks bus traffic against the engine's invariants.
type Auditor struct {
	tap     <-chan types.Message
	logPath string

	mu       sync.Mutex
	logFile  *os.File
	tasks    map[string]*taskView // open tasks only
	observed int
	steps    int
	report   types.AuditReport
}

// New creates an Auditor. An empty logPath disables the JSONL log.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:     tap,
		logPath: logPath,
		tasks:   make(map[string]*taskView),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap closes.
func (a *Auditor) Run(ctx context.Context) {
	if a.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
			log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		} else if f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			log.Printf("[AUDIT] ERROR: open log file: %v", err)
		} else {
			a.mu.Lock()
			a.logFile = f
			a.mu.Unlock()
			defer func() {
				a.mu.Lock()
				a.logFile = nil
				a.mu.Unlock()
				f.Close()
			}()
			log.Printf("[AUDIT] started; writing to %s", a.logPath)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// Report returns what the auditor has observed so far.
//
// Expectations:
//   - Counts distinct tasks and step events observed
//   - Lists every finding per category, capped at 100 each
//   - Finding lists are empty, never nil
func (a *Auditor) Report() types.AuditReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.report
	r.TasksObserved = a.observed
	r.StepsObserved = a.steps
	r.SingleWriterFaults = append([]string{}, r.SingleWriterFaults...)
	r.IllegalTransitions = append([]string{}, r.IllegalTransitions...)
	r.StepOverlaps = append([]string{}, r.StepOverlaps...)
	return r
}

// process checks one message and appends it to the audit log.
//
// Expectations:
//   - Flags a task or step event not published engine→observer as a single-writer violation
//   - Flags task and step transitions outside the state machine as illegal
//   - Flags a step entering running while another step of the same task is running as an overlap
//   - Forgets a task once its terminal state has been checked
func (a *Auditor) process(msg types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anomaly := anomalyNone
	var detail *string
	flag := func(kind, d string) {
		anomaly = kind
		detail = &d
		log.Printf("[AUDIT] %s: %s", kind, d)
		switch kind {
		case anomalySingleWriter:
			a.report.SingleWriterFaults = appendCapped(a.report.SingleWriterFaults, d)
		case anomalyTransition:
			a.report.IllegalTransitions = appendCapped(a.report.IllegalTransitions, d)
		case anomalyOverlap:
			a.report.StepOverlaps = appendCapped(a.report.StepOverlaps, d)
		}
	}

	if allowed, ok := allowedPaths[msg.Type]; ok {
		if msg.From != allowed.from || msg.To != allowed.to {
			flag(anomalySingleWriter, fmt.Sprintf("expected %s→%s for %s, got %s→%s",
				allowed.from, allowed.to, msg.Type, msg.From, msg.To))
		}
	}

	var taskID string
	switch p := msg.Payload.(type) {
	case types.TaskEvent:
		taskID = p.TaskID
		v := a.view(p.TaskID)
		if !allowedTask(v.state, p.State) {
			flag(anomalyTransition, fmt.Sprintf("task %s: %s → %s", p.TaskID, orNone(string(v.state)), p.State))
		}
		v.state = p.State
		if p.State.Terminal() {
			delete(a.tasks, p.TaskID)
		}
	case types.StepEvent:
		taskID = p.TaskID
		a.steps++
		v := a.view(p.TaskID)
		prev, seen := v.steps[p.Index]
		if !seen {
			prev = types.StepPending
		}
		if !allowedStep(prev, p.Status) {
			flag(anomalyTransition, fmt.Sprintf("task %s step %d: %s → %s", p.TaskID, p.Index, prev, p.Status))
		}
		switch {
		case p.Status == types.StepRunning:
			if v.running >= 0 && v.running != p.Index {
				flag(anomalyOverlap, fmt.Sprintf("task %s: step %d started while step %d running", p.TaskID, p.Index, v.running))
			}
			v.running = p.Index
		case p.Status.Terminal() && v.running == p.Index:
			v.running = -1
		}
		v.steps[p.Index] = p.Status
	}

	a.writeEvent(types.AuditEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		FromRole:    msg.From,
		MessageType: string(msg.Type),
		TaskID:      taskID,
		Anomaly:     anomaly,
		Detail:      detail,
	})
}

func (a *Auditor) view(taskID string) *taskView {
	v := a.tasks[taskID]
	if v == nil {
		v = &taskView{steps: make(map[int]types.StepStatus), running: -1}
		a.tasks[taskID] = v
		a.observed++
	}
	return v
}

func allowedTask(from, to types.TaskState) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func allowedStep(from, to types.StepStatus) bool {
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func appendCapped(list []string, s string) []string {
	if len(list) >= maxFindings {
		return list
	}
	return append(list, s)
}

// writeEvent appends e to the log file. Caller holds a.mu.
func (a *Auditor) writeEvent(e types.AuditEvent) {
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}
