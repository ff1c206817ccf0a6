// Package engine is the task state machine. It owns every task from
// submission to a terminal state: it asks the planner for a plan, normalizes
// it, and dispatches each step in order through the router and the step
// executor, committing every transition to the registry and the bus.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/taskflow/internal/bus"
	"github.com/haricheung/taskflow/internal/plan"
	"github.com/haricheung/taskflow/internal/registry"
	"github.com/haricheung/taskflow/internal/roles/executor"
	"github.com/haricheung/taskflow/internal/router"
	"github.com/haricheung/taskflow/internal/tasklog"
	"github.com/haricheung/taskflow/internal/types"
)

// DefaultPlanningTimeout bounds a planner call when Config leaves it unset.
const DefaultPlanningTimeout = 90 * time.Second

// InstructionFunc produces the instruction handed to a step's capability.
// It receives a snapshot of the task with every earlier step already
// terminal, so an implementation may fold prior results into the text.
// The default returns the planned instruction unchanged.
type InstructionFunc func(task types.Task, index int) string

// PlainInstruction is the default InstructionFunc.
func PlainInstruction(task types.Task, index int) string {
	return task.Steps[index].Instruction
}

// Config wires the engine's collaborators. Planner, Router and Registry are required.
type Config struct {
	Planner         types.Planner
	Router          *router.Router
	Executor        *executor.Executor
	Registry        *registry.Registry
	Bus             *bus.Bus          // optional
	Logs            *tasklog.Registry // optional
	PlanningTimeout time.Duration
	Instruction     InstructionFunc
}

type running struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine runs tasks. Each submitted task gets its own goroutine, which is
// the only code path that ever mutates that task.
type Engine struct {
	planner     types.Planner
	router      *router.Router
	exec        *executor.Executor
	reg         *registry.Registry
	b           *bus.Bus
	logs        *tasklog.Registry
	planTimeout time.Duration
	instruction InstructionFunc

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]*running
	wg      sync.WaitGroup
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Planner == nil {
		return nil, errors.New("engine: planner is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("engine: router is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = executor.New(0)
	}
	if cfg.PlanningTimeout <= 0 {
		cfg.PlanningTimeout = DefaultPlanningTimeout
	}
	if cfg.Instruction == nil {
		cfg.Instruction = PlainInstruction
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		planner:     cfg.Planner,
		router:      cfg.Router,
		exec:        cfg.Executor,
		reg:         cfg.Registry,
		b:           cfg.Bus,
		logs:        cfg.Logs,
		planTimeout: cfg.PlanningTimeout,
		instruction: cfg.Instruction,
		baseCtx:     ctx,
		baseCancel:  cancel,
		running:     make(map[string]*running),
	}, nil
}

// Submit records a new pending task and starts it in the background.
//
// Expectations:
//   - Returns ErrEmptyTask for blank input without creating a record
//   - Returns a fresh uuid immediately; planning and execution happen on another goroutine
//   - The task is visible through Status as soon as Submit returns
//   - Returns ErrInterrupted once the engine is shutting down
func (e *Engine) Submit(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", types.ErrEmptyTask
	}
	if e.baseCtx.Err() != nil {
		return "", fmt.Errorf("engine shutting down: %w", types.ErrInterrupted)
	}

	now := time.Now().UTC()
	task := types.Task{
		ID:        uuid.New().String(),
		Input:     input,
		State:     types.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.reg.Create(task); err != nil {
		return "", err
	}
	e.emitTask(task)
	log.Printf("[ENGINE] submitted task=%s input=%q", task.ID, firstN(input, 120))

	ctx, cancel := context.WithCancelCause(e.baseCtx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[task.ID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, task, r)
	return task.ID, nil
}

// Status returns a snapshot of the task, or ErrNotFound.
func (e *Engine) Status(id string) (types.Task, error) {
	return e.reg.Get(id)
}

// List returns snapshots of all tasks, newest first.
func (e *Engine) List() []types.Task {
	return e.reg.List()
}

// Plan runs the planner and the normalizer without creating a task.
//
// Expectations:
//   - Returns ErrEmptyTask for blank input
//   - Returns ErrPlanningUnavailable when the planner fails or times out
//   - Returns ErrMalformedPlan when the planner output has no usable steps
func (e *Engine) Plan(ctx context.Context, input string) ([]types.PlanStep, error) {
	if strings.TrimSpace(input) == "" {
		return nil, types.ErrEmptyTask
	}
	return e.plan(ctx, input)
}

// Cancel stops a running task. The task's own goroutine records the outcome:
// the running step fails as cancelled, remaining steps are failed without
// dispatch, and the task ends failed with ErrCancelled.
//
// Expectations:
//   - Returns ErrNotFound for unknown ids
//   - Returns ErrAlreadyTerminal with the final snapshot when the task had already finished
//   - Returns the failed snapshot once the task goroutine has stopped
//   - Never alters a step that was already terminal
func (e *Engine) Cancel(id string) (types.Task, error) {
	snap, err := e.reg.Get(id)
	if err != nil {
		return types.Task{}, err
	}
	e.mu.Lock()
	r := e.running[id]
	e.mu.Unlock()
	if r == nil || snap.State.Terminal() {
		return snap, fmt.Errorf("task %s is %s: %w", id, snap.State, types.ErrAlreadyTerminal)
	}

	log.Printf("[ENGINE] cancel requested task=%s", id)
	r.cancel(types.ErrCancelled)
	<-r.done

	final, err := e.reg.Get(id)
	if err != nil {
		return types.Task{}, err
	}
	if final.ErrorKind != types.KindOf(types.ErrCancelled) {
		// The task reached a terminal state before the cancel landed.
		return final, fmt.Errorf("task %s is %s: %w", id, final.State, types.ErrAlreadyTerminal)
	}
	return final, nil
}

// Restore loads persisted tasks into the registry. A task that was not
// terminal when the previous process stopped can never resume, so it is
// marked failed with ErrInterrupted together with its unfinished steps.
//
// Expectations:
//   - Terminal tasks are loaded unchanged
//   - Non-terminal tasks are loaded as failed with error kind "interrupted"
//   - Returns the number of tasks marked interrupted
func (e *Engine) Restore(tasks []types.Task) int {
	var interrupted []types.Task
	loaded := make([]types.Task, 0, len(tasks))
	now := time.Now().UTC()
	for _, t := range tasks {
		t = t.Clone()
		if !t.State.Terminal() {
			err := fmt.Errorf("task was %s when the service stopped: %w", t.State, types.ErrInterrupted)
			for i := range t.Steps {
				if !t.Steps[i].Status.Terminal() {
					t.Steps[i].Status = types.StepFailed
					t.Steps[i].Error = types.ErrInterrupted.Error()
					t.Steps[i].ErrorKind = types.KindOf(types.ErrInterrupted)
					t.Steps[i].FinishedAt = &now
				}
			}
			t.State = types.TaskFailed
			t.Error = err.Error()
			t.ErrorKind = types.KindOf(err)
			t.UpdatedAt = now
			interrupted = append(interrupted, t)
		}
		loaded = append(loaded, t)
	}
	e.reg.Load(loaded)
	for _, t := range interrupted {
		// Update re-persists the corrected record.
		if err := e.reg.Update(t); err != nil {
			log.Printf("[ENGINE] WARNING: restore update task=%s: %v", t.ID, err)
		}
		e.emitTask(t)
	}
	log.Printf("[ENGINE] restored %d tasks (%d interrupted)", len(loaded), len(interrupted))
	return len(interrupted)
}

// Wait blocks until every in-flight task has reached a terminal state.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting tasks, interrupts the in-flight ones, and waits
// for them to record their terminal state or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel(types.ErrInterrupted)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Internal — unit of work
// ---------------------------------------------------------------------------

func (e *Engine) run(ctx context.Context, task types.Task, r *running) {
	tl := e.logs.Open(task.ID, task.Input)
	ctx = tasklog.WithContext(ctx, tl)
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ENGINE] PANIC task=%s: %v\n%s", task.ID, rec, debug.Stack())
			e.finish(&task, fmt.Errorf("engine panic: %v: %w", rec, types.ErrOrchestration))
		}
		e.logs.Close(task.ID, string(task.State), task.ErrorKind)
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
		close(r.done)
		e.wg.Done()
	}()

	task.State = types.TaskPlanning
	if !e.commit(&task) {
		return
	}
	e.emitTask(task)

	steps, err := e.plan(ctx, task.Input)
	if err != nil {
		log.Printf("[ENGINE] task=%s planning failed: %v", task.ID, err)
		e.finish(&task, err)
		return
	}

	task.Steps = make([]types.Step, len(steps))
	planned := make([]tasklog.PlannedStep, len(steps))
	for i, s := range steps {
		task.Steps[i] = types.Step{
			Index:       i,
			Type:        s.Type,
			Instruction: s.Instruction,
			Status:      types.StepPending,
			DependsOn:   s.DependsOn,
		}
		planned[i] = tasklog.PlannedStep{Type: string(s.Type), Instruction: s.Instruction, DependsOn: s.DependsOn}
	}
	tl.Plan(planned)
	task.State = types.TaskExecuting
	if !e.commit(&task) {
		return
	}
	e.emitTask(task)
	log.Printf("[ENGINE] task=%s executing %d steps", task.ID, len(task.Steps))

	for i := range task.Steps {
		if ctx.Err() != nil {
			cause := stopCause(ctx)
			e.abandonRemaining(&task, i, cause)
			e.finish(&task, cause)
			return
		}
		if !e.runStep(ctx, &task, i, tl) {
			return
		}
	}
	if ctx.Err() != nil {
		// The last step was interrupted; the task does not complete.
		e.finish(&task, stopCause(ctx))
		return
	}

	task.State = types.TaskCompleted
	if !e.commit(&task) {
		return
	}
	e.emitTask(task)
	log.Printf("[ENGINE] task=%s completed steps=%d failed=%d", task.ID, len(task.Steps), countFailed(task.Steps))
}

// runStep drives step i to a terminal status. It returns false only when the
// registry rejected a commit, which ends the task.
func (e *Engine) runStep(ctx context.Context, task *types.Task, i int, tl *tasklog.TaskLog) bool {
	st := &task.Steps[i]
	task.CurrentStep = i

	for _, d := range st.DependsOn {
		if d < 0 || d >= i || task.Steps[d].Status != types.StepCompleted {
			err := fmt.Errorf("dependency %d not completed for step %d: %w", d, i, types.ErrDependencyFailed)
			log.Printf("[ENGINE] task=%s step=%d skipped: %v", task.ID, i, err)
			return e.failUndispatched(task, i, err, tl)
		}
	}

	route, err := e.router.Resolve(*st)
	if route.Inferred {
		st.Type = route.Type
	}
	if err != nil {
		log.Printf("[ENGINE] task=%s step=%d unroutable: %v", task.ID, i, err)
		return e.failUndispatched(task, i, err, tl)
	}

	started := time.Now().UTC()
	st.Status = types.StepRunning
	st.StartedAt = &started
	if !e.commit(task) {
		return false
	}
	e.emitStep(*task, i, 0)
	tl.StepBegin(i, string(st.Type), st.Instruction)

	dispatch := *st
	dispatch.Instruction = e.instruction(task.Clone(), i)
	res := e.exec.Execute(ctx, route.Capability, dispatch, route.Timeout)

	finished := time.Now().UTC()
	st = &task.Steps[i]
	st.Status = res.Status
	st.FinishedAt = &finished
	if res.Status == types.StepCompleted {
		st.Result = encodable(res.Result)
	} else {
		err := res.Err
		if errors.Is(err, types.ErrCancelled) {
			if cause := stopCause(ctx); !errors.Is(cause, types.ErrCancelled) {
				err = fmt.Errorf("step %d: %w", i, cause)
			}
		}
		st.Error = err.Error()
		st.ErrorKind = types.KindOf(err)
	}
	if !e.commit(task) {
		return false
	}
	e.emitStep(*task, i, res.ElapsedMs)
	tl.StepEnd(i, string(st.Status), st.Error, st.ErrorKind, res.ElapsedMs)
	return true
}

// encodable returns v, or its fmt.Sprint form when v cannot be encoded as
// JSON. Snapshots are served and persisted as JSON.
func encodable(v any) any {
	if _, err := json.Marshal(v); err != nil {
		log.Printf("[ENGINE] step result not JSON-encodable, storing as text: %v", err)
		return fmt.Sprint(v)
	}
	return v
}

// failUndispatched moves a pending step straight to failed.
func (e *Engine) failUndispatched(task *types.Task, i int, err error, tl *tasklog.TaskLog) bool {
	now := time.Now().UTC()
	st := &task.Steps[i]
	st.Status = types.StepFailed
	st.Error = err.Error()
	st.ErrorKind = types.KindOf(err)
	st.FinishedAt = &now
	if !e.commit(task) {
		return false
	}
	e.emitStep(*task, i, 0)
	tl.StepEnd(i, string(st.Status), st.Error, st.ErrorKind, 0)
	return true
}

// abandonRemaining fails every pending step from index from onwards.
func (e *Engine) abandonRemaining(task *types.Task, from int, cause error) {
	now := time.Now().UTC()
	for i := from; i < len(task.Steps); i++ {
		st := &task.Steps[i]
		if st.Status.Terminal() {
			continue
		}
		st.Status = types.StepFailed
		st.Error = cause.Error()
		st.ErrorKind = types.KindOf(cause)
		st.FinishedAt = &now
		e.emitStep(*task, i, 0)
	}
}

// finish moves the task to failed with a task-level error.
func (e *Engine) finish(task *types.Task, err error) {
	task.State = types.TaskFailed
	task.Error = err.Error()
	task.ErrorKind = types.KindOf(err)
	if !e.commit(task) {
		return
	}
	e.emitTask(*task)
	log.Printf("[ENGINE] task=%s failed kind=%s: %v", task.ID, task.ErrorKind, err)
}

// commit stamps UpdatedAt and writes the task to the registry.
func (e *Engine) commit(task *types.Task) bool {
	task.UpdatedAt = time.Now().UTC()
	if err := e.reg.Update(*task); err != nil {
		log.Printf("[ENGINE] ERROR registry write task=%s: %v", task.ID, err)
		return false
	}
	return true
}

func (e *Engine) plan(ctx context.Context, input string) ([]types.PlanStep, error) {
	pctx, cancel := context.WithTimeout(ctx, e.planTimeout)
	defer cancel()

	log.Printf("[ENGINE] planning input=%q", firstN(input, 120))
	raw, err := callPlanner(pctx, e.planner, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("planning stopped: %w", stopCause(ctx))
		}
		if errors.Is(err, types.ErrMalformedPlan) {
			return nil, err
		}
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("planner exceeded %s: %w", e.planTimeout, types.ErrPlanningUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrPlanningUnavailable, err)
	}
	return plan.Normalize(raw)
}

// callPlanner runs the planner on its own goroutine so a planner that ignores
// its context can never hold the task past the planning timeout.
func callPlanner(ctx context.Context, p types.Planner, input string) (any, error) {
	type outcome struct {
		raw any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("planner panic: %v", rec)}
			}
		}()
		raw, err := p.Plan(ctx, input)
		done <- outcome{raw: raw, err: err}
	}()
	select {
	case out := <-done:
		return out.raw, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stopCause reports why ctx was cancelled: ErrCancelled for a user cancel,
// ErrInterrupted for shutdown.
func stopCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, types.ErrCancelled) || errors.Is(cause, types.ErrInterrupted) {
		return cause
	}
	return types.ErrCancelled
}

func (e *Engine) emitTask(t types.Task) {
	e.b.Emit(types.RoleEngine, types.RoleObserver, types.MsgTaskState, types.TaskEvent{
		TaskID:    t.ID,
		State:     t.State,
		StepCount: len(t.Steps),
		Error:     t.Error,
		ErrorKind: t.ErrorKind,
	})
}

func (e *Engine) emitStep(t types.Task, i int, elapsedMs int64) {
	s := t.Steps[i]
	e.b.Emit(types.RoleEngine, types.RoleObserver, types.MsgStepState, types.StepEvent{
		TaskID:    t.ID,
		Index:     s.Index,
		Type:      s.Type,
		Status:    s.Status,
		Error:     s.Error,
		ErrorKind: s.ErrorKind,
		ElapsedMs: elapsedMs,
	})
}

func countFailed(steps []types.Step) int {
	n := 0
	for _, s := range steps {
		if s.Status == types.StepFailed {
			n++
		}
	}
	return n
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
