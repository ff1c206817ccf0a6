package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

// DefaultTimeout applies when Execute is called with a non-positive timeout.
const DefaultTimeout = 120 * time.Second

// Executor invokes one capability for one step under a bounded timeout.
// It holds no per-step state and is safe for concurrent use.
type Executor struct {
	defaultTimeout time.Duration
}

// New creates an Executor. A non-positive defaultTimeout selects DefaultTimeout.
func New(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{defaultTimeout: defaultTimeout}
}

type outcome struct {
	result any
	err    error
}

// Execute runs capability c on step's instruction exactly once and blocks
// until it returns, the timeout expires, or ctx is cancelled.
//
// Expectations:
//   - Returns StepCompleted with the capability's result on success
//   - Returns StepFailed wrapping ErrStepCapability when the capability returns an error
//   - Recovers a capability panic into StepFailed wrapping ErrStepCapability
//   - Returns StepFailed wrapping ErrStepTimeout once the timeout expires, without waiting for the capability
//   - Returns StepFailed wrapping ErrCancelled when ctx is cancelled by the caller
//   - Returns StepFailed wrapping ErrStepCapability for a nil capability
//   - Never invokes the capability more than once
func (e *Executor) Execute(ctx context.Context, c types.Capability, step types.Step, timeout time.Duration) types.StepResult {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	if c == nil {
		return failed(fmt.Errorf("step %d: no capability: %w", step.Index, types.ErrStepCapability), elapsed())
	}
	if err := ctx.Err(); err != nil {
		return failed(fmt.Errorf("step %d: %w", step.Index, types.ErrCancelled), elapsed())
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Printf("[EXEC] step=%d type=%s timeout=%s instruction=%q", step.Index, step.Type, timeout, firstN(step.Instruction, 120))

	// Buffered so an abandoned capability can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[EXEC] step=%d capability panic: %v\n%s", step.Index, r, debug.Stack())
				done <- outcome{err: fmt.Errorf("capability panic: %v", r)}
			}
		}()
		res, err := c.Run(stepCtx, step.Instruction)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A capability that surfaces its own context error after the
			// deadline is still reported as a timeout.
			if stepCtx.Err() != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				log.Printf("[EXEC] step=%d timed out after %s", step.Index, timeout)
				return failed(fmt.Errorf("step %d exceeded %s: %w", step.Index, timeout, types.ErrStepTimeout), elapsed())
			}
			if ctx.Err() != nil {
				return failed(fmt.Errorf("step %d: %w", step.Index, types.ErrCancelled), elapsed())
			}
			log.Printf("[EXEC] step=%d failed: %v", step.Index, out.err)
			return failed(fmt.Errorf("%w: %v", types.ErrStepCapability, out.err), elapsed())
		}
		ms := elapsed()
		log.Printf("[EXEC] step=%d completed in %dms", step.Index, ms)
		return types.StepResult{Status: types.StepCompleted, Result: out.result, ElapsedMs: ms}

	case <-stepCtx.Done():
		if ctx.Err() != nil {
			log.Printf("[EXEC] step=%d cancelled", step.Index)
			return failed(fmt.Errorf("step %d: %w", step.Index, types.ErrCancelled), elapsed())
		}
		log.Printf("[EXEC] step=%d timed out after %s, abandoning capability", step.Index, timeout)
		return failed(fmt.Errorf("step %d exceeded %s: %w", step.Index, timeout, types.ErrStepTimeout), elapsed())
	}
}

func failed(err error, ms int64) types.StepResult {
	return types.StepResult{Status: types.StepFailed, Err: err, ElapsedMs: ms}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
