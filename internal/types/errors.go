package types

import "errors"

// Failure taxonomy. Producers wrap these with fmt.Errorf("...: %w", Err...)
// so the most specific cause survives up to the status response.
var (
	ErrEmptyTask           = errors.New("task is required")
	ErrNotFound            = errors.New("task not found")
	ErrAlreadyTerminal     = errors.New("task already finished")
	ErrMalformedPlan       = errors.New("malformed plan")
	ErrPlanningUnavailable = errors.New("planning unavailable")
	ErrStepTimeout         = errors.New("step timed out")
	ErrStepCapability      = errors.New("step capability error")
	ErrUnroutableStepType  = errors.New("unroutable step type")
	ErrDependencyFailed    = errors.New("dependency not completed")
	ErrCancelled           = errors.New("cancelled")
	ErrInterrupted         = errors.New("interrupted")
	ErrOrchestration       = errors.New("orchestration fault")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	// Order matters: a timeout is reported as a timeout even when the
	// capability's own error is wrapped alongside it.
	{ErrStepTimeout, "step_timeout"},
	{ErrCancelled, "cancelled"},
	{ErrUnroutableStepType, "unroutable_step_type"},
	{ErrDependencyFailed, "dependency_failed"},
	{ErrStepCapability, "step_capability_error"},
	{ErrMalformedPlan, "malformed_plan"},
	{ErrPlanningUnavailable, "planning_unavailable"},
	{ErrInterrupted, "interrupted"},
	{ErrOrchestration, "orchestration"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyTerminal, "already_terminal"},
	{ErrEmptyTask, "empty_task"},
}

// KindOf maps err onto its stable error_kind label.
//
// Expectations:
//   - Returns "" for a nil error
//   - Returns the label of the first taxonomy error found in err's chain
//   - Returns "internal" for errors outside the taxonomy
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
