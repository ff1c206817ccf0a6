package router

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

// DefaultTimeout bounds a step whose capability was registered without one.
const DefaultTimeout = 120 * time.Second

// typeAliases maps loose planner spellings onto the closed step-type set.
var typeAliases = map[string]types.StepType{
	"web-interaction": types.StepWeb,
	"web_interaction": types.StepWeb,
	"webinteraction":  types.StepWeb,
	"web":             types.StepWeb,
	"browser":         types.StepWeb,
	"browse":          types.StepWeb,
	"search":          types.StepWeb,
	"code-task":       types.StepCode,
	"code_task":       types.StepCode,
	"codetask":        types.StepCode,
	"code":            types.StepCode,
	"swe":             types.StepCode,
	"coding":          types.StepCode,
	"unknown":         types.StepUnknown,
}

// ParseStepType normalizes a declared type string.
//
// Expectations:
//   - Trims whitespace and matches case-insensitively
//   - Maps known aliases ("browser", "swe", "code", ...) onto the closed set
//   - Returns StepUnknown for empty or unrecognized input
func ParseStepType(s string) types.StepType {
	key := strings.ToLower(strings.TrimSpace(s))
	if t, ok := typeAliases[key]; ok {
		return t
	}
	return types.StepUnknown
}

// codeKeywords are whole-word markers of a programming instruction.
var codeKeywords = regexp.MustCompile(`(?i)\b(code|coding|script|scripts|function|functions|program|programs|programming|python|javascript|typescript|golang|java|rust|bash|sql|compute|calculate|algorithm|implement|compile|debug|refactor|regex|snippet|class|method)\b`)

// InferType guesses a step type from its instruction text. It is the
// last-resort heuristic for untyped steps and is deliberately coarse.
//
// Expectations:
//   - Returns StepCode when the instruction contains a programming keyword as a whole word
//   - Returns StepWeb for every other instruction, including empty text
//   - Matching is case-insensitive
func InferType(instruction string) types.StepType {
	if codeKeywords.MatchString(instruction) {
		return types.StepCode
	}
	return types.StepWeb
}

// Route is the outcome of resolving one step.
type Route struct {
	Type       types.StepType
	Capability types.Capability
	Timeout    time.Duration
	Inferred   bool // true when Type came from InferType rather than the plan
}

type entry struct {
	cap     types.Capability
	timeout time.Duration
}

// Router maps step types onto registered capabilities.
type Router struct {
	mu             sync.RWMutex
	routes         map[types.StepType]entry
	defaultTimeout time.Duration
}

// New creates an empty Router. A non-positive defaultTimeout selects DefaultTimeout.
func New(defaultTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Router{
		routes:         make(map[types.StepType]entry),
		defaultTimeout: defaultTimeout,
	}
}

// Register binds a capability to a step type. A non-positive timeout falls
// back to the router default. Registering the same type twice replaces it.
func (r *Router) Register(t types.StepType, c types.Capability, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	r.mu.Lock()
	r.routes[t] = entry{cap: c, timeout: timeout}
	r.mu.Unlock()
}

// Types returns the registered step types.
func (r *Router) Types() []types.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StepType, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	return out
}

// Resolve selects the capability for a step.
//
// Expectations:
//   - An exact registered type routes directly with its own timeout
//   - An unknown or empty type is resolved with InferType and flagged Inferred
//   - Returns ErrUnroutableStepType naming the type when nothing is registered for it
//   - Never returns a nil Capability together with a nil error
func (r *Router) Resolve(step types.Step) (Route, error) {
	t := step.Type
	inferred := false
	if t == "" || t == types.StepUnknown {
		t = InferType(step.Instruction)
		inferred = true
		log.Printf("[ROUTER] step=%d untyped, inferred type=%s", step.Index, t)
	}

	r.mu.RLock()
	e, ok := r.routes[t]
	r.mu.RUnlock()
	if !ok || e.cap == nil {
		return Route{Type: t, Inferred: inferred}, fmt.Errorf("no capability for type %q: %w", t, types.ErrUnroutableStepType)
	}
	return Route{Type: t, Capability: e.cap, Timeout: e.timeout, Inferred: inferred}, nil
}
