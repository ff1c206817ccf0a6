package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/haricheung/taskflow/internal/llm"
	"github.com/haricheung/taskflow/internal/router"
	"github.com/haricheung/taskflow/internal/types"
)

// wrapperKeys are probed in order on a keyed payload; the first present one wins.
var wrapperKeys = []string{"steps", "plan", "subtasks", "tasks"}

// instructionKeys are read in order from a step object.
var instructionKeys = []string{"instruction", "description", "task", "action", "step"}

var dependencyKeys = []string{"depends_on", "dependencies"}

// Normalize converts a raw planning payload into an ordered, typed plan.
//
// Expectations:
//   - A well-formed list of {type, instruction} objects is returned in order with values unchanged
//   - A keyed object is probed for "steps", "plan", "subtasks", "tasks" in that order
//   - A probed key holding text is treated as unstructured text
//   - A keyed object with an instruction but no wrapper key is a one-step plan
//   - Unstructured text becomes one "unknown" step whose instruction equals the text exactly
//   - Text holding JSON (bare, fenced, or embedded in prose) is parsed as structured input
//   - JSON embedded in prose counts only when every entry is a step object with an instruction
//   - Bare string entries get their type from router.InferType
//   - Entries without a usable instruction are dropped
//   - Returns ErrMalformedPlan for scalars, blank text, empty lists, or when nothing usable remains
func Normalize(raw any) ([]types.PlanStep, error) {
	steps, err := normalize(raw, 0)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no usable steps: %w", types.ErrMalformedPlan)
	}
	return steps, nil
}

// maxDepth bounds recursion through nested wrapper objects.
const maxDepth = 4

func normalize(raw any, depth int) ([]types.PlanStep, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("plan nested too deeply: %w", types.ErrMalformedPlan)
	}
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("empty plan payload: %w", types.ErrMalformedPlan)
	case []types.PlanStep:
		return coerceTyped(v), nil
	case []any:
		return coerceList(v), nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return coerceList(items), nil
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return coerceList(items), nil
	case map[string]any:
		return normalizeObject(v, depth)
	case string:
		return normalizeText(v, depth)
	case []byte:
		return normalizeText(string(v), depth)
	case json.RawMessage:
		return normalizeText(string(v), depth)
	default:
		return nil, fmt.Errorf("unsupported plan payload %T: %w", raw, types.ErrMalformedPlan)
	}
}

func normalizeObject(m map[string]any, depth int) ([]types.PlanStep, error) {
	for _, k := range wrapperKeys {
		v, ok := lookup(m, k)
		if !ok {
			continue
		}
		switch inner := v.(type) {
		case []any, []string, []map[string]any, []types.PlanStep:
			return normalize(inner, depth+1)
		case string:
			// {"plan": "<text>"} is what a planner returns when its output
			// could not be decoded.
			return normalizeText(inner, depth+1)
		case map[string]any:
			// A nested wrapper, or a single step stored under the key.
			return normalize(inner, depth+1)
		}
	}
	if step, ok := coerceObject(m); ok {
		return []types.PlanStep{step}, nil
	}
	return nil, fmt.Errorf("plan object has no steps: %w", types.ErrMalformedPlan)
}

func normalizeText(s string, depth int) ([]types.PlanStep, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("blank plan text: %w", types.ErrMalformedPlan)
	}
	cleaned := llm.StripFences(s)
	if cleaned == "" {
		return nil, fmt.Errorf("plan text is only reasoning: %w", types.ErrMalformedPlan)
	}

	if parsed, ok := decodeStructured(cleaned); ok {
		return normalize(parsed, depth+1)
	}
	if fragment := extractJSON(cleaned); fragment != "" {
		if parsed, ok := decodeStructured(fragment); ok && stepFragment(parsed) {
			if steps, err := normalize(parsed, depth+1); err == nil && len(steps) > 0 {
				return steps, nil
			}
		}
	}
	return []types.PlanStep{{Type: types.StepUnknown, Instruction: s}}, nil
}

// decodeStructured parses s as a JSON list or object. Scalars are rejected
// so that text like "42" degrades to a text step.
func decodeStructured(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case []any, map[string]any:
		return v, true
	}
	return nil, false
}

// stepFragment reports whether JSON found inside prose is made of step
// objects. A quoted list of strings or numbers in prose is ordinary text.
func stepFragment(v any) bool {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return false
		}
		for _, it := range x {
			m, ok := it.(map[string]any)
			if !ok {
				return false
			}
			if _, ok := coerceObject(m); !ok {
				return false
			}
		}
		return true
	case map[string]any:
		for _, k := range wrapperKeys {
			if inner, ok := lookup(x, k); ok {
				return stepFragment(inner)
			}
		}
		_, ok := coerceObject(x)
		return ok
	}
	return false
}

// extractJSON returns the outermost [...] or {...} span in s, whichever opens first.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return ""
	}
	closer := "]"
	if s[start] == '{' {
		closer = "}"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func coerceList(items []any) []types.PlanStep {
	out := make([]types.PlanStep, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case map[string]any:
			if step, ok := coerceObject(v); ok {
				out = append(out, step)
			}
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			out = append(out, types.PlanStep{Type: router.InferType(v), Instruction: v})
		case types.PlanStep:
			if strings.TrimSpace(v.Instruction) != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func coerceTyped(in []types.PlanStep) []types.PlanStep {
	out := make([]types.PlanStep, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s.Instruction) == "" {
			continue
		}
		s.Type = router.ParseStepType(string(s.Type))
		if s.DependsOn != nil {
			s.DependsOn = append([]int(nil), s.DependsOn...)
		}
		out = append(out, s)
	}
	return out
}

func coerceObject(m map[string]any) (types.PlanStep, bool) {
	var instruction string
	for _, k := range instructionKeys {
		if v, ok := lookup(m, k); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				instruction = s
				break
			}
		}
	}
	if instruction == "" {
		return types.PlanStep{}, false
	}

	step := types.PlanStep{Type: types.StepUnknown, Instruction: instruction}
	if v, ok := lookup(m, "type"); ok {
		if s, ok := v.(string); ok {
			step.Type = router.ParseStepType(s)
		}
	}
	for _, k := range dependencyKeys {
		if v, ok := lookup(m, k); ok {
			step.DependsOn = coerceInts(v)
			break
		}
	}
	return step, true
}

// lookup reads key from m, falling back to a case-insensitive match.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// coerceInts keeps the non-negative integral members of a JSON list.
func coerceInts(v any) []int {
	var out []int
	add := func(f float64) {
		if f >= 0 && f == math.Trunc(f) {
			out = append(out, int(f))
		}
	}
	switch xs := v.(type) {
	case []int:
		for _, x := range xs {
			add(float64(x))
		}
	case []any:
		for _, x := range xs {
			switch n := x.(type) {
			case float64:
				add(n)
			case int:
				add(float64(n))
			case json.Number:
				if f, err := n.Float64(); err == nil {
					add(f)
				}
			}
		}
	case float64:
		add(xs)
	case int:
		add(float64(xs))
	}
	return out
}
