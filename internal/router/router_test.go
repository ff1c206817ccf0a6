package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

func noop(ctx context.Context, instruction string) (any, error) { return instruction, nil }

// --- ParseStepType ---

func TestParseStepType_CaseAndWhitespaceInsensitive(t *testing.T) {
	// Trims whitespace and matches case-insensitively
	if got := ParseStepType("  Web-Interaction "); got != types.StepWeb {
		t.Errorf("got %q, want web-interaction", got)
	}
}

func TestParseStepType_MapsAliases(t *testing.T) {
	// Maps known aliases ("browser", "swe", "code", ...) onto the closed set
	cases := map[string]types.StepType{
		"browser":   types.StepWeb,
		"web":       types.StepWeb,
		"swe":       types.StepCode,
		"code":      types.StepCode,
		"code_task": types.StepCode,
		"CODE-TASK": types.StepCode,
	}
	for in, want := range cases {
		if got := ParseStepType(in); got != want {
			t.Errorf("ParseStepType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStepType_UnrecognizedIsUnknown(t *testing.T) {
	// Returns StepUnknown for empty or unrecognized input
	for _, in := range []string{"", "   ", "database", "email"} {
		if got := ParseStepType(in); got != types.StepUnknown {
			t.Errorf("ParseStepType(%q) = %q, want unknown", in, got)
		}
	}
}

// --- InferType ---

func TestInferType_ProgrammingKeywordsRouteToCode(t *testing.T) {
	// Returns StepCode when the instruction contains a programming keyword as a whole word
	for _, in := range []string{
		"write a python script to print the title",
		"Implement a sorting algorithm",
		"calculate the first 10 primes",
		"write code to print it",
	} {
		if got := InferType(in); got != types.StepCode {
			t.Errorf("InferType(%q) = %q, want code-task", in, got)
		}
	}
}

func TestInferType_DefaultsToWeb(t *testing.T) {
	// Returns StepWeb for every other instruction, including empty text
	for _, in := range []string{"", "open https://example.com and get the title", "find the weather in Paris", "decode the barcode"} {
		if got := InferType(in); got != types.StepWeb {
			t.Errorf("InferType(%q) = %q, want web-interaction", in, got)
		}
	}
}

func TestInferType_CaseInsensitive(t *testing.T) {
	// Matching is case-insensitive
	if got := InferType("WRITE A FUNCTION"); got != types.StepCode {
		t.Errorf("got %q, want code-task", got)
	}
}

// --- Resolve ---

func TestResolve_ExactTypeUsesOwnTimeout(t *testing.T) {
	// An exact registered type routes directly with its own timeout
	r := New(time.Minute)
	r.Register(types.StepCode, types.CapabilityFunc(noop), 5*time.Second)
	route, err := r.Resolve(types.Step{Type: types.StepCode, Instruction: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Type != types.StepCode || route.Timeout != 5*time.Second || route.Inferred {
		t.Errorf("unexpected route: %+v", route)
	}
}

func TestResolve_RegisterWithoutTimeoutUsesDefault(t *testing.T) {
	// A non-positive registration timeout falls back to the router default
	r := New(42 * time.Second)
	r.Register(types.StepWeb, types.CapabilityFunc(noop), 0)
	route, err := r.Resolve(types.Step{Type: types.StepWeb})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Timeout != 42*time.Second {
		t.Errorf("timeout = %v, want 42s", route.Timeout)
	}
}

func TestResolve_UnknownTypeIsInferred(t *testing.T) {
	// An unknown or empty type is resolved with InferType and flagged Inferred
	r := New(0)
	r.Register(types.StepWeb, types.CapabilityFunc(noop), 0)
	r.Register(types.StepCode, types.CapabilityFunc(noop), 0)
	route, err := r.Resolve(types.Step{Type: types.StepUnknown, Instruction: "write a script"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Type != types.StepCode || !route.Inferred {
		t.Errorf("unexpected route: %+v", route)
	}
}

func TestResolve_UnregisteredTypeIsUnroutable(t *testing.T) {
	// Returns ErrUnroutableStepType naming the type when nothing is registered for it
	r := New(0)
	r.Register(types.StepWeb, types.CapabilityFunc(noop), 0)
	route, err := r.Resolve(types.Step{Type: types.StepCode})
	if !errors.Is(err, types.ErrUnroutableStepType) {
		t.Fatalf("expected ErrUnroutableStepType, got %v", err)
	}
	if !strings.Contains(err.Error(), "code-task") {
		t.Errorf("error should name the type, got %q", err.Error())
	}
	if route.Capability != nil {
		t.Error("expected nil capability on unroutable step")
	}
}
