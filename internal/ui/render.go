// Package ui renders tasks, plans and live progress for the command line.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"go.yaml.in/yaml/v3"

	"github.com/haricheung/taskflow/internal/types"
)

// Format selects how results are printed.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

var (
	dim    = color.New(color.Faint)
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

// now is replaced in tests.
var now = time.Now

// stateColor returns the printer for a task state or step status label.
func stateColor(s string) *color.Color {
	switch s {
	case string(types.TaskCompleted):
		return green
	case string(types.TaskFailed):
		return red
	case string(types.TaskPlanning), string(types.TaskExecuting), string(types.StepRunning):
		return yellow
	default:
		return dim
	}
}

func stateIcon(s string) string {
	switch s {
	case string(types.TaskCompleted):
		return "✅"
	case string(types.TaskFailed):
		return "❌"
	case string(types.TaskPlanning), string(types.TaskExecuting), string(types.StepRunning):
		return "⏳"
	default:
		return "•"
	}
}

// Task prints one task snapshot.
func Task(w io.Writer, t types.Task, f Format) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, t)
	case FormatYAML:
		return writeYAML(w, t)
	}

	state := string(t.State)
	fmt.Fprintf(w, "%s %s  %s\n", stateIcon(state), bold.Sprint(t.ID), stateColor(state).Sprint(state))
	fmt.Fprintf(w, "  %s %s\n", dim.Sprint("task:   "), t.Input)
	fmt.Fprintf(w, "  %s %s (%s)\n", dim.Sprint("created:"), t.CreatedAt.Local().Format(time.DateTime), humanize.RelTime(t.CreatedAt, now(), "ago", "from now"))
	if t.Error != "" {
		fmt.Fprintf(w, "  %s %s %s\n", dim.Sprint("error:  "), red.Sprint(t.Error), dim.Sprintf("[%s]", t.ErrorKind))
	}
	if len(t.Steps) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	for _, s := range t.Steps {
		status := string(s.Status)
		marker := " "
		if !t.State.Terminal() && s.Index == t.CurrentStep {
			marker = cyan.Sprint("▸")
		}
		fmt.Fprintf(w, "%s %s %s %s %s\n",
			marker,
			dim.Sprintf("%2d", s.Index),
			padCols(string(s.Type), 15),
			stateColor(status).Sprint(padCols(status, 9)),
			clipCols(s.Instruction, 60))
		if s.Error != "" {
			fmt.Fprintf(w, "     %s\n", red.Sprint(clipCols(s.Error, 80)))
		}
		if s.Result != nil {
			fmt.Fprintf(w, "     %s\n", dim.Sprint(clipCols(summarize(s.Result), 80)))
		}
	}
	return nil
}

// Tasks prints a task list, newest first.
func Tasks(w io.Writer, tasks []types.Task, f Format) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, tasks)
	case FormatYAML:
		return writeYAML(w, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, dim.Sprint("no tasks"))
		return nil
	}
	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		bold.Sprint(padCols("ID", 36)),
		bold.Sprint(padCols("STATUS", 9)),
		bold.Sprint(padCols("STEPS", 7)),
		bold.Sprint(padCols("CREATED", 16)),
		bold.Sprint("TASK"))
	for _, t := range tasks {
		state := string(t.State)
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			padCols(t.ID, 36),
			stateColor(state).Sprint(padCols(state, 9)),
			padCols(stepCount(t), 7),
			padCols(humanize.RelTime(t.CreatedAt, now(), "ago", "from now"), 16),
			clipCols(t.Input, 50))
	}
	return nil
}

// Plan prints the normalized steps of a plan preview.
func Plan(w io.Writer, steps []types.PlanStep, f Format) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, steps)
	case FormatYAML:
		return writeYAML(w, steps)
	}
	for i, s := range steps {
		deps := ""
		if len(s.DependsOn) > 0 {
			deps = dim.Sprintf(" (after %v)", s.DependsOn)
		}
		fmt.Fprintf(w, "%s %s %s%s\n", dim.Sprintf("%2d", i), cyan.Sprint(padCols(string(s.Type), 15)), s.Instruction, deps)
	}
	return nil
}

// Value prints v as YAML, or as JSON for any other format.
func Value(w io.Writer, v any, f Format) error {
	if f == FormatYAML {
		return writeYAML(w, v)
	}
	return writeJSON(w, v)
}

// stepCount renders "done/total" where done counts terminal steps.
func stepCount(t types.Task) string {
	done := 0
	for _, s := range t.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(t.Steps))
}

// summarize renders a step result on one line.
func summarize(v any) string {
	if s, ok := v.(string); ok {
		return strings.Join(strings.Fields(s), " ")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// clipCols truncates s to at most cols terminal columns, appending "…" only
// when something was cut. Wide runes count as two columns.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}

// padCols clips s to cols columns and right-pads it with spaces.
func padCols(s string, cols int) string {
	return runewidth.FillRight(clipCols(s, cols), cols)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML goes through JSON first so keys follow the json tags.
func writeYAML(w io.Writer, v any) error {
	var generic any
	if err := remarshal(v, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
