package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a live view of task and step transitions read from a bus
// tap. One box is drawn per task, opened on its first event and closed when
// the task reaches a terminal state.
type Display struct {
	tap  <-chan types.Message
	out  io.Writer
	spin bool // animate a spinner line; only for terminals

	mu      sync.Mutex
	status  string
	started map[string]time.Time
	spinIdx int
}

// NewDisplay creates a Display reading from tap and writing to out.
func NewDisplay(tap <-chan types.Message, out io.Writer, spinner bool) *Display {
	return &Display{tap: tap, out: out, spin: spinner, started: make(map[string]time.Time)}
}

// Run renders until ctx is cancelled or the tap closes. On cancellation it
// first prints whatever is already buffered on the tap, so a caller that
// cancels right after a task finishes still sees the closing line.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg, ok := <-d.tap:
					if !ok {
						d.clearLine()
						return
					}
					d.render(msg)
				default:
					d.clearLine()
					return
				}
			}

		case msg, ok := <-d.tap:
			if !ok {
				d.clearLine()
				return
			}
			d.render(msg)

		case <-ticker.C:
			if !d.spin || len(d.started) == 0 {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Fprintf(d.out, "\r%s %s", cyan.Sprint(string(frame)), status)
		}
	}
}

func (d *Display) render(msg types.Message) {
	d.clearLine()
	switch p := msg.Payload.(type) {
	case types.TaskEvent:
		if _, open := d.started[p.TaskID]; !open && !p.State.Terminal() {
			d.started[p.TaskID] = time.Now()
			fmt.Fprintf(d.out, "\n%s\n", dim.Sprintf("┌─── ⚡ taskflow %s %s", shortID(p.TaskID), strings.Repeat("─", 30)))
		}
		if p.State.Terminal() {
			d.endTask(p)
			return
		}
	case types.StepEvent:
		if _, open := d.started[p.TaskID]; !open {
			return
		}
	default:
		return
	}
	if line := eventLine(msg); line != "" {
		fmt.Fprintln(d.out, line)
	}
	d.setStatus(eventStatus(msg))
}

func (d *Display) endTask(e types.TaskEvent) {
	start, open := d.started[e.TaskID]
	if !open {
		return
	}
	delete(d.started, e.TaskID)
	elapsed := time.Since(start).Round(time.Millisecond)
	icon := "✅"
	if e.State == types.TaskFailed {
		icon = "❌"
	}
	tail := ""
	if e.ErrorKind != "" {
		tail = " " + red.Sprint(e.ErrorKind)
	}
	fmt.Fprintf(d.out, "%s%s\n", dim.Sprintf("└─── %s  %s %v ", icon, e.State, elapsed), tail)
}

func (d *Display) clearLine() {
	if d.spin {
		fmt.Fprint(d.out, "\r\033[K")
	}
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// eventLine renders one flow line for a task or step event.
//
// Expectations:
//   - Renders planning and executing task transitions with the step count
//   - Renders step transitions with index, type and status
//   - Appends the error kind to failed steps and the elapsed time to finished ones
//   - Returns "" for pending tasks and unknown payloads
func eventLine(msg types.Message) string {
	switch p := msg.Payload.(type) {
	case types.TaskEvent:
		switch p.State {
		case types.TaskPlanning:
			return "  📐 planning"
		case types.TaskExecuting:
			return fmt.Sprintf("  📋 plan ready: %d steps", p.StepCount)
		}
	case types.StepEvent:
		head := fmt.Sprintf("step %d %s", p.Index, p.Type)
		switch p.Status {
		case types.StepRunning:
			return fmt.Sprintf("  %s %s %s", cyan.Sprint("▸"), head, yellow.Sprint("running"))
		case types.StepCompleted:
			return fmt.Sprintf("  %s %s %s %s", green.Sprint("✓"), head, green.Sprint("completed"), dim.Sprintf("(%dms)", p.ElapsedMs))
		case types.StepFailed:
			line := fmt.Sprintf("  %s %s %s", red.Sprint("✗"), head, red.Sprint("failed"))
			if p.ErrorKind != "" {
				line += " " + dim.Sprintf("[%s]", p.ErrorKind)
			}
			if p.Error != "" {
				line += " " + clipCols(p.Error, 50)
			}
			return line
		}
	}
	return ""
}

// eventStatus returns the spinner label to show after msg.
func eventStatus(msg types.Message) string {
	switch p := msg.Payload.(type) {
	case types.TaskEvent:
		switch p.State {
		case types.TaskPending:
			return "queued..."
		case types.TaskPlanning:
			return "📐 planning..."
		case types.TaskExecuting:
			return "⚙️  executing..."
		}
	case types.StepEvent:
		if p.Status == types.StepRunning {
			return fmt.Sprintf("⚙️  step %d — %s", p.Index, p.Type)
		}
		return "⚙️  executing..."
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
