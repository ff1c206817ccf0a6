package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haricheung/taskflow/internal/api"
	"github.com/haricheung/taskflow/internal/client"
	"github.com/haricheung/taskflow/internal/types"
	"github.com/haricheung/taskflow/internal/ui"
)

var (
	submitWait     bool
	submitInterval time.Duration
	statusWatch    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <task...>",
	Short: "Submit a task to the server",
	Long: `Submit a task and print its id. With --wait, poll until the task finishes
and print the final record; the command then fails if the task failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		c := newClient()
		resp, err := c.Submit(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if !submitWait {
			if format == ui.FormatTable {
				fmt.Println(resp.TaskID)
				return nil
			}
			return ui.Task(os.Stdout, types.Task{ID: resp.TaskID, State: types.TaskState(resp.Status)}, format)
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.Faint).Sprint("submitted"), resp.TaskID)
		return waitAndPrint(cmd, c, resp.TaskID, format)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		c := newClient()
		if statusWatch {
			return waitAndPrint(cmd, c, args[0], format)
		}
		t, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return ui.Task(os.Stdout, t, format)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		all, err := newClient().List(cmd.Context())
		if err != nil {
			return err
		}
		return ui.Tasks(os.Stdout, newestFirst(all), format)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		t, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return ui.Task(os.Stdout, t, format)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <task...>",
	Short: "Preview the plan for a task without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		steps, err := newClient().Plan(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return ui.Plan(os.Stdout, steps, format)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the server's invariant audit report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		r, err := newClient().Audit(cmd.Context())
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Value(os.Stdout, r, format)
		}
		fmt.Printf("tasks observed: %d\nstep events:    %d\n", r.TasksObserved, r.StepsObserved)
		for _, group := range []struct {
			name  string
			items []string
		}{
			{"single-writer violations", r.SingleWriterFaults},
			{"illegal transitions", r.IllegalTransitions},
			{"step overlaps", r.StepOverlaps},
		} {
			fmt.Printf("%s: %d\n", group.name, len(group.items))
			for _, it := range group.items {
				fmt.Printf("  - %s\n", it)
			}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and, when reachable, the server's",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskflow %s\n", versionString())
		if h, err := newClient().Health(cmd.Context()); err == nil {
			fmt.Printf("server   %s (%s)\n", h.Version, h.Status)
		}
	},
}

// waitAndPrint polls id until it finishes, printing progress on stderr.
func waitAndPrint(cmd *cobra.Command, c *client.HTTPClient, id string, format ui.Format) error {
	final, err := c.Poll(cmd.Context(), id, submitInterval, func(t types.Task) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.Faint).Sprint("…"), progressLine(t))
	})
	if err != nil {
		return err
	}
	if err := ui.Task(os.Stdout, final, format); err != nil {
		return err
	}
	if final.State == types.TaskFailed {
		return fmt.Errorf("task %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func progressLine(t types.Task) string {
	switch t.State {
	case types.TaskExecuting:
		if len(t.Steps) > 0 && t.CurrentStep < len(t.Steps) {
			s := t.Steps[t.CurrentStep]
			return fmt.Sprintf("executing step %d/%d (%s)", t.CurrentStep+1, len(t.Steps), s.Type)
		}
		return "executing"
	default:
		return string(t.State)
	}
}

func newestFirst(m map[string]types.Task) []types.Task {
	out := make([]types.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

func sortTasks(ts []types.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}

func versionString() string {
	return api.Version
}

func init() {
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "poll until the task finishes")
	submitCmd.Flags().DurationVar(&submitInterval, "interval", client.DefaultPollInterval, "status polling interval")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "poll until the task finishes")
	statusCmd.Flags().DurationVar(&submitInterval, "interval", client.DefaultPollInterval, "status polling interval")
}
