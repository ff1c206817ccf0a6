package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haricheung/taskflow/internal/types"
	"github.com/haricheung/taskflow/internal/ui"
)

const replHelp = `commands:
  list            tasks run in this session, newest first
  status <id>     show one task
  plan <task>     preview a plan without running it
  help            this text
  exit, quit      leave
anything else is run as a task (Ctrl-C cancels it)`

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run tasks interactively in-process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, runtimeOptions{watch: true})
		if err != nil {
			return err
		}
		rt.start()
		defer rt.stop(cfg.Server.ShutdownGrace)

		history := ""
		if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
			history = filepath.Join(cfg.DataDir, "history")
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          color.New(color.FgCyan).Sprint("taskflow> "),
			HistoryFile:     history,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return err
		}
		defer rl.Close()

		fmt.Println("taskflow — type 'help' for commands, 'exit' to quit")
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if quit := replLine(cmd, rt, input, format); quit {
				return nil
			}
		}
	},
}

// replLine handles one input line and reports whether the session should end.
func replLine(cmd *cobra.Command, rt *runtime, input string, format ui.Format) bool {
	verb, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch verb {
	case "exit", "quit":
		return true
	case "help":
		fmt.Println(replHelp)
	case "list":
		err = ui.Tasks(os.Stdout, rt.engine.List(), format)
	case "status":
		var t types.Task
		if t, err = rt.engine.Status(rest); err == nil {
			err = ui.Task(os.Stdout, t, format)
		}
	case "plan":
		var steps []types.PlanStep
		if steps, err = rt.engine.Plan(cmd.Context(), rest); err == nil {
			err = ui.Plan(os.Stdout, steps, format)
		}
	default:
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		var t types.Task
		t, err = runLocal(ctx, rt, input, os.Stderr)
		stop()
		if err == nil {
			err = ui.Task(os.Stdout, t, format)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed).Sprint("error:"), err)
	}
	return false
}
