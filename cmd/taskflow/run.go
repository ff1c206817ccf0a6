package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/haricheung/taskflow/internal/types"
	"github.com/haricheung/taskflow/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run <task...>",
	Short: "Run one task in-process and print the result",
	Long: `Plan and run a task inside this process, showing step progress live on
stderr, then print the final record. Nothing is persisted; Ctrl-C cancels
the task.`,
	Args: cobra.MinimumNArgs(1),
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

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		final, err := runLocal(ctx, rt, strings.Join(args, " "), os.Stderr)
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
	},
}

// runLocal submits input to the in-process engine and blocks until the task
// is terminal, rendering bus events to progress. Cancelling ctx cancels the
// task; the cancelled record is still returned.
func runLocal(ctx context.Context, rt *runtime, input string, progress io.Writer) (types.Task, error) {
	dctx, stopDisplay := context.WithCancel(context.Background())
	d := ui.NewDisplay(rt.bus.Tap(), progress, isTerminal(progress))
	shown := make(chan struct{})
	go func() {
		d.Run(dctx)
		close(shown)
	}()
	defer func() {
		stopDisplay()
		<-shown
	}()

	id, err := rt.engine.Submit(input)
	if err != nil {
		return types.Task{}, err
	}

	// One task at a time per runtime, so the engine is idle once this returns.
	finished := make(chan struct{})
	go func() {
		rt.engine.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		t, err := rt.engine.Cancel(id)
		if err != nil && !errors.Is(err, types.ErrAlreadyTerminal) {
			return t, err
		}
		<-finished
	}
	return rt.engine.Status(id)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
