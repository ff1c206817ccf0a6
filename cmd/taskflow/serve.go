package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haricheung/taskflow/internal/api"
)

var (
	serveAddr    string
	serveNoStore bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task service",
	Long: `Run the HTTP task service.

Endpoints:
  POST /execute        submit a task
  GET  /status/{id}    poll a task
  GET  /executions     list every task
  POST /cancel/{id}    cancel a running task
  POST /plan           preview a plan without running it
  GET  /health         liveness and version
  GET  /audit          invariant audit report

Tasks are persisted under the data dir and restored on restart; tasks that
were still running when the service stopped are reported as interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		rt, err := newRuntime(cfg, runtimeOptions{
			persist: cfg.Persistence.Enabled && !serveNoStore,
			audit:   cfg.Audit.Enabled,
		})
		if err != nil {
			return err
		}
		rt.start()
		log.Printf("[MAIN] taskflow %s data_dir=%s", api.Version, cfg.DataDir)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(rt.engine, rt.auditSource())
		serveErr := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownGrace)

		log.Printf("[MAIN] stopping engine")
		_ = rt.stop(cfg.Server.ShutdownGrace)
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "keep tasks in memory only")
}
