package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/haricheung/taskflow/internal/client"
	"github.com/haricheung/taskflow/internal/config"
	"github.com/haricheung/taskflow/internal/ui"
)

var (
	configPath string
	serverURL  string
	outputFlag string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Plan and run multi-step tasks",
	Long: `taskflow turns a natural-language task into an ordered plan of steps and
runs each step through the matching capability: web interaction or code.

Run the service with "taskflow serve", then submit and poll tasks over HTTP
with the client commands. "taskflow run" and "taskflow repl" run tasks
in-process without a server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose && cmd.Name() != "serve" {
			log.SetOutput(io.Discard)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("TASKFLOW_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./taskflow.yaml or ~/.config/taskflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "taskflow server URL for client commands")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show engine log lines (always on for serve)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func outputFormat() (ui.Format, error) {
	return ui.ParseFormat(outputFlag)
}

func newClient() *client.HTTPClient {
	return client.New(serverURL)
}
