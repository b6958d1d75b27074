package main

import (
	"github.com/spf13/cobra"

	"github.com/agentrelay/server/config"
	"github.com/agentrelay/server/logger"
	"github.com/agentrelay/server/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the task tools over MCP on stdio",
	Long: `Runs a Model Context Protocol server on stdin/stdout. MCP clients get
run_task, task_status, cancel_task, respond_request, and get_history as
tools. Logs go to the log file only; stdout carries the protocol.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// stdout belongs to the protocol; force file logging
	logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: false})

	deps, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	srv := mcpserver.NewServer(version, deps.orch, deps.bus, deps.store, deps.settings)
	return srv.Run()
}
