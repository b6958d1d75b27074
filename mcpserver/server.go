// Package mcpserver exposes task execution over the Model Context Protocol
// on stdio, so MCP-capable clients can drive and answer tasks as tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
)

type Server struct {
	orch     *orchestrator.Orchestrator
	bus      *bus.Bus
	store    *session.Store
	settings *settings.Store
	mcp      *server.MCPServer
}

func NewServer(version string, orch *orchestrator.Orchestrator, b *bus.Bus, store *session.Store, settingsStore *settings.Store) *Server {
	s := &Server{
		orch:     orch,
		bus:      b,
		store:    store,
		settings: settingsStore,
	}

	srv := server.NewMCPServer("agentrelay", version,
		server.WithToolCapabilities(false),
	)

	srv.AddTool(mcp.NewTool("run_task",
		mcp.WithDescription("Run a coding task for a conversation. Blocks until the task completes, fails, or is cancelled, and returns the accumulated output. A running task for the same user is cancelled and replaced."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Conversation identifier; one task may run per user at a time")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Task instructions for the agent")),
		mcp.WithString("work_dir", mcp.Description("Working directory for the task; defaults to the configured directory")),
		mcp.WithBoolean("force_new_session", mcp.Description("Ignore the stored continuation and start a fresh agent session")),
	), s.handleRunTask)

	srv.AddTool(mcp.NewTool("task_status",
		mcp.WithDescription("Get the state of the user's current task, including any pending permission, question, or plan requests."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), s.handleTaskStatus)

	srv.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel the user's running task. Cancellation is not a failure; output produced so far is kept."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), s.handleCancelTask)

	srv.AddTool(mcp.NewTool("respond_request",
		mcp.WithDescription("Answer a pending permission, question, or plan request by id. The first response from any channel wins."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Id of the pending request")),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("permission", "question", "plan"), mcp.Description("Which kind of request is being answered")),
		mcp.WithBoolean("approved", mcp.Description("Permission decision")),
		mcp.WithString("answer", mcp.Description("Answer text for a question")),
		mcp.WithString("action", mcp.Enum("approve", "reject", "cancel", "clarify"), mcp.Description("Plan decision")),
		mcp.WithString("text", mcp.Description("Clarification text for a plan clarify action")),
	), s.handleRespondRequest)

	srv.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("Get the stored transcript for a conversation, oldest first."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return; defaults to the configured history limit")),
	), s.handleGetHistory)

	s.mcp = srv
	return s
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcp)
}
