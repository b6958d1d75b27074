package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/task"
)

func (s *Server) handleRunTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return ValidationError("user_id is required"), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return ValidationError("prompt is required"), nil
	}

	result, err := s.orch.Run(ctx, orchestrator.TaskRequest{
		UserID:          userID,
		Prompt:          prompt,
		WorkDir:         req.GetString("work_dir", ""),
		ForceNewSession: req.GetBool("force_new_session", false),
		Channel:         "mcp",
	})
	if err != nil {
		if orchestrator.IsValidation(err) {
			return ValidationError(err.Error()), nil
		}
		return InternalError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleTaskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return ValidationError("user_id is required"), nil
	}

	status := s.orch.Status(userID)
	if status == nil {
		return NotFound("task", userID), nil
	}
	return jsonResult(status)
}

func (s *Server) handleCancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return ValidationError("user_id is required"), nil
	}

	cancelled := s.orch.Cancel(userID)
	data, _ := json.Marshal(map[string]bool{"cancelled": cancelled})
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleRespondRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return ValidationError("request_id is required"), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return ValidationError("kind is required"), nil
	}

	var resp task.Response
	switch kind {
	case "permission":
		resp = task.Response{Approved: req.GetBool("approved", false)}
	case "question":
		resp = task.Response{Answer: req.GetString("answer", "")}
	case "plan":
		action := req.GetString("action", "")
		switch action {
		case "approve", "reject", "cancel", "clarify":
		default:
			return ValidationError("invalid plan action: " + action), nil
		}
		resp = task.Response{Action: action, Text: req.GetString("text", "")}
	default:
		return ValidationError("invalid kind: " + kind), nil
	}

	switch err := s.bus.Respond(requestID, resp, "mcp"); {
	case err == nil:
		return mcp.NewToolResultText(`{"accepted":true}`), nil
	case errors.Is(err, bus.ErrAlreadyResolved):
		return mcp.NewToolResultText(`{"accepted":false,"detail":"already resolved"}`), nil
	case errors.Is(err, bus.ErrUnknownRequest):
		return NotFound("request", requestID), nil
	default:
		return InternalError(err), nil
	}
}

func (s *Server) handleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return ValidationError("user_id is required"), nil
	}

	limit := req.GetInt("limit", 0)
	if limit <= 0 {
		limit = s.settings.Get().HistoryLimit
	}
	msgs, err := s.store.History(ctx, userID, limit)
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(msgs)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
