package ws

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/rpc"
	"github.com/agentrelay/server/task"
)

// respond routes a response through the event bus so first-response-wins
// applies across every channel watching the conversation.
func (h *rpcMethodHandler) respond(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, requestID string, resp task.Response) {
	err := h.bus.Respond(requestID, resp, h.channelID())
	switch {
	case err == nil:
		h.reply(ctx, conn, id, rpc.RespondResult{Accepted: true})
	case errors.Is(err, bus.ErrAlreadyResolved):
		h.reply(ctx, conn, id, rpc.RespondResult{Accepted: false, Detail: "already resolved"})
	case errors.Is(err, bus.ErrUnknownRequest):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, "no pending request with this id")
	default:
		h.replyError(ctx, conn, id, jsonrpc2.CodeInternalError, err.Error())
	}
}

func (h *rpcMethodHandler) handlePermissionResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionResponseParams
	if err := unmarshalParams(req, &params); err != nil || params.RequestID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.log.Info("permission response", "requestId", params.RequestID, "approved", params.Approved)
	h.respond(ctx, conn, req.ID, params.RequestID, task.Response{Approved: params.Approved})
}

func (h *rpcMethodHandler) handleQuestionAnswer(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.QuestionAnswerParams
	if err := unmarshalParams(req, &params); err != nil || params.RequestID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.log.Info("question answer", "requestId", params.RequestID, "length", len(params.Answer))
	h.respond(ctx, conn, req.ID, params.RequestID, task.Response{Answer: params.Answer})
}

func (h *rpcMethodHandler) handlePlanResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PlanResponseParams
	if err := unmarshalParams(req, &params); err != nil || params.RequestID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	switch params.Action {
	case "approve", "reject", "cancel", "clarify":
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid plan action: "+params.Action)
		return
	}

	h.log.Info("plan response", "requestId", params.RequestID, "action", params.Action)
	h.respond(ctx, conn, req.ID, params.RequestID, task.Response{Action: params.Action, Text: params.Text})
}
