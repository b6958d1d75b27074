package ws

import (
	"context"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/rpc"
)

// handleTaskRun executes a task and replies with its final result. The
// jsonrpc2 async handler gives each request its own goroutine, so blocking
// here is fine; progress streams as notifications to subscribers meanwhile.
func (h *rpcMethodHandler) handleTaskRun(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TaskRunParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("userId", params.UserID)
	log.Info("received prompt", "length", len(params.Prompt))

	result, err := h.orch.Run(ctx, orchestrator.TaskRequest{
		UserID:          params.UserID,
		Prompt:          params.Prompt,
		WorkDir:         params.WorkDir,
		ResumeSessionID: params.ResumeSessionID,
		ForceNewSession: params.ForceNewSession,
		Channel:         h.channelID(),
	})
	if err != nil {
		code := int64(jsonrpc2.CodeInternalError)
		if orchestrator.IsValidation(err) {
			code = jsonrpc2.CodeInvalidParams
		}
		h.replyError(ctx, conn, req.ID, code, err.Error())
		return
	}

	h.reply(ctx, conn, req.ID, result)
}

func (h *rpcMethodHandler) handleTaskCancel(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TaskCancelParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	cancelled := h.orch.Cancel(params.UserID)
	h.reply(ctx, conn, req.ID, rpc.TaskCancelResult{Cancelled: cancelled})
}

func (h *rpcMethodHandler) handleTaskStatus(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TaskStatusParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	status := h.orch.Status(params.UserID)
	if status == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "no task for user")
		return
	}
	h.reply(ctx, conn, req.ID, status)
}

func (h *rpcMethodHandler) handleEventsSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.EventsSubscribeParams
	if err := unmarshalParams(req, &params); err != nil || params.UserID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	id := "e" + uuid.Must(uuid.NewV7()).String()
	h.bus.Subscribe(params.UserID, id, func(n bus.Notification) error {
		return conn.Notify(context.Background(), n.Method, n.Params)
	})
	h.state.trackSubscription(id, params.UserID)

	h.log.Info("subscribed to events", "userId", params.UserID, "subscriptionId", id)
	h.reply(ctx, conn, req.ID, rpc.EventsSubscribeResult{ID: id})
}

func (h *rpcMethodHandler) handleEventsUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.EventsUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil || params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	channel, ok := h.state.untrackSubscription(params.ID)
	if ok {
		h.bus.Unsubscribe(channel, params.ID)
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleHistoryGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.HistoryParams
	if err := unmarshalParams(req, &params); err != nil || params.UserID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	limit := params.Limit
	if limit <= 0 {
		limit = h.settingsStore.Get().HistoryLimit
	}
	msgs, err := h.store.History(ctx, params.UserID, limit)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to load history")
		return
	}
	h.reply(ctx, conn, req.ID, msgs)
}
