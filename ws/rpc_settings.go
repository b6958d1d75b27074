package ws

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/agentrelay/server/settings"
)

func (h *rpcMethodHandler) handleSettingsGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.reply(ctx, conn, req.ID, h.settingsStore.Get())
}

func (h *rpcMethodHandler) handleSettingsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params settings.Settings
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.settingsStore.Update(params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	h.log.Info("settings updated", "autoApprove", params.AutoApprove)
	h.reply(ctx, conn, req.ID, params)
}
