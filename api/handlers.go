package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/logger"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/settings"
	"github.com/agentrelay/server/task"
)

// respondBody is the unified payload for POST /api/responses/:requestId. The
// kind field selects which of the remaining fields apply.
type respondBody struct {
	Kind     string `json:"kind" binding:"required"` // permission | question | plan
	Approved bool   `json:"approved,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Action   string `json:"action,omitempty"`
	Text     string `json:"text,omitempty"`
}

// handleTaskRun submits a task and blocks until it finishes. REST callers
// that want progress subscribe on the WebSocket channel with the same user
// id.
func (s *Server) handleTaskRun(c *gin.Context) {
	log := logger.NewRequestLogger()

	var req orchestrator.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.Channel = "rest"
	log.Info("task submitted", "userId", req.UserID, "promptLength", len(req.Prompt))

	result, err := s.orch.Run(c.Request.Context(), req)
	if err != nil {
		if orchestrator.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("task run failed", "userId", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if result.Failed() {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	status := s.orch.Status(c.Param("user"))
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no task for user"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	cancelled := s.orch.Cancel(c.Param("user"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// handleRespond routes a response through the event bus, the same path the
// WebSocket channel uses, so first-response-wins holds across channels.
func (s *Server) handleRespond(c *gin.Context) {
	requestID := c.Param("requestId")

	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var resp task.Response
	switch body.Kind {
	case "permission":
		resp = task.Response{Approved: body.Approved}
	case "question":
		resp = task.Response{Answer: body.Answer}
	case "plan":
		switch body.Action {
		case "approve", "reject", "cancel", "clarify":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan action: " + body.Action})
			return
		}
		resp = task.Response{Action: body.Action, Text: body.Text}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind: " + body.Kind})
		return
	}

	err := s.bus.Respond(requestID, resp, "rest")
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	case errors.Is(err, bus.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"accepted": false, "error": "already resolved"})
	case errors.Is(err, bus.ErrUnknownRequest):
		c.JSON(http.StatusNotFound, gin.H{"accepted": false, "error": "no pending request with this id"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}

	limit := query.Limit
	if limit <= 0 {
		limit = s.settingsStore.Get().HistoryLimit
	}
	msgs, err := s.store.History(c.Request.Context(), c.Param("user"), limit)
	if err != nil {
		slog.Error("failed to load history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSettingsGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.settingsStore.Get())
}

func (s *Server) handleSettingsUpdate(c *gin.Context) {
	var body settings.Settings
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := s.settingsStore.Update(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body)
}
