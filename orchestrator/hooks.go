package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/task"
)

// hooks builds the blocking decision callbacks for one task. Callback-style
// drivers invoke them directly from the control channel; for stream-style
// drivers the orchestrator's event loop calls the same hooks on pause events
// and forwards the decision over stdin. Either way there is exactly one
// decision path per kind.
func (o *Orchestrator) hooks(tc *task.Context, autoApprove bool) agent.Hooks {
	return agent.Hooks{
		OnPermission: func(ctx context.Context, req agent.PermissionRequest) (bool, error) {
			started := time.Now()
			approved, err := o.coord.RequestPermission(ctx, tc, req, autoApprove)
			o.metrics.HITLResolved("permission", hitlResolution(autoApprove, err), time.Since(started))
			return approved, err
		},
		OnQuestion: func(ctx context.Context, req agent.QuestionRequest) (string, error) {
			started := time.Now()
			answer, err := o.coord.AskQuestion(ctx, tc, req)
			o.metrics.HITLResolved("question", hitlResolution(false, err), time.Since(started))
			return answer, err
		},
		OnPlan: func(ctx context.Context, req agent.PlanRequest) (agent.PlanDecision, error) {
			started := time.Now()
			decision, err := o.coord.RequestPlanApproval(ctx, tc, req)
			o.metrics.HITLResolved("plan", hitlResolution(false, err), time.Since(started))
			return decision, err
		},
	}
}

func hitlResolution(autoApproved bool, err error) string {
	switch {
	case autoApproved:
		return "auto_approved"
	case err != nil:
		return "interrupted"
	default:
		return "responded"
	}
}

// handlePermissionEvent resolves a stream-emitted permission pause and
// forwards "y" or "n" to the backend's stdin. The run context bounds the
// wait: when the task's wall clock expires mid-pause the coordinator
// returns immediately instead of blocking until its own timeout.
func (o *Orchestrator) handlePermissionEvent(ctx context.Context, tc *task.Context, run agent.Run, ev agent.Event) {
	hooks := o.hooks(tc, o.settings.Get().AutoApprove)
	approved, err := hooks.OnPermission(ctx, agent.PermissionRequest{
		RequestID: ev.RequestID,
		ToolName:  ev.ToolName,
		Details:   ev.Details,
		RawInput:  ev.RawInput,
	})
	if err != nil {
		// interrupted: the run context cancellation stops the driver
		return
	}
	value := "n"
	if approved {
		value = "y"
	}
	if err := run.WriteResponse(agent.ResponsePermission, value); err != nil {
		slog.Warn("failed to forward permission response", "taskId", tc.TaskID, "error", err)
	}
}

// handleQuestionEvent resolves a stream-emitted question and forwards the
// free-text answer.
func (o *Orchestrator) handleQuestionEvent(ctx context.Context, tc *task.Context, run agent.Run, ev agent.Event) {
	hooks := o.hooks(tc, false)
	answer, err := hooks.OnQuestion(ctx, agent.QuestionRequest{
		RequestID: ev.RequestID,
		Text:      ev.Question,
		Options:   ev.Options,
	})
	if err != nil {
		return
	}
	if err := run.WriteResponse(agent.ResponseQuestion, answer); err != nil {
		slog.Warn("failed to forward answer", "taskId", tc.TaskID, "error", err)
	}
}

// handlePlanEvent resolves a stream-emitted plan proposal. Approval and
// rejection map to "y"/"n"; a clarification is forwarded as free text. A
// cancel decision has already cancelled the task context, which stops the
// driver through the run context.
func (o *Orchestrator) handlePlanEvent(ctx context.Context, tc *task.Context, run agent.Run, ev agent.Event) {
	hooks := o.hooks(tc, false)
	decision, err := hooks.OnPlan(ctx, agent.PlanRequest{
		RequestID: ev.RequestID,
		Content:   ev.Plan,
	})
	if err != nil {
		return
	}

	var value string
	switch decision.Action {
	case agent.PlanApprove:
		value = "y"
	case agent.PlanClarify:
		value = decision.Text
	case agent.PlanCancel:
		return
	default:
		value = "n"
	}
	if err := run.WriteResponse(agent.ResponsePlan, value); err != nil {
		slog.Warn("failed to forward plan response", "taskId", tc.TaskID, "error", err)
	}
}
