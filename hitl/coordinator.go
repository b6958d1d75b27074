// Package hitl coordinates the pause points where the agent needs a human
// decision before it may proceed: tool permissions, questions, and plan
// approvals. Each wait is keyed by (task context, kind), so a pending
// permission and a pending question on the same task never interfere.
package hitl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/task"
)

// DefaultTimeout bounds how long a single wait blocks before resolving with
// its kind's default (deny, empty answer, reject).
const DefaultTimeout = 300 * time.Second

// ErrInterrupted is returned when the owning task is cancelled while a wait
// is outstanding. Callers must abort the agent turn instead of continuing.
var ErrInterrupted = errors.New("task cancelled while waiting for response")

// Coordinator blocks agent runs on human decisions and resumes them when a
// response arrives through the event bus from any subscribed channel.
type Coordinator struct {
	bus     *bus.Bus
	timeout time.Duration
}

func New(b *bus.Bus, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{bus: b, timeout: timeout}
}

// RequestParams is the hitl_request notification payload.
type RequestParams struct {
	TaskID  string              `json:"task_id"`
	UserID  string              `json:"user_id"`
	Request task.PendingRequest `json:"request"`
}

// ResolvedParams is the hitl_resolved notification payload.
type ResolvedParams struct {
	TaskID     string `json:"task_id"`
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// RequestPermission blocks until a channel approves or denies a tool use.
// Timeout counts as denial. In auto-approve mode the wait is skipped entirely
// and a notice is published so the bypass stays visible to UIs.
func (c *Coordinator) RequestPermission(ctx context.Context, tc *task.Context, req agent.PermissionRequest, autoApprove bool) (bool, error) {
	if autoApprove {
		c.bus.Publish(tc.UserID, bus.Notification{
			Method: bus.MethodNotice,
			Params: map[string]any{
				"task_id": tc.TaskID,
				"notice":  "auto-approved",
				"tool":    req.ToolName,
			},
		})
		slog.Info("auto-approved tool use", "taskId", tc.TaskID, "tool", req.ToolName)
		return true, nil
	}

	pending := &task.PendingRequest{
		ID:        orNewRequestID(req.RequestID),
		Kind:      task.KindPermission,
		ToolName:  req.ToolName,
		Details:   req.Details,
		RawInput:  req.RawInput,
		CreatedAt: time.Now(),
	}
	resp, out, err := c.wait(ctx, tc, pending)
	if err != nil {
		return false, err
	}
	switch out {
	case outcomeResolved:
		return resp.Approved, nil
	case outcomeTimedOut:
		return false, nil
	default:
		return false, ErrInterrupted
	}
}

// AskQuestion blocks until a channel answers. Timeout yields an empty answer
// and the task continues.
func (c *Coordinator) AskQuestion(ctx context.Context, tc *task.Context, req agent.QuestionRequest) (string, error) {
	pending := &task.PendingRequest{
		ID:        orNewRequestID(req.RequestID),
		Kind:      task.KindQuestion,
		Question:  req.Text,
		Options:   req.Options,
		CreatedAt: time.Now(),
	}
	resp, out, err := c.wait(ctx, tc, pending)
	if err != nil {
		return "", err
	}
	switch out {
	case outcomeResolved:
		return resp.Answer, nil
	case outcomeTimedOut:
		return "", nil
	default:
		return "", ErrInterrupted
	}
}

// RequestPlanApproval blocks until a channel decides on a proposed plan.
// Timeout counts as rejection. A cancel decision also cancels the owning
// task, not just the plan step.
func (c *Coordinator) RequestPlanApproval(ctx context.Context, tc *task.Context, req agent.PlanRequest) (agent.PlanDecision, error) {
	pending := &task.PendingRequest{
		ID:        orNewRequestID(req.RequestID),
		Kind:      task.KindPlan,
		Plan:      req.Content,
		CreatedAt: time.Now(),
	}
	resp, out, err := c.wait(ctx, tc, pending)
	if err != nil {
		return agent.PlanDecision{Action: agent.PlanReject}, err
	}
	switch out {
	case outcomeResolved:
		decision := agent.PlanDecision{Action: agent.PlanAction(resp.Action), Text: resp.Text}
		switch decision.Action {
		case agent.PlanApprove, agent.PlanReject, agent.PlanClarify:
		case agent.PlanCancel:
			tc.Cancel()
		default:
			decision.Action = agent.PlanReject
		}
		return decision, nil
	case outcomeTimedOut:
		return agent.PlanDecision{Action: agent.PlanReject}, nil
	default:
		return agent.PlanDecision{Action: agent.PlanCancel}, ErrInterrupted
	}
}

type waitOutcome int

const (
	outcomeResolved waitOutcome = iota
	outcomeTimedOut
	outcomeInterrupted
)

// wait runs one full Waiting cycle: register the request, notify channels,
// block for a response, and restore the task state on every exit path.
func (c *Coordinator) wait(ctx context.Context, tc *task.Context, pending *task.PendingRequest) (task.Response, waitOutcome, error) {
	ch, err := tc.BeginWait(pending)
	if err != nil {
		return task.Response{}, outcomeInterrupted, err
	}
	defer tc.EndWait(pending.Kind)

	c.bus.Register(pending.ID, func(resp task.Response) bool {
		return tc.Resolve(pending.Kind, pending.ID, resp)
	})
	c.bus.Publish(tc.UserID, bus.Notification{
		Method: bus.MethodHITLRequest,
		Params: RequestParams{TaskID: tc.TaskID, UserID: tc.UserID, Request: *pending},
	})
	slog.Info("waiting for response",
		"taskId", tc.TaskID, "requestId", pending.ID, "kind", pending.Kind)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		c.publishResolved(tc, pending, resp.Channel, false)
		return resp, outcomeResolved, nil

	case <-timer.C:
		// a response raced the timer into the buffered channel; honor it
		select {
		case resp := <-ch:
			c.publishResolved(tc, pending, resp.Channel, false)
			return resp, outcomeResolved, nil
		default:
		}
		c.bus.Unregister(pending.ID)
		c.publishResolved(tc, pending, "", true)
		slog.Warn("response wait timed out",
			"taskId", tc.TaskID, "requestId", pending.ID, "kind", pending.Kind)
		return task.Response{}, outcomeTimedOut, nil

	case <-ctx.Done():
		c.bus.Unregister(pending.ID)
		return task.Response{}, outcomeInterrupted, nil

	case <-tc.Done():
		c.bus.Unregister(pending.ID)
		return task.Response{}, outcomeInterrupted, nil
	}
}

func (c *Coordinator) publishResolved(tc *task.Context, pending *task.PendingRequest, resolvedBy string, timedOut bool) {
	c.bus.Publish(tc.UserID, bus.Notification{
		Method: bus.MethodHITLResolved,
		Params: ResolvedParams{
			TaskID:     tc.TaskID,
			RequestID:  pending.ID,
			Kind:       string(pending.Kind),
			ResolvedBy: resolvedBy,
			TimedOut:   timedOut,
		},
	})
}

func orNewRequestID(id string) string {
	if id != "" {
		return id
	}
	return "req_" + uuid.Must(uuid.NewV7()).String()
}
