// Package orchestrator owns the lifecycle of a task: it creates the
// TaskContext, starts the backend driver, routes normalized events to UI
// channels and the HITL coordinator, and translates every exit path into a
// single TaskResult with guaranteed cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/hitl"
	"github.com/agentrelay/server/metrics"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
	"github.com/agentrelay/server/task"
)

// ValidationError rejects a request before any TaskContext is created.
// Validation failures are never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// TaskRequest describes one task submission from any channel.
type TaskRequest struct {
	UserID          string `json:"user_id"`
	Prompt          string `json:"prompt"`
	WorkDir         string `json:"work_dir,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	ForceNewSession bool   `json:"force_new_session,omitempty"`
	Channel         string `json:"channel,omitempty"`
}

// TaskResult is the single terminal outcome of a task. Cancelled is not a
// failure: accumulated output is still returned.
type TaskResult struct {
	TaskID     string           `json:"task_id"`
	UserID     string           `json:"user_id"`
	Output     string           `json:"output"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Failure    task.FailureKind `json:"failure,omitempty"`
	Error      string           `json:"error,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	CostUSD    float64          `json:"cost_usd,omitempty"`
	Turns      int              `json:"turns,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// Failed reports whether the task ended in a failure state.
func (r *TaskResult) Failed() bool {
	return r.Failure != task.FailureNone
}

// Status is a point-in-time view of a user's active task.
type Status struct {
	TaskID    string                 `json:"task_id"`
	UserID    string                 `json:"user_id"`
	State     task.State             `json:"state"`
	Pending   []*task.PendingRequest `json:"pending,omitempty"`
	StartedAt time.Time              `json:"started_at"`
}

// Orchestrator runs tasks, one per user at a time.
type Orchestrator struct {
	driver   agent.Driver
	registry *task.Registry
	coord    *hitl.Coordinator
	bus      *bus.Bus
	store    *session.Store
	settings *settings.Store
	metrics  *metrics.Metrics

	taskTimeout time.Duration
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Driver      agent.Driver
	Registry    *task.Registry
	Coordinator *hitl.Coordinator
	Bus         *bus.Bus
	Store       *session.Store
	Settings    *settings.Store
	Metrics     *metrics.Metrics
	TaskTimeout time.Duration
}

const defaultTaskTimeout = 600 * time.Second

func New(opts Options) *Orchestrator {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Orchestrator{
		driver:      opts.Driver,
		registry:    opts.Registry,
		coord:       opts.Coordinator,
		bus:         opts.Bus,
		store:       opts.Store,
		settings:    opts.Settings,
		metrics:     opts.Metrics,
		taskTimeout: opts.TaskTimeout,
	}
}

// Run executes one task to completion. It blocks until the task finishes,
// fails, or is cancelled; callers that need fire-and-forget run it in a
// goroutine and watch the bus. Submitting a new task for a user cancels and
// replaces any task still running for that user.
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	workDir, err := o.resolveWorkDir(req)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, validationErrorf("prompt must not be empty")
	}
	if req.UserID == "" {
		return nil, validationErrorf("user id must not be empty")
	}

	tc, replaced := o.registry.Begin(req.UserID, workDir)
	if replaced != nil {
		o.publishStatus(tc, "replacing previous task")
	}
	defer o.registry.Remove(tc)
	defer tc.Cancel()

	resumeID, err := o.resolveContinuation(ctx, req)
	if err != nil {
		return nil, err
	}

	o.metrics.TaskStarted()
	started := time.Now()
	tc.SetState(task.StateRunning)
	o.publishStatus(tc, "")
	slog.Info("task started",
		"taskId", tc.TaskID, "userId", req.UserID, "workDir", workDir,
		"resume", resumeID != "", "channel", req.Channel)

	if err := o.store.AppendHistory(ctx, req.UserID, "user", req.Prompt); err != nil {
		slog.Warn("failed to record prompt", "taskId", tc.TaskID, "error", err)
	}

	result := o.runTask(tc, req.Prompt, workDir, resumeID)

	// A completed run that reports zero turns while resuming means the
	// stored session is no longer valid on the backend side. Retry exactly
	// once with a fresh session.
	if !result.Failed() && !result.Cancelled && result.Turns == 0 && resumeID != "" {
		slog.Warn("resumed session produced zero turns, retrying fresh",
			"taskId", tc.TaskID, "sessionId", resumeID)
		if err := o.store.ClearContinuation(ctx, req.UserID); err != nil {
			slog.Warn("failed to clear continuation", "userId", req.UserID, "error", err)
		}
		result = o.runTask(tc, req.Prompt, workDir, "")
	}

	o.finalize(ctx, tc, result, started)
	return result, nil
}

// Cancel stops the active task for a user, if any.
func (o *Orchestrator) Cancel(userID string) bool {
	tc := o.registry.Get(userID)
	if tc == nil || !tc.Active() {
		return false
	}
	tc.Cancel()
	slog.Info("task cancelled", "taskId", tc.TaskID, "userId", userID)
	return true
}

// Status reports the state of a user's current task, or nil when none is
// registered.
func (o *Orchestrator) Status(userID string) *Status {
	tc := o.registry.Get(userID)
	if tc == nil {
		return nil
	}
	return &Status{
		TaskID:    tc.TaskID,
		UserID:    tc.UserID,
		State:     tc.State(),
		Pending:   tc.PendingRequests(),
		StartedAt: tc.StartedAt(),
	}
}

// runTask runs one driver attempt and owns its cleanup: whatever happens
// mid-stream, the driver is stopped and the result carries the output
// accumulated so far.
func (o *Orchestrator) runTask(tc *task.Context, prompt, workDir, resumeID string) *TaskResult {
	result := &TaskResult{TaskID: tc.TaskID, UserID: tc.UserID}

	runCtx, cancelRun := context.WithTimeout(context.Background(), o.taskTimeout)
	defer cancelRun()
	go func() {
		select {
		case <-tc.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	autoApprove := o.settings.Get().AutoApprove
	run, err := o.driver.Start(runCtx, agent.StartOptions{
		Prompt:          prompt,
		WorkDir:         workDir,
		ResumeSessionID: resumeID,
		AutoApprove:     autoApprove,
		Hooks:           o.hooks(tc, autoApprove),
	})
	if err != nil {
		result.Failure = task.FailureBackend
		result.Error = err.Error()
		return result
	}
	defer run.Cancel()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				// stream ended without a terminal event
				switch {
				case tc.Cancelled():
					result.Cancelled = true
				case runCtx.Err() != nil:
					// the wall clock expired and cancelled the driver before
					// this loop observed runCtx.Done()
					result.Failure = task.FailureTimeout
					result.Error = fmt.Sprintf("task exceeded %s", o.taskTimeout)
				case result.Failure == task.FailureNone && result.SessionID == "" && result.Error == "":
					result.Failure = task.FailureBackend
					result.Error = "agent stream ended unexpectedly"
				}
				result.Output = tc.Output()
				return result
			}
			if done := o.handleEvent(runCtx, tc, run, ev, result); done {
				result.Output = tc.Output()
				return result
			}

		case <-runCtx.Done():
			_ = run.Cancel()
			o.drainOutput(tc, run)
			result.Output = tc.Output()
			if tc.Cancelled() {
				result.Cancelled = true
			} else {
				result.Failure = task.FailureTimeout
				result.Error = fmt.Sprintf("task exceeded %s", o.taskTimeout)
			}
			return result
		}
	}
}

// handleEvent routes one normalized event. It returns true when the event is
// terminal for this run.
func (o *Orchestrator) handleEvent(ctx context.Context, tc *task.Context, run agent.Run, ev agent.Event, result *TaskResult) bool {
	switch ev.Type {
	case agent.EventTypeText:
		tc.AppendOutput(ev.Content)
		o.bus.Publish(tc.UserID, bus.Notification{
			Method: bus.MethodStreamChunk,
			Params: map[string]any{"task_id": tc.TaskID, "content": ev.Content},
		})

	case agent.EventTypeToolUse:
		o.bus.Publish(tc.UserID, bus.Notification{
			Method: bus.MethodToolUse,
			Params: map[string]any{
				"task_id":    tc.TaskID,
				"tool_name":  ev.ToolName,
				"tool_input": ev.ToolInput,
			},
		})

	case agent.EventTypeToolResult:
		o.bus.Publish(tc.UserID, bus.Notification{
			Method: bus.MethodToolResult,
			Params: map[string]any{
				"task_id": tc.TaskID,
				"result":  ev.ToolResult,
			},
		})

	case agent.EventTypePermissionRequest:
		o.handlePermissionEvent(ctx, tc, run, ev)

	case agent.EventTypeQuestion:
		o.handleQuestionEvent(ctx, tc, run, ev)

	case agent.EventTypePlanProposal:
		o.handlePlanEvent(ctx, tc, run, ev)

	case agent.EventTypeNotice:
		o.bus.Publish(tc.UserID, bus.Notification{
			Method: bus.MethodNotice,
			Params: map[string]any{"task_id": tc.TaskID, "notice": ev.Content},
		})

	case agent.EventTypeError:
		result.Error = ev.Error
		switch ev.Code {
		case agent.CodeTerminated:
			result.Failure = task.FailureTerminated
		default:
			result.Failure = task.FailureBackend
		}
		return true

	case agent.EventTypeCompleted:
		tc.AppendOutput(ev.Content)
		result.SessionID = ev.SessionID
		result.CostUSD = ev.CostUSD
		result.Turns = ev.Turns
		result.DurationMs = ev.DurationMs
		o.metrics.RunCompleted(ev.CostUSD, ev.Turns)
		return true
	}
	return false
}

// drainOutput collects whatever text events are still buffered after a
// cancellation so the caller gets everything the agent produced.
func (o *Orchestrator) drainOutput(tc *task.Context, run agent.Run) {
	deadline := time.After(killGraceDrain)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			if ev.Type == agent.EventTypeText || ev.Type == agent.EventTypeCompleted {
				tc.AppendOutput(ev.Content)
			}
		case <-deadline:
			return
		}
	}
}

// killGraceDrain bounds how long cancellation waits for the driver's stream
// to close; it comfortably covers the driver's terminate-then-kill grace.
const killGraceDrain = 2 * time.Second

// finalize marks the context, persists session state, and reports the
// outcome to channels and metrics. It runs on every exit path of Run.
func (o *Orchestrator) finalize(ctx context.Context, tc *task.Context, result *TaskResult, started time.Time) {
	outcome := "completed"
	switch {
	case result.Cancelled:
		tc.SetState(task.StateCancelled)
		outcome = "cancelled"
	case result.Failed():
		tc.SetState(task.StateFailed)
		outcome = "failed"
	default:
		tc.SetState(task.StateCompleted)
	}

	if outcome == "completed" && result.SessionID != "" {
		if err := o.store.SetContinuation(ctx, tc.UserID, result.SessionID); err != nil {
			slog.Warn("failed to persist continuation", "userId", tc.UserID, "error", err)
		}
	}
	if result.Output != "" {
		if err := o.store.AppendHistory(ctx, tc.UserID, "assistant", result.Output); err != nil {
			slog.Warn("failed to record output", "taskId", tc.TaskID, "error", err)
		}
	}

	o.metrics.TaskFinished(outcome, time.Since(started))
	o.publishStatus(tc, result.Error)
	slog.Info("task finished",
		"taskId", tc.TaskID, "userId", tc.UserID, "outcome", outcome,
		"turns", result.Turns, "costUsd", result.CostUSD,
		"duration", time.Since(started).Round(time.Millisecond))
}

func (o *Orchestrator) publishStatus(tc *task.Context, detail string) {
	params := map[string]any{
		"task_id": tc.TaskID,
		"user_id": tc.UserID,
		"state":   tc.State(),
	}
	if detail != "" {
		params["detail"] = detail
	}
	o.bus.Publish(tc.UserID, bus.Notification{Method: bus.MethodTaskStatus, Params: params})
}

func (o *Orchestrator) resolveWorkDir(req TaskRequest) (string, error) {
	dir := req.WorkDir
	if dir == "" {
		dir = o.settings.Get().DefaultWorkDir
	}
	if dir == "" {
		return "", validationErrorf("no working directory given and no default configured")
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", validationErrorf("working directory %q does not exist", dir)
	}
	return dir, nil
}

// resolveContinuation picks the session to resume: an explicit override from
// the caller wins, then the stored continuation for this conversation,
// unless a fresh session was requested.
func (o *Orchestrator) resolveContinuation(ctx context.Context, req TaskRequest) (string, error) {
	if req.ResumeSessionID != "" {
		return req.ResumeSessionID, nil
	}
	if req.ForceNewSession {
		return "", nil
	}
	stored, err := o.store.GetContinuation(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("load continuation: %w", err)
	}
	return stored, nil
}

// IsValidation reports whether an error from Run was a request validation
// failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
