// Package agent defines the canonical event protocol and the driver
// capability shared by every agent backend, plus the two backend
// implementations: a subprocess driver that parses the CLI's line-delimited
// stream, and an in-process client driver that speaks the duplex control
// protocol with callback hooks.
package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned when a response is written to a run that has already
// been cancelled.
var ErrClosed = errors.New("agent run closed")

// ResponseKind identifies which pending request a response resolves.
type ResponseKind string

const (
	ResponsePermission ResponseKind = "permission"
	ResponseQuestion   ResponseKind = "question"
	ResponsePlan       ResponseKind = "plan"
)

// PlanAction is the decision for a plan proposal.
type PlanAction string

const (
	PlanApprove PlanAction = "approve"
	PlanReject  PlanAction = "reject"
	PlanCancel  PlanAction = "cancel"
	PlanClarify PlanAction = "clarify"
)

// PlanDecision carries a plan approval outcome. Text is only set for
// PlanClarify.
type PlanDecision struct {
	Action PlanAction
	Text   string
}

// PermissionRequest is handed to the permission hook before a privileged
// tool runs.
type PermissionRequest struct {
	RequestID string
	ToolName  string
	Details   string
	RawInput  json.RawMessage
}

// QuestionRequest is handed to the question hook when the agent needs an
// answer to continue. Empty Options means a free-text answer is expected.
type QuestionRequest struct {
	RequestID string
	Text      string
	Options   []string
}

// PlanRequest is handed to the plan hook when the agent proposes a plan.
type PlanRequest struct {
	RequestID string
	Content   string
}

// Hooks are blocking decision callbacks. Callback-style backends invoke them
// synchronously before each privileged action; the hook must not return until
// a decision is available. Stream-style backends ignore them (the caller
// handles pause events from the stream and resumes via WriteResponse).
type Hooks struct {
	OnPermission func(ctx context.Context, req PermissionRequest) (bool, error)
	OnQuestion   func(ctx context.Context, req QuestionRequest) (string, error)
	OnPlan       func(ctx context.Context, req PlanRequest) (PlanDecision, error)
}

// StartOptions configures a single agent run.
type StartOptions struct {
	Prompt          string
	WorkDir         string
	ResumeSessionID string

	// AutoApprove skips permission prompts entirely for this run.
	AutoApprove bool

	Hooks Hooks
}

// Driver starts agent runs. Implementations are selected at startup and are
// interchangeable behind this interface.
type Driver interface {
	Start(ctx context.Context, opts StartOptions) (Run, error)
}

// Run is one in-flight agent execution.
//
// Events are delivered in emission order and the channel is closed when the
// run ends. Cancel is effective within a bounded grace period (terminate,
// then force-kill). WriteResponse resumes a paused run for drivers that
// communicate over a live duplex channel; it is a no-op for callback-style
// drivers where the response is returned from the blocking hook.
type Run interface {
	Events() <-chan Event
	WriteResponse(kind ResponseKind, value string) error
	Cancel() error
}
