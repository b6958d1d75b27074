// Package task owns the per-task execution state: one Context per active
// task per user, with its cancellation signal, per-kind HITL wait slots, and
// accumulated output. A Context is created by the orchestrator, passed by
// reference into every callback, and never looked up again by bare user id
// mid-flight.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateWaitingPermission State = "waiting_permission"
	StateWaitingAnswer     State = "waiting_answer"
	StateWaitingPlan       State = "waiting_plan"
	StateCompleted         State = "completed"
	StateCancelled         State = "cancelled"
	StateFailed            State = "failed"
)

// HITLKind identifies which wait primitive a pending request belongs to.
// All HITL state is keyed by (context, kind): resolving a permission never
// satisfies a pending question, and vice versa.
type HITLKind string

const (
	KindPermission HITLKind = "permission"
	KindQuestion   HITLKind = "question"
	KindPlan       HITLKind = "plan"
)

// WaitingState returns the task state corresponding to a pending wait of
// this kind.
func (k HITLKind) WaitingState() State {
	switch k {
	case KindQuestion:
		return StateWaitingAnswer
	case KindPlan:
		return StateWaitingPlan
	default:
		return StateWaitingPermission
	}
}

// FailureKind classifies terminal task failures.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation"
	FailureBackend    FailureKind = "backend_error"
	FailureTerminated FailureKind = "terminated"
	FailureTimeout    FailureKind = "timeout"
)

// ErrWaitActive is returned by BeginWait when a request of the same kind is
// already pending on the context.
var ErrWaitActive = errors.New("a request of this kind is already pending")

// PendingRequest is one outstanding HITL request. It lives only while its
// owning Context is in the matching Waiting* state.
type PendingRequest struct {
	ID        string          `json:"request_id"`
	Kind      HITLKind        `json:"kind"`
	ToolName  string          `json:"tool_name,omitempty"`
	Details   string          `json:"details,omitempty"`
	RawInput  json.RawMessage `json:"raw_input,omitempty"`
	Question  string          `json:"question,omitempty"`
	Options   []string        `json:"options,omitempty"`
	Plan      string          `json:"plan,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Response resolves a pending request. Fields are interpreted per kind.
type Response struct {
	Approved bool   `json:"approved,omitempty"` // permission
	Answer   string `json:"answer,omitempty"`   // question
	Action   string `json:"action,omitempty"`   // plan: approve|reject|cancel|clarify
	Text     string `json:"text,omitempty"`     // plan clarification
	Channel  string `json:"channel,omitempty"`  // responding channel id
}

// waitSlot is the wait primitive for one HITL kind. The response channel is
// buffered so a resolver never blocks on a waiter that already gave up.
type waitSlot struct {
	pending *PendingRequest
	ch      chan Response
}

// Context is the state of one in-flight task. Identity is the owning user:
// at most one active Context exists per user at any instant.
type Context struct {
	UserID  string
	TaskID  string
	WorkDir string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	slots   map[HITLKind]*waitSlot
	output  strings.Builder
	started time.Time
}

// NewContext creates an Idle context owned by userID.
func NewContext(userID, workDir string) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		UserID:  userID,
		TaskID:  uuid.Must(uuid.NewV7()).String(),
		WorkDir: workDir,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		slots:   make(map[HITLKind]*waitSlot),
		started: time.Now(),
	}
}

// Done is closed when the task is cancelled. Every waiting primitive selects
// on it, so one cancel unblocks all outstanding waits simultaneously.
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Cancelled reports whether the cancel signal has fired.
func (c *Context) Cancelled() bool {
	return c.ctx.Err() != nil
}

// Cancel broadcasts the cancellation signal. Idempotent.
func (c *Context) Cancel() {
	c.cancel()
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Active reports whether the task is running or waiting on a HITL decision.
func (c *Context) Active() bool {
	switch c.State() {
	case StateRunning, StateWaitingPermission, StateWaitingAnswer, StateWaitingPlan:
		return true
	default:
		return false
	}
}

// AppendOutput accumulates streamed text.
func (c *Context) AppendOutput(s string) {
	c.mu.Lock()
	c.output.WriteString(s)
	c.mu.Unlock()
}

// Output returns the text accumulated so far.
func (c *Context) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

// StartedAt returns the context creation time.
func (c *Context) StartedAt() time.Time {
	return c.started
}

// BeginWait registers a pending request for its kind and returns the channel
// the response will arrive on. At most one request per kind may be pending.
func (c *Context) BeginWait(req *PendingRequest) (<-chan Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot := c.slots[req.Kind]; slot != nil && slot.pending != nil {
		return nil, ErrWaitActive
	}

	slot := &waitSlot{
		pending: req,
		ch:      make(chan Response, 1),
	}
	c.slots[req.Kind] = slot
	c.state = req.Kind.WaitingState()
	return slot.ch, nil
}

// Resolve delivers a response to the pending request with the given id.
// Exactly one response is accepted per request; later attempts return false.
func (c *Context) Resolve(kind HITLKind, requestID string, resp Response) bool {
	c.mu.Lock()
	slot := c.slots[kind]
	if slot == nil || slot.pending == nil || slot.pending.ID != requestID {
		c.mu.Unlock()
		return false
	}
	slot.pending = nil
	ch := slot.ch
	c.mu.Unlock()

	ch <- resp
	return true
}

// EndWait clears the pending request of a kind after a response, timeout, or
// cancellation, and restores the running state if the task is still live.
func (c *Context) EndWait(kind HITLKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot := c.slots[kind]; slot != nil {
		slot.pending = nil
	}
	if c.state == kind.WaitingState() {
		c.state = StateRunning
	}
}

// Pending returns the outstanding request of a kind, or nil.
func (c *Context) Pending(kind HITLKind) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot := c.slots[kind]; slot != nil {
		return slot.pending
	}
	return nil
}

// PendingRequests returns all outstanding requests across kinds.
func (c *Context) PendingRequests() []*PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reqs []*PendingRequest
	for _, slot := range c.slots {
		if slot != nil && slot.pending != nil {
			reqs = append(reqs, slot.pending)
		}
	}
	return reqs
}
