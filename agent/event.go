package agent

import "encoding/json"

// EventType defines the type of agent event.
type EventType string

const (
	EventTypeText              EventType = "text"
	EventTypeToolUse           EventType = "tool_use"
	EventTypeToolResult        EventType = "tool_result"
	EventTypePermissionRequest EventType = "permission_request"
	EventTypeQuestion          EventType = "question"
	EventTypePlanProposal      EventType = "plan_proposal"
	EventTypeError             EventType = "error"
	EventTypeCompleted         EventType = "completed"
	EventTypeNotice            EventType = "notice"
)

// Event is the canonical event emitted by every agent backend.
// Exactly one task owns each event; events are delivered in emission order
// for that task.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`

	// Tool use / tool result
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`

	// HITL pause events
	RequestID string          `json:"request_id,omitempty"`
	Details   string          `json:"details,omitempty"`
	RawInput  json.RawMessage `json:"raw_input,omitempty"`
	Question  string          `json:"question,omitempty"`
	Options   []string        `json:"options,omitempty"`
	Plan      string          `json:"plan,omitempty"`

	// Error. Code distinguishes abnormal process death ("terminated") from
	// an in-band backend failure ("backend").
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// Completion metadata
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Turns      int     `json:"turns,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}
