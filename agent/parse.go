package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MaxToolResultLen bounds rendered tool output so downstream UI channels are
// not flooded by large file reads or command output.
const MaxToolResultLen = 500

// wireRecord is the raw shape of one line of the backend's stream output.
// The backend emits almost-JSON with shape drift between versions, so every
// field is optional and all fallback logic lives here.
type wireRecord struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	// result record
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`

	// pause records
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Question  string          `json:"question,omitempty"`
	Options   []string        `json:"options,omitempty"`
	Plan      string          `json:"plan,omitempty"`
	Request   *wireControl    `json:"request,omitempty"`

	// newer top-level tool_result shape
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`

	// best-effort extraction for unknown records
	Text    string          `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// wireControl is the payload of a control_request record.
type wireControl struct {
	Subtype  string          `json:"subtype,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// wireMessage is the message object in assistant/user records.
type wireMessage struct {
	Content []wireBlock `json:"content"`
}

// wireBlock is a content block in a message.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseLine normalizes one line of backend stream output into a canonical
// Event. Non-JSON lines fall back to an opaque text event; records that carry
// nothing displayable return nil. ParseLine never fails: a malformed record
// is dropped, not surfaced as an error.
func ParseLine(line []byte) *Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return &Event{Type: EventTypeText, Content: string(line)}
	}

	switch rec.Type {
	case "assistant":
		return parseAssistant(rec)
	case "user":
		return parseUserToolResult(rec)
	case "tool_result":
		return &Event{
			Type:       EventTypeToolResult,
			ToolUseID:  rec.ToolUseID,
			ToolResult: renderToolResult(rec.Output),
		}
	case "result":
		return parseResult(rec)
	case "permission_request":
		return &Event{
			Type:      EventTypePermissionRequest,
			RequestID: rec.RequestID,
			ToolName:  rec.ToolName,
			Details:   renderToolResult(rec.Input),
			RawInput:  rec.Input,
		}
	case "control_request":
		return parseControlRequest(rec)
	case "question":
		return &Event{
			Type:      EventTypeQuestion,
			RequestID: rec.RequestID,
			Question:  firstNonEmpty(rec.Question, rec.Text),
			Options:   rec.Options,
		}
	case "plan", "plan_proposal":
		return &Event{
			Type:      EventTypePlanProposal,
			RequestID: rec.RequestID,
			Plan:      firstNonEmpty(rec.Plan, rec.Text),
		}
	case "error":
		return &Event{Type: EventTypeError, Error: firstNonEmpty(rec.Error, rec.Result, rec.Text)}
	case "system":
		// init/housekeeping records carry no user-visible content
		return nil
	default:
		return parseUnknown(rec)
	}
}

// parseAssistant handles assistant message records. A message carrying both
// narrative text and a tool invocation surfaces only the tool invocation; the
// trailing text arrives in a later event. When the backend packs several
// tool_use blocks into one message only the first is surfaced — a backend
// quirk kept for output parity.
func parseAssistant(rec wireRecord) *Event {
	if rec.Message == nil {
		return nil
	}

	var msg wireMessage
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		return nil
	}

	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			return &Event{
				Type:      EventTypeToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			}
		}
	}

	var textParts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			textParts = append(textParts, block.Text)
		}
	}
	if len(textParts) == 0 {
		return nil
	}
	return &Event{Type: EventTypeText, Content: strings.Join(textParts, "")}
}

// parseUserToolResult handles the older tool-result shape: a user record
// whose message content carries tool_result blocks.
func parseUserToolResult(rec wireRecord) *Event {
	if rec.Message == nil {
		return nil
	}

	var msg wireMessage
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		return nil
	}

	for _, block := range msg.Content {
		if block.Type == "tool_result" {
			return &Event{
				Type:       EventTypeToolResult,
				ToolUseID:  block.ToolUseID,
				ToolResult: renderToolResult(block.Content),
			}
		}
	}
	return nil
}

// parseResult handles the final record. It carries cumulative metadata and
// contributes its own text to the output.
func parseResult(rec wireRecord) *Event {
	if rec.IsError {
		return &Event{Type: EventTypeError, Error: firstNonEmpty(rec.Error, rec.Result, "task failed")}
	}
	return &Event{
		Type:       EventTypeCompleted,
		Content:    rec.Result,
		SessionID:  rec.SessionID,
		CostUSD:    rec.TotalCostUSD,
		Turns:      rec.NumTurns,
		DurationMs: rec.DurationMs,
	}
}

// parseControlRequest maps the control-protocol permission shape onto the
// canonical permission event. Other control subtypes carry no user-visible
// content.
func parseControlRequest(rec wireRecord) *Event {
	if rec.Request == nil || rec.Request.Subtype != "can_use_tool" {
		return nil
	}
	return &Event{
		Type:      EventTypePermissionRequest,
		RequestID: rec.RequestID,
		ToolName:  rec.Request.ToolName,
		Details:   renderToolResult(rec.Request.Input),
		RawInput:  rec.Request.Input,
	}
}

// parseUnknown attempts best-effort extraction of a text/content field from
// an unrecognized record before discarding it.
func parseUnknown(rec wireRecord) *Event {
	if rec.Text != "" {
		return &Event{Type: EventTypeText, Content: rec.Text}
	}
	if len(rec.Content) > 0 {
		if text := renderToolResult(rec.Content); text != "" {
			return &Event{Type: EventTypeText, Content: text}
		}
	}
	return nil
}

// renderToolResult flattens a tool result payload to display text. The
// payload is either a plain string, a list of content blocks, or arbitrary
// JSON; the rendered text is truncated to MaxToolResultLen.
func renderToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncateResult(s)
	}

	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return truncateResult(strings.Join(parts, "\n"))
		}
	}

	return truncateResult(string(raw))
}

func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxToolResultLen {
		return s
	}
	return string(runes[:MaxToolResultLen]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
