// Package rpc defines the JSON-RPC parameter and result types shared by the
// WebSocket channel and its clients.
package rpc

// AuthParams is the first request on every connection.
type AuthParams struct {
	Token string `json:"token"`
}

// AuthResult is returned on successful authentication.
type AuthResult struct {
	Version string `json:"version"`
	Backend string `json:"backend"`
}

// TaskRunParams starts (or replaces) a task for a conversation.
type TaskRunParams struct {
	UserID          string `json:"user_id"`
	Prompt          string `json:"prompt"`
	WorkDir         string `json:"work_dir,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	ForceNewSession bool   `json:"force_new_session,omitempty"`
}

// TaskCancelParams stops the active task for a conversation.
type TaskCancelParams struct {
	UserID string `json:"user_id"`
}

// TaskCancelResult reports whether a task was actually running.
type TaskCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// TaskStatusParams queries the active task for a conversation.
type TaskStatusParams struct {
	UserID string `json:"user_id"`
}

// EventsSubscribeParams attaches this connection to a conversation's event
// stream.
type EventsSubscribeParams struct {
	UserID string `json:"user_id"`
}

// EventsSubscribeResult carries the subscription id used to unsubscribe.
type EventsSubscribeResult struct {
	ID string `json:"id"`
}

// EventsUnsubscribeParams detaches a previous subscription.
type EventsUnsubscribeParams struct {
	ID string `json:"id"`
}

// PermissionResponseParams resolves a pending permission request.
type PermissionResponseParams struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// QuestionAnswerParams resolves a pending question.
type QuestionAnswerParams struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// PlanResponseParams resolves a pending plan proposal.
type PlanResponseParams struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"` // approve | reject | cancel | clarify
	Text      string `json:"text,omitempty"`
}

// RespondResult reports whether this caller's response won the race.
type RespondResult struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

// HistoryParams fetches a conversation transcript.
type HistoryParams struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}
