// Package bus is the cross-channel broadcast layer: pending HITL requests
// raised while one channel drives a task stay visible and answerable from
// every other channel watching the same conversation. The first external
// response wins; the rest are informational.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentrelay/server/task"
)

var (
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrUnknownRequest  = errors.New("no pending request with this id")
)

// Notification method names, shared by every UI channel.
const (
	MethodStreamChunk  = "stream_chunk"
	MethodToolUse      = "tool_use"
	MethodToolResult   = "tool_result"
	MethodHITLRequest  = "hitl_request"
	MethodHITLResolved = "hitl_resolved"
	MethodTaskStatus   = "task_status"
	MethodNotice       = "notice"
	MethodError        = "error"
)

// Notification is one outbound message to UI channels.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Subscriber receives notifications for one channel. Errors are logged, not
// propagated: a broken UI connection must not affect the task.
type Subscriber func(n Notification) error

// resolvedMemory bounds how many resolved request ids are remembered for
// idempotent Respond calls. Old entries age out; a response that stale gets
// ErrUnknownRequest instead, which is equally terminal for the caller.
const resolvedMemory = 1024

// Bus routes notifications to subscribers and responses to pending HITL
// waits.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[string]Subscriber // channel → subscriberID → callback
	resolvers map[string]func(task.Response) bool
	resolved  *lru.Cache[string, string] // requestID → channel that resolved it
}

func New() *Bus {
	resolved, err := lru.New[string, string](resolvedMemory)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	return &Bus{
		subs:      make(map[string]map[string]Subscriber),
		resolvers: make(map[string]func(task.Response) bool),
		resolved:  resolved,
	}
}

// Subscribe attaches a callback to a conversation channel. Subscribing the
// same subscriber id again replaces the callback.
func (b *Bus) Subscribe(channel, subscriberID string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]Subscriber)
	}
	b.subs[channel][subscriberID] = fn
}

// Unsubscribe detaches a subscriber from a channel.
func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.subs[channel]; subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.subs, channel)
		}
	}
}

// Publish fans a notification out to every subscriber of a channel, in
// subscription snapshot order. Callback errors are logged and swallowed.
func (b *Bus) Publish(channel string, n Notification) {
	b.mu.RLock()
	snapshot := make(map[string]Subscriber, len(b.subs[channel]))
	for id, fn := range b.subs[channel] {
		snapshot[id] = fn
	}
	b.mu.RUnlock()

	for id, fn := range snapshot {
		if err := fn(n); err != nil {
			slog.Debug("failed to notify subscriber", "channel", channel, "subscriberId", id, "error", err)
		}
	}
}

// Register installs the resolver for a pending request id. The resolver
// returns true if it accepted the response (exactly once per request).
func (b *Bus) Register(requestID string, resolver func(task.Response) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolvers[requestID] = resolver
}

// Unregister removes a pending request that ended without an external
// response (timeout or cancellation). Later Respond calls for the id get
// ErrUnknownRequest.
func (b *Bus) Unregister(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.resolvers, requestID)
}

// Respond delivers an external response to a pending request. The first
// caller's payload resolves the wait; subsequent callers receive
// ErrAlreadyResolved and trigger no second resumption.
func (b *Bus) Respond(requestID string, resp task.Response, channelID string) error {
	b.mu.RLock()
	_, already := b.resolved.Get(requestID)
	resolver := b.resolvers[requestID]
	b.mu.RUnlock()

	if already {
		return ErrAlreadyResolved
	}
	if resolver == nil {
		return ErrUnknownRequest
	}

	resp.Channel = channelID
	if !resolver(resp) {
		// lost the race with another channel
		return ErrAlreadyResolved
	}

	b.mu.Lock()
	delete(b.resolvers, requestID)
	b.resolved.Add(requestID, channelID)
	b.mu.Unlock()
	return nil
}

// ResolvedBy returns which channel resolved a request, if remembered.
func (b *Bus) ResolvedBy(requestID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resolved.Get(requestID)
}
