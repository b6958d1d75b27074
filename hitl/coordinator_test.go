package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/task"
)

// collector records bus notifications for one conversation.
type collector struct {
	mu   sync.Mutex
	seen []bus.Notification
}

func (c *collector) subscribe(b *bus.Bus, channel string) {
	b.Subscribe(channel, "test", func(n bus.Notification) error {
		c.mu.Lock()
		c.seen = append(c.seen, n)
		c.mu.Unlock()
		return nil
	})
}

func (c *collector) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seen))
	for i, n := range c.seen {
		out[i] = n.Method
	}
	return out
}

// pendingRequestID polls until the task has a pending request of the kind.
func pendingRequestID(t *testing.T, tc *task.Context, kind task.HITLKind) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if req := tc.Pending(kind); req != nil {
			return req.ID
		}
		select {
		case <-deadline:
			t.Fatal("no pending request appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// respond retries until the request is registered on the bus; the pending
// request becomes visible a moment before the resolver does.
func respond(t *testing.T, b *bus.Bus, requestID string, resp task.Response, channel string) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		err := b.Respond(requestID, resp, channel)
		if err != bus.ErrUnknownRequest {
			return err
		}
		select {
		case <-deadline:
			t.Fatal("request never registered on the bus")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRequestPermissionResolvedByBusResponse(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	done := make(chan bool, 1)
	go func() {
		approved, err := c.RequestPermission(context.Background(), tc, agent.PermissionRequest{
			RequestID: "req_1",
			ToolName:  "Bash",
		}, false)
		require.NoError(t, err)
		done <- approved
	}()

	pendingRequestID(t, tc, task.KindPermission)
	require.NoError(t, respond(t, b, "req_1", task.Response{Approved: true}, "ws:1"))

	select {
	case approved := <-done:
		assert.True(t, approved)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestPermission did not return")
	}
	assert.Equal(t, task.StateRunning, tc.State())
}

func TestRequestPermissionTimeoutDenies(t *testing.T) {
	b := bus.New()
	c := New(b, 20*time.Millisecond)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	approved, err := c.RequestPermission(context.Background(), tc, agent.PermissionRequest{RequestID: "req_1"}, false)
	require.NoError(t, err)
	assert.False(t, approved)

	// the expired id must no longer be answerable
	err = b.Respond("req_1", task.Response{Approved: true}, "rest")
	assert.ErrorIs(t, err, bus.ErrUnknownRequest)
}

func TestRequestPermissionAutoApproveSkipsWaiting(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	seen := &collector{}
	seen.subscribe(b, "user1")

	approved, err := c.RequestPermission(context.Background(), tc, agent.PermissionRequest{ToolName: "Bash"}, true)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, task.StateRunning, tc.State())
	assert.Contains(t, seen.methods(), bus.MethodNotice)
	assert.NotContains(t, seen.methods(), bus.MethodHITLRequest)
}

func TestRequestPermissionCancelledTask(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestPermission(context.Background(), tc, agent.PermissionRequest{RequestID: "req_1"}, false)
		errCh <- err
	}()

	pendingRequestID(t, tc, task.KindPermission)
	tc.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("wait not unblocked by cancel")
	}
}

func TestAskQuestionTimeoutYieldsEmptyAnswer(t *testing.T) {
	b := bus.New()
	c := New(b, 20*time.Millisecond)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	answer, err := c.AskQuestion(context.Background(), tc, agent.QuestionRequest{RequestID: "q_1", Text: "ok?"})
	require.NoError(t, err)
	assert.Empty(t, answer)
}

func TestAskQuestionDelivered(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	done := make(chan string, 1)
	go func() {
		answer, err := c.AskQuestion(context.Background(), tc, agent.QuestionRequest{RequestID: "q_1", Text: "which?", Options: []string{"a", "b"}})
		require.NoError(t, err)
		done <- answer
	}()

	pendingRequestID(t, tc, task.KindQuestion)
	require.NoError(t, respond(t, b, "q_1", task.Response{Answer: "b"}, "rest"))

	assert.Equal(t, "b", <-done)
}

func TestRequestPlanApprovalTimeoutRejects(t *testing.T) {
	b := bus.New()
	c := New(b, 20*time.Millisecond)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	decision, err := c.RequestPlanApproval(context.Background(), tc, agent.PlanRequest{RequestID: "p_1", Content: "plan"})
	require.NoError(t, err)
	assert.Equal(t, agent.PlanReject, decision.Action)
}

func TestRequestPlanApprovalCancelCancelsTask(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	done := make(chan agent.PlanDecision, 1)
	go func() {
		decision, err := c.RequestPlanApproval(context.Background(), tc, agent.PlanRequest{RequestID: "p_1", Content: "plan"})
		require.NoError(t, err)
		done <- decision
	}()

	pendingRequestID(t, tc, task.KindPlan)
	require.NoError(t, respond(t, b, "p_1", task.Response{Action: "cancel"}, "ws:1"))

	decision := <-done
	assert.Equal(t, agent.PlanCancel, decision.Action)
	assert.True(t, tc.Cancelled(), "cancel decision must cancel the owning task")
}

func TestSecondResponseDoesNotResumeTwice(t *testing.T) {
	b := bus.New()
	c := New(b, time.Minute)
	tc := task.NewContext("user1", "/tmp")
	tc.SetState(task.StateRunning)

	done := make(chan bool, 1)
	go func() {
		approved, _ := c.RequestPermission(context.Background(), tc, agent.PermissionRequest{RequestID: "req_1"}, false)
		done <- approved
	}()

	pendingRequestID(t, tc, task.KindPermission)
	require.NoError(t, respond(t, b, "req_1", task.Response{Approved: false}, "ws:1"))
	assert.ErrorIs(t, b.Respond("req_1", task.Response{Approved: true}, "rest"), bus.ErrAlreadyResolved)

	assert.False(t, <-done, "first response (deny) must win")
}
