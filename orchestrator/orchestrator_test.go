package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/hitl"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
	"github.com/agentrelay/server/task"
)

// fakeRun replays a scripted event sequence and records responses written
// back to it.
type fakeRun struct {
	events chan agent.Event

	mu        sync.Mutex
	responses []writtenResponse
	responded chan struct{}

	closeOnce sync.Once
}

type writtenResponse struct {
	kind  agent.ResponseKind
	value string
}

func newFakeRun() *fakeRun {
	return &fakeRun{
		events:    make(chan agent.Event, 16),
		responded: make(chan struct{}, 16),
	}
}

func (r *fakeRun) Events() <-chan agent.Event { return r.events }

func (r *fakeRun) WriteResponse(kind agent.ResponseKind, value string) error {
	r.mu.Lock()
	r.responses = append(r.responses, writtenResponse{kind: kind, value: value})
	r.mu.Unlock()
	r.responded <- struct{}{}
	return nil
}

func (r *fakeRun) Cancel() error {
	r.close()
	return nil
}

func (r *fakeRun) close() {
	r.closeOnce.Do(func() { close(r.events) })
}

func (r *fakeRun) written() []writtenResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]writtenResponse(nil), r.responses...)
}

// fakeDriver runs a script per Start call and records the options each call
// received.
type fakeDriver struct {
	mu     sync.Mutex
	starts []agent.StartOptions
	runs   []*fakeRun
	script func(call int, run *fakeRun)
}

func (d *fakeDriver) Start(ctx context.Context, opts agent.StartOptions) (agent.Run, error) {
	d.mu.Lock()
	call := len(d.starts)
	d.starts = append(d.starts, opts)
	run := newFakeRun()
	d.runs = append(d.runs, run)
	d.mu.Unlock()

	go d.script(call, run)
	return run, nil
}

func (d *fakeDriver) startOptions() []agent.StartOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.StartOptions(nil), d.starts...)
}

func (d *fakeDriver) run(i int) *fakeRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[i]
}

type testEnv struct {
	orch    *Orchestrator
	bus     *bus.Bus
	store   *session.Store
	setting *settings.Store
	workDir string
}

func newTestEnv(t *testing.T, d agent.Driver) *testEnv {
	return newTestEnvWith(t, d, 5*time.Second, 3*time.Second)
}

func newTestEnvWith(t *testing.T, d agent.Driver, taskTimeout, hitlTimeout time.Duration) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := session.Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	st, err := settings.NewStore(dir)
	require.NoError(t, err)

	b := bus.New()
	orch := New(Options{
		Driver:      d,
		Registry:    task.NewRegistry(),
		Coordinator: hitl.New(b, hitlTimeout),
		Bus:         b,
		Store:       store,
		Settings:    st,
		TaskTimeout: taskTimeout,
	})
	return &testEnv{orch: orch, bus: b, store: store, setting: st, workDir: t.TempDir()}
}

// respond retries past the window where a pending request is visible but its
// bus resolver is not yet registered.
func respond(t *testing.T, b *bus.Bus, requestID string, resp task.Response, channel string) error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.Respond(requestID, resp, channel)
		if err != bus.ErrUnknownRequest || time.Now().After(deadline) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// notifications subscribes a collector on a user's channel and returns the
// feed. Publish runs subscribers synchronously, so the buffer must outsize
// anything a single test emits.
func notifications(env *testEnv, userID string) <-chan bus.Notification {
	ch := make(chan bus.Notification, 64)
	env.bus.Subscribe(userID, "test", func(n bus.Notification) error {
		ch <- n
		return nil
	})
	return ch
}

func awaitMethod(t *testing.T, feed <-chan bus.Notification, method string) bus.Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-feed:
			if n.Method == method {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notification arrived", method)
		}
	}
}

func TestRunCompletesAndStoresContinuation(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeText, Content: "working on it. "}
		run.events <- agent.Event{Type: agent.EventTypeToolUse, ToolName: "Bash", ToolInput: []byte(`{"command":"ls"}`)}
		run.events <- agent.Event{Type: agent.EventTypeToolResult, ToolResult: "main.go"}
		run.events <- agent.Event{
			Type: agent.EventTypeCompleted, Content: "done",
			SessionID: "sess_1", CostUSD: 0.42, Turns: 3, DurationMs: 1200,
		}
		run.close()
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "alice")

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "alice", Prompt: "fix the bug", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.False(t, result.Cancelled)
	assert.Equal(t, "working on it. done", result.Output)
	assert.Equal(t, "sess_1", result.SessionID)
	assert.Equal(t, 3, result.Turns)
	assert.InDelta(t, 0.42, result.CostUSD, 1e-9)

	stored, err := env.store.GetContinuation(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", stored)

	history, err := env.store.History(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "fix the bug", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)

	awaitMethod(t, feed, bus.MethodStreamChunk)
	awaitMethod(t, feed, bus.MethodToolUse)
	awaitMethod(t, feed, bus.MethodToolResult)

	// The next run for the same user resumes the stored session.
	result, err = env.orch.Run(context.Background(), TaskRequest{
		UserID: "alice", Prompt: "continue", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	require.False(t, result.Failed())
	starts := d.startOptions()
	require.Len(t, starts, 2)
	assert.Empty(t, starts[0].ResumeSessionID)
	assert.Equal(t, "sess_1", starts[1].ResumeSessionID)
}

func TestForceNewSessionSkipsStoredContinuation(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeCompleted, SessionID: "sess_2", Turns: 1}
		run.close()
	}}
	env := newTestEnv(t, d)
	require.NoError(t, env.store.SetContinuation(context.Background(), "bob", "sess_old"))

	_, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "bob", Prompt: "start over", WorkDir: env.workDir, ForceNewSession: true,
	})
	require.NoError(t, err)
	assert.Empty(t, d.startOptions()[0].ResumeSessionID)
}

func TestZeroTurnsWithResumeRetriesOnceFresh(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		if call == 0 {
			// backend silently ignored the stale session
			run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 0}
		} else {
			run.events <- agent.Event{Type: agent.EventTypeCompleted, SessionID: "sess_fresh", Turns: 2, Content: "recovered"}
		}
		run.close()
	}}
	env := newTestEnv(t, d)
	require.NoError(t, env.store.SetContinuation(context.Background(), "carol", "sess_stale"))

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "carol", Prompt: "hello again", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, "sess_fresh", result.SessionID)

	starts := d.startOptions()
	require.Len(t, starts, 2)
	assert.Equal(t, "sess_stale", starts[0].ResumeSessionID)
	assert.Empty(t, starts[1].ResumeSessionID)

	stored, err := env.store.GetContinuation(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "sess_fresh", stored)
}

func TestZeroTurnsWithoutResumeDoesNotRetry(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 0}
		run.close()
	}}
	env := newTestEnv(t, d)

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "dave", Prompt: "quick one", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Len(t, d.startOptions(), 1)
}

func TestRunValidation(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) { run.close() }}
	env := newTestEnv(t, d)

	tests := []struct {
		name string
		req  TaskRequest
	}{
		{"empty prompt", TaskRequest{UserID: "u", WorkDir: env.workDir}},
		{"empty user", TaskRequest{Prompt: "p", WorkDir: env.workDir}},
		{"missing workdir", TaskRequest{UserID: "u", Prompt: "p", WorkDir: filepath.Join(env.workDir, "nope")}},
		{"no default workdir", TaskRequest{UserID: "u", Prompt: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "want validation error, got %v", err)
		})
	}
	assert.Empty(t, d.startOptions(), "validation failures must not start the driver")
}

func TestDefaultWorkDirFromSettings(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 1}
		run.close()
	}}
	env := newTestEnv(t, d)
	s := env.setting.Get()
	s.DefaultWorkDir = env.workDir
	require.NoError(t, env.setting.Update(s))

	_, err := env.orch.Run(context.Background(), TaskRequest{UserID: "u", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, env.workDir, d.startOptions()[0].WorkDir)
}

func TestCancelReturnsAccumulatedOutput(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeText, Content: "partial work"}
		// hold the stream open until cancellation closes it
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "erin")

	done := make(chan *TaskResult, 1)
	go func() {
		result, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "erin", Prompt: "long task", WorkDir: env.workDir,
		})
		require.NoError(t, err)
		done <- result
	}()

	awaitMethod(t, feed, bus.MethodStreamChunk)
	require.True(t, env.orch.Cancel("erin"))

	select {
	case result := <-done:
		assert.True(t, result.Cancelled)
		assert.False(t, result.Failed())
		assert.Equal(t, "partial work", result.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, env.orch.Cancel("erin"), "no active task left to cancel")
}

func TestNewTaskReplacesRunningTask(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		if call == 0 {
			run.events <- agent.Event{Type: agent.EventTypeText, Content: "first"}
			return // stays open until replaced
		}
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Content: "second", SessionID: "s2", Turns: 1}
		run.close()
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "frank")

	first := make(chan *TaskResult, 1)
	go func() {
		result, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "frank", Prompt: "one", WorkDir: env.workDir,
		})
		require.NoError(t, err)
		first <- result
	}()
	awaitMethod(t, feed, bus.MethodStreamChunk)

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "frank", Prompt: "two", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "second", result.Output)

	select {
	case r := <-first:
		assert.True(t, r.Cancelled)
		assert.Equal(t, "first", r.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("replaced task did not return")
	}
}

func TestErrorEventMapsToFailure(t *testing.T) {
	tests := []struct {
		name string
		code string
		want task.FailureKind
	}{
		{"terminated", agent.CodeTerminated, task.FailureTerminated},
		{"backend", "", task.FailureBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDriver{script: func(call int, run *fakeRun) {
				run.events <- agent.Event{Type: agent.EventTypeError, Error: "boom", Code: tt.code}
				run.close()
			}}
			env := newTestEnv(t, d)
			result, err := env.orch.Run(context.Background(), TaskRequest{
				UserID: "u", Prompt: "p", WorkDir: env.workDir,
			})
			require.NoError(t, err)
			assert.True(t, result.Failed())
			assert.Equal(t, tt.want, result.Failure)
			assert.Equal(t, "boom", result.Error)
		})
	}
}

func TestTaskTimeoutCutsPendingPermissionWaitShort(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{
			Type: agent.EventTypePermissionRequest, RequestID: "perm_stuck",
			ToolName: "Bash", Details: "rm -rf build",
		}
		// nobody ever responds; the stream stays open until cancelled
	}}
	env := newTestEnvWith(t, d, 150*time.Millisecond, 2*time.Second)

	started := time.Now()
	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "lena", Prompt: "p", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	elapsed := time.Since(started)

	// The wall clock must unblock the response wait; the longer response
	// timeout must not keep the task alive past it.
	assert.Less(t, elapsed, time.Second, "task overran its wall clock while waiting for a response")
	assert.Equal(t, task.FailureTimeout, result.Failure)
	assert.False(t, result.Cancelled)
	assert.Empty(t, d.run(0).written(), "no decision should reach the stream")
}

func TestStreamEndingWithoutTerminalEventIsBackendFailure(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeText, Content: "then silence"}
		run.close()
	}}
	env := newTestEnv(t, d)

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "u", Prompt: "p", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, task.FailureBackend, result.Failure)
	assert.Equal(t, "then silence", result.Output)
}

func TestPermissionPauseForwardsDecisionToStream(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{
			Type: agent.EventTypePermissionRequest, RequestID: "perm_1",
			ToolName: "Bash", Details: "rm -rf build",
		}
		<-run.responded
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 1, SessionID: "s"}
		run.close()
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "gail")

	done := make(chan *TaskResult, 1)
	go func() {
		result, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "gail", Prompt: "p", WorkDir: env.workDir,
		})
		require.NoError(t, err)
		done <- result
	}()

	awaitMethod(t, feed, bus.MethodHITLRequest)
	require.NoError(t, respond(t, env.bus, "perm_1", task.Response{Approved: true}, "ws:1"))

	select {
	case result := <-done:
		assert.False(t, result.Failed())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after permission response")
	}
	written := d.run(0).written()
	require.Len(t, written, 1)
	assert.Equal(t, agent.ResponsePermission, written[0].kind)
	assert.Equal(t, "y", written[0].value)
}

func TestQuestionPauseForwardsAnswer(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{
			Type: agent.EventTypeQuestion, RequestID: "q_1",
			Question: "which database?", Options: []string{"sqlite", "postgres"},
		}
		<-run.responded
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 1}
		run.close()
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "hana")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "hana", Prompt: "p", WorkDir: env.workDir,
		})
		require.NoError(t, err)
	}()

	awaitMethod(t, feed, bus.MethodHITLRequest)
	require.NoError(t, respond(t, env.bus, "q_1", task.Response{Answer: "sqlite"}, "rest"))
	<-done

	written := d.run(0).written()
	require.Len(t, written, 1)
	assert.Equal(t, agent.ResponseQuestion, written[0].kind)
	assert.Equal(t, "sqlite", written[0].value)
}

func TestPlanApprovalForwardsYes(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{
			Type: agent.EventTypePlanProposal, RequestID: "p_1", Plan: "1. do it",
		}
		<-run.responded
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 2}
		run.close()
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "ivan")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "ivan", Prompt: "p", WorkDir: env.workDir,
		})
		require.NoError(t, err)
	}()

	awaitMethod(t, feed, bus.MethodHITLRequest)
	require.NoError(t, respond(t, env.bus, "p_1", task.Response{Action: "approve"}, "ws:1"))
	<-done

	written := d.run(0).written()
	require.Len(t, written, 1)
	assert.Equal(t, agent.ResponsePlan, written[0].kind)
	assert.Equal(t, "y", written[0].value)
}

func TestAutoApproveSkipsPermissionPrompt(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{
			Type: agent.EventTypePermissionRequest, RequestID: "perm_2", ToolName: "Edit",
		}
		<-run.responded
		run.events <- agent.Event{Type: agent.EventTypeCompleted, Turns: 1}
		run.close()
	}}
	env := newTestEnv(t, d)
	s := env.setting.Get()
	s.AutoApprove = true
	require.NoError(t, env.setting.Update(s))

	var hitlRequests int
	env.bus.Subscribe("judy", "counter", func(n bus.Notification) error {
		if n.Method == bus.MethodHITLRequest {
			hitlRequests++
		}
		return nil
	})

	result, err := env.orch.Run(context.Background(), TaskRequest{
		UserID: "judy", Prompt: "p", WorkDir: env.workDir,
	})
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Zero(t, hitlRequests, "auto-approve must not prompt")

	written := d.run(0).written()
	require.Len(t, written, 1)
	assert.Equal(t, "y", written[0].value)
}

func TestStatusReflectsRunningTask(t *testing.T) {
	d := &fakeDriver{script: func(call int, run *fakeRun) {
		run.events <- agent.Event{Type: agent.EventTypeText, Content: "hi"}
	}}
	env := newTestEnv(t, d)
	feed := notifications(env, "kim")

	assert.Nil(t, env.orch.Status("kim"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := env.orch.Run(context.Background(), TaskRequest{
			UserID: "kim", Prompt: "p", WorkDir: env.workDir,
		})
		require.NoError(t, err)
	}()

	awaitMethod(t, feed, bus.MethodStreamChunk)
	status := env.orch.Status("kim")
	require.NotNil(t, status)
	assert.Equal(t, "kim", status.UserID)
	assert.Equal(t, task.StateRunning, status.State)
	assert.NotEmpty(t, status.TaskID)

	env.orch.Cancel("kim")
	<-done
}
