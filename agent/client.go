package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Interactive tool names carried over the control protocol.
const (
	toolAskUserQuestion = "AskUserQuestion"
	toolExitPlanMode    = "ExitPlanMode"
)

// ClientDriver drives the agent over the duplex stream-json control protocol.
// Privileged actions arrive as control requests and are decided by the
// blocking Hooks callbacks before the agent may proceed; this is where HITL
// waits are anchored for this backend.
type ClientDriver struct {
	bin string
}

// NewClientDriver creates a control-protocol driver for the given agent
// binary. An empty bin falls back to DefaultAgentBin.
func NewClientDriver(bin string) *ClientDriver {
	if bin == "" {
		bin = DefaultAgentBin
	}
	return &ClientDriver{bin: bin}
}

// Start spawns the agent in duplex mode, sends the prompt, and begins
// streaming events.
func (d *ClientDriver) Start(ctx context.Context, opts StartOptions) (Run, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.AutoApprove {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Dir = opts.WorkDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.bin, err)
	}

	r := &clientRun{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		hooks:  opts.Hooks,
		events: make(chan Event, eventBufSize),
		done:   make(chan struct{}),
	}

	if err := r.writeMessage(userTextMessage(opts.Prompt)); err != nil {
		_ = r.Cancel()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	go r.readLoop(ctx)
	return r, nil
}

type clientRun struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	hooks  Hooks

	events chan Event
	done   chan struct{}

	writeMu    sync.Mutex
	cancelOnce sync.Once
	cancelled  atomic.Bool
	finished   atomic.Bool
}

func (r *clientRun) Events() <-chan Event {
	return r.events
}

// WriteResponse is a no-op: responses are returned directly from the
// blocking hook callbacks.
func (r *clientRun) WriteResponse(kind ResponseKind, value string) error {
	return nil
}

// Cancel interrupts the agent over the control protocol, then terminates the
// process with the usual grace period.
func (r *clientRun) Cancel() error {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)

		interrupt := map[string]any{
			"type":       "control_request",
			"request_id": newRequestID(),
			"request":    map[string]any{"subtype": "interrupt"},
		}
		_ = r.writeMessage(interrupt)

		if r.cmd.Process != nil {
			if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				_ = r.cmd.Process.Kill()
				return
			}
		}
		go func() {
			select {
			case <-r.done:
			case <-time.After(killGrace):
				if r.cmd.Process != nil {
					_ = r.cmd.Process.Kill()
				}
			}
		}()
	})
	return nil
}

func (r *clientRun) readLoop(ctx context.Context) {
	defer close(r.events)

	stderrCh := make(chan string, 1)
	go func() {
		var b strings.Builder
		scanner := bufio.NewScanner(r.stderr)
		for scanner.Scan() {
			b.WriteString(scanner.Text())
			b.WriteString("\n")
		}
		stderrCh <- b.String()
	}()

	scanner := bufio.NewScanner(r.stdout)
	scanner.Buffer(make([]byte, scanBufSize), scanBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()

		var rec wireRecord
		if err := json.Unmarshal(line, &rec); err == nil && rec.Type == "control_request" {
			// Control handling must not block the read loop: hooks can wait
			// minutes for a human decision while the stream keeps flowing.
			recCopy := rec
			go r.handleControlRequest(ctx, recCopy)
			continue
		}

		event := ParseLine(line)
		if event == nil {
			continue
		}

		select {
		case r.events <- *event:
		case <-ctx.Done():
		}

		// One task is one turn: the final record ends the run.
		if event.Type == EventTypeCompleted || event.Type == EventTypeError {
			r.finished.Store(true)
			r.stopProcess()
		}
	}

	stderrContent := <-stderrCh
	err := r.cmd.Wait()
	close(r.done)

	if err == nil || r.cancelled.Load() || r.finished.Load() || ctx.Err() != nil {
		return
	}

	event := Event{Type: EventTypeError, Code: CodeBackend, Error: err.Error()}
	if msg := strings.TrimSpace(stderrContent); msg != "" {
		event.Error += ": " + truncateResult(msg)
	}
	select {
	case r.events <- event:
	case <-ctx.Done():
	}
}

// stopProcess closes stdin and signals the agent so the turn-complete run can
// exit, without marking the run cancelled.
func (r *clientRun) stopProcess() {
	r.writeMu.Lock()
	_ = r.stdin.Close()
	r.writeMu.Unlock()

	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
	go func() {
		select {
		case <-r.done:
		case <-time.After(killGrace):
			if r.cmd.Process != nil {
				_ = r.cmd.Process.Kill()
			}
		}
	}()
}

// handleControlRequest decides one privileged action through the hooks and
// writes the control response. The callback must not return until a decision
// is available, so this runs on its own goroutine per request.
func (r *clientRun) handleControlRequest(ctx context.Context, rec wireRecord) {
	if rec.Request == nil || rec.Request.Subtype != "can_use_tool" {
		return
	}

	switch rec.Request.ToolName {
	case toolAskUserQuestion:
		r.handleQuestion(ctx, rec)
	case toolExitPlanMode:
		r.handlePlan(ctx, rec)
	default:
		r.handlePermission(ctx, rec)
	}
}

func (r *clientRun) handlePermission(ctx context.Context, rec wireRecord) {
	if r.hooks.OnPermission == nil {
		r.respondDeny(rec.RequestID, "no permission handler configured", false)
		return
	}

	approved, err := r.hooks.OnPermission(ctx, PermissionRequest{
		RequestID: rec.RequestID,
		ToolName:  rec.Request.ToolName,
		Details:   renderToolResult(rec.Request.Input),
		RawInput:  rec.Request.Input,
	})
	if err != nil {
		r.respondDeny(rec.RequestID, err.Error(), false)
		return
	}
	if !approved {
		r.respondDeny(rec.RequestID, "denied", false)
		return
	}
	r.respondAllow(rec.RequestID, rec.Request.Input)
}

// askUserQuestionInput is the input shape of the AskUserQuestion tool.
type askUserQuestionInput struct {
	Questions []struct {
		Question string `json:"question"`
		Options  []struct {
			Label string `json:"label"`
		} `json:"options,omitempty"`
	} `json:"questions"`
}

func (r *clientRun) handleQuestion(ctx context.Context, rec wireRecord) {
	if r.hooks.OnQuestion == nil {
		r.respondDeny(rec.RequestID, "no question handler configured", false)
		return
	}

	var input askUserQuestionInput
	if err := json.Unmarshal(rec.Request.Input, &input); err != nil || len(input.Questions) == 0 {
		r.respondDeny(rec.RequestID, "malformed question input", false)
		return
	}

	q := input.Questions[0]
	options := make([]string, 0, len(q.Options))
	for _, opt := range q.Options {
		options = append(options, opt.Label)
	}

	answer, err := r.hooks.OnQuestion(ctx, QuestionRequest{
		RequestID: rec.RequestID,
		Text:      q.Question,
		Options:   options,
	})
	if err != nil {
		r.respondDeny(rec.RequestID, err.Error(), false)
		return
	}

	updated := mergeInput(rec.Request.Input, "answers", map[string]string{q.Question: answer})
	r.respondAllowUpdated(rec.RequestID, updated)
}

// exitPlanModeInput is the input shape of the ExitPlanMode tool.
type exitPlanModeInput struct {
	Plan string `json:"plan"`
}

func (r *clientRun) handlePlan(ctx context.Context, rec wireRecord) {
	if r.hooks.OnPlan == nil {
		r.respondDeny(rec.RequestID, "no plan handler configured", false)
		return
	}

	var input exitPlanModeInput
	if err := json.Unmarshal(rec.Request.Input, &input); err != nil {
		r.respondDeny(rec.RequestID, "malformed plan input", false)
		return
	}

	decision, err := r.hooks.OnPlan(ctx, PlanRequest{
		RequestID: rec.RequestID,
		Content:   input.Plan,
	})
	if err != nil {
		r.respondDeny(rec.RequestID, err.Error(), false)
		return
	}

	switch decision.Action {
	case PlanApprove:
		r.respondAllow(rec.RequestID, rec.Request.Input)
	case PlanClarify:
		r.respondDeny(rec.RequestID, decision.Text, false)
	case PlanCancel:
		// interrupt=true tells the backend to abort the whole turn
		r.respondDeny(rec.RequestID, "plan cancelled", true)
	default:
		r.respondDeny(rec.RequestID, "plan rejected", false)
	}
}

func (r *clientRun) respondAllow(requestID string, input json.RawMessage) {
	var updated any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &updated)
	}
	r.respondAllowUpdated(requestID, updated)
}

func (r *clientRun) respondAllowUpdated(requestID string, updatedInput any) {
	_ = r.writeMessage(controlResponse(requestID, map[string]any{
		"behavior":     "allow",
		"updatedInput": updatedInput,
	}))
}

// mergeInput decodes a JSON object and sets one extra key on it. Non-object
// input is replaced by an object carrying only the new key.
func mergeInput(input json.RawMessage, key string, value any) map[string]any {
	merged := make(map[string]any)
	if len(input) > 0 {
		_ = json.Unmarshal(input, &merged)
		if merged == nil {
			merged = make(map[string]any)
		}
	}
	merged[key] = value
	return merged
}

func (r *clientRun) respondDeny(requestID, message string, interrupt bool) {
	_ = r.writeMessage(controlResponse(requestID, map[string]any{
		"behavior":  "deny",
		"message":   message,
		"interrupt": interrupt,
	}))
}

func (r *clientRun) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

func userTextMessage(content string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": content},
			},
		},
	}
}

func controlResponse(requestID string, response map[string]any) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
}

func newRequestID() string {
	return "req_" + uuid.Must(uuid.NewV7()).String()
}
