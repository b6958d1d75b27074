package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentrelay/server/metrics"
)

const (
	// DefaultAgentBin is the agent CLI spawned by the subprocess driver.
	DefaultAgentBin = "claude"

	// killGrace is how long a terminated process gets to exit before it is
	// force-killed.
	killGrace = 500 * time.Millisecond

	// scanBufSize sizes the stdout scanner buffer. Stream lines carry whole
	// tool results and can far exceed bufio's 64KB default.
	scanBufSize = 1024 * 1024

	// eventBufSize keeps the read loop pumping while the consumer is blocked
	// on a pending HITL wait.
	eventBufSize = 64
)

// ErrorCode values carried on Error events.
const (
	CodeTerminated = "terminated"
	CodeBackend    = "backend"
)

// SubprocessDriver spawns the agent CLI and parses its line-delimited stream
// output. Responses to pause events are written to the process's stdin,
// newline-terminated.
type SubprocessDriver struct {
	bin string
}

// NewSubprocessDriver creates a driver for the given agent binary. An empty
// bin falls back to DefaultAgentBin.
func NewSubprocessDriver(bin string) *SubprocessDriver {
	if bin == "" {
		bin = DefaultAgentBin
	}
	return &SubprocessDriver{bin: bin}
}

// Start spawns the CLI and begins streaming events.
func (d *SubprocessDriver) Start(ctx context.Context, opts StartOptions) (Run, error) {
	args := []string{
		"-p", opts.Prompt,
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

	r := &subprocessRun{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		events: make(chan Event, eventBufSize),
		done:   make(chan struct{}),
	}
	go r.readLoop(ctx)
	return r, nil
}

type subprocessRun struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	events chan Event
	done   chan struct{} // closed once the process has been reaped

	writeMu    sync.Mutex
	cancelOnce sync.Once
	cancelled  atomic.Bool
}

func (r *subprocessRun) Events() <-chan Event {
	return r.events
}

// WriteResponse forwards a decision to the paused process: "y"/"n" for
// permissions, free text for question and plan replies. Always
// newline-terminated, UTF-8. Returns ErrClosed once the run is cancelled.
func (r *subprocessRun) WriteResponse(kind ResponseKind, value string) error {
	_ = kind // the wire format is identical for every kind
	if r.cancelled.Load() {
		return ErrClosed
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	value = strings.TrimSuffix(value, "\n")
	if _, err := io.WriteString(r.stdin, value+"\n"); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Cancel terminates the process, escalating to a kill if it is still alive
// after the grace period. Safe to call more than once.
func (r *subprocessRun) Cancel() error {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
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

// readLoop drains stdout and stderr concurrently so a stalled consumer of one
// never delays detection of process exit, then reaps the process and closes
// the event channel.
func (r *subprocessRun) readLoop(ctx context.Context) {
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
		event := ParseLine(scanner.Bytes())
		if event == nil {
			metrics.Default().EventDropped()
			continue
		}
		select {
		case r.events <- *event:
		case <-ctx.Done():
			// keep draining stdout so the process can exit; events are
			// discarded once the task context is gone
		}
	}

	stderrContent := <-stderrCh
	err := r.cmd.Wait()
	close(r.done)

	if err == nil || r.cancelled.Load() || ctx.Err() != nil {
		return
	}

	event := Event{Type: EventTypeError, Code: CodeBackend}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			event.Code = CodeTerminated
			event.Error = fmt.Sprintf("agent terminated by signal %s", status.Signal())
		} else {
			event.Error = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
		}
	} else {
		event.Error = err.Error()
	}
	if msg := strings.TrimSpace(stderrContent); msg != "" {
		event.Error += ": " + truncateResult(msg)
	}

	select {
	case r.events <- event:
	case <-ctx.Done():
	}
}
