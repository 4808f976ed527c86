package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLine bounds one newline-delimited JSON-RPC message.
const maxLine = 16 << 20

// StdioConfig describes an MCP server run as a subprocess speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string

	// Env entries ("KEY=VALUE") are appended to the current
	// environment.
	Env []string

	Logger *slog.Logger
}

// StdioTransport talks to an MCP subprocess. Requests may be in flight
// concurrently; a single reader goroutine routes responses by ID.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan *Response
	dead    chan struct{}
	exitErr error
}

// NewStdioTransport creates a transport. The subprocess starts on the
// first Send or Notify and is restarted after it exits.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger}
}

// ensureStarted launches the subprocess if none is running. The
// subprocess is not tied to any request context. Caller must hold t.mu.
func (t *StdioTransport) ensureStarted() error {
	if t.dead != nil {
		select {
		case <-t.dead:
			t.reapLocked()
		default:
			return nil
		}
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.logger.Info("MCP subprocess started",
		"command", t.config.Command,
		"args", t.config.Args,
		"pid", cmd.Process.Pid,
	)
	t.cmd = cmd
	go t.drainStderr(stderr)
	t.attach(stdout, stdin)
	return nil
}

// attach wires the message streams and starts the reader. Caller must
// hold t.mu.
func (t *StdioTransport) attach(stdout io.Reader, stdin io.WriteCloser) {
	t.stdin = stdin
	t.pending = make(map[int64]chan *Response)
	t.dead = make(chan struct{})
	t.exitErr = nil
	go t.readLoop(stdout, t.dead)
}

// readLoop routes responses to waiting callers until stdout closes.
func (t *StdioTransport) readLoop(r io.Reader, dead chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
			continue
		}
		if resp.ID == nil {
			t.logger.Debug("MCP server notification", "method", resp.Method)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		delete(t.pending, *resp.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("skipping unmatched MCP response", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.mu.Lock()
	if t.dead == dead {
		t.exitErr = err
		t.pending = nil
	}
	t.mu.Unlock()
	close(dead)
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes req and waits for its response, the subprocess exiting,
// or ctx ending.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if err := t.ensureStarted(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[req.ID] = ch
	dead := t.dead
	if err := t.writeLocked(req); err != nil {
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-dead:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("MCP subprocess exited: %w", t.lastExit())
	case <-ctx.Done():
		t.mu.Lock()
		if t.pending != nil {
			delete(t.pending, req.ID)
		}
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureStarted(); err != nil {
		return err
	}
	return t.writeLocked(notif)
}

// writeLocked sends one message line. Caller must hold t.mu.
func (t *StdioTransport) writeLocked(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) lastExit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr == nil {
		return errors.New("stream closed")
	}
	return t.exitErr
}

// Close stops the subprocess, killing it if it has not exited five
// seconds after stdin closes.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)
	done := make(chan error, 1)
	go func(cmd *exec.Cmd) { done <- cmd.Wait() }(t.cmd)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		<-done
	}
	t.cmd = nil
	return err
}

// reapLocked releases an exited subprocess. Caller must hold t.mu.
func (t *StdioTransport) reapLocked() {
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil {
		_ = t.cmd.Wait()
		t.logger.Warn("MCP subprocess exited, restarting", "command", t.config.Command, "error", t.exitErr)
	}
	t.cmd = nil
	t.stdin = nil
	t.dead = nil
}
