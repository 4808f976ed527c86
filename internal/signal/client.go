package signal

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
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls made after signal-cli has gone away.
var ErrClosed = errors.New("signal-cli is not running")

// stopGrace is how long Close waits for signal-cli to exit after its
// stdin is closed.
const stopGrace = 5 * time.Second

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// frame is any line signal-cli writes: a response when ID is set, a
// notification otherwise.
type frame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client speaks JSON-RPC to a signal-cli subprocess started with the
// jsonRpc subcommand. Inbound data messages arrive on Messages.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	proc   *exec.Cmd
	exited chan error

	wmu sync.Mutex
	w   io.WriteCloser

	ids     atomic.Int64
	pmu     sync.Mutex
	pending map[int64]chan frame

	messages chan *Envelope
	done     chan struct{}
}

// NewClient prepares a client. Start launches the subprocess.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command:  command,
		args:     args,
		logger:   logger,
		pending:  make(map[int64]chan frame),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
	}
}

// Start launches signal-cli. Call it once.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}

	c.proc = cmd
	c.exited = make(chan error, 1)
	c.attach(stdout, stdin)
	go c.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.logger.Info("signal-cli exited", "pid", cmd.Process.Pid, "error", err)
		c.exited <- err
	}()

	c.logger.Info("signal-cli started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// attach connects the client to signal-cli's streams.
func (c *Client) attach(r io.Reader, w io.WriteCloser) {
	c.w = w
	go c.read(r)
}

// Messages delivers inbound data messages. It is closed when
// signal-cli's output ends.
func (c *Client) Messages() <-chan *Envelope { return c.messages }

// Target addresses either a group or a single recipient.
type Target struct {
	Recipient string
	GroupID   string
}

func (t Target) with(p map[string]any) map[string]any {
	if t.GroupID != "" {
		p["groupId"] = t.GroupID
	} else {
		p["recipient"] = []string{t.Recipient}
	}
	return p
}

// Send is SendTo for a single recipient.
func (c *Client) Send(ctx context.Context, recipient, message string) (int64, error) {
	return c.SendTo(ctx, Target{Recipient: recipient}, message)
}

// SendTo posts a text message and returns its server timestamp.
func (c *Client) SendTo(ctx context.Context, to Target, message string) (int64, error) {
	var res struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := c.invoke(ctx, "send", to.with(map[string]any{"message": message}), &res); err != nil {
		return 0, err
	}
	return res.Timestamp, nil
}

// SendReaction reacts with emoji to the message author sent at timestamp.
func (c *Client) SendReaction(ctx context.Context, to Target, emoji, author string, timestamp int64) error {
	return c.invoke(ctx, "sendReaction", to.with(map[string]any{
		"emoji":           emoji,
		"targetAuthor":    author,
		"targetTimestamp": timestamp,
	}), nil)
}

// SendReceipt marks a message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	return c.invoke(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	}, nil)
}

// SendTyping shows the typing indicator, or clears it when stop is set.
func (c *Client) SendTyping(ctx context.Context, to Target, stop bool) error {
	p := to.with(map[string]any{})
	if stop {
		p["stop"] = true
	}
	return c.invoke(ctx, "sendTyping", p, nil)
}

// Ping asks signal-cli for its version.
func (c *Client) Ping(ctx context.Context) error {
	return c.invoke(ctx, "version", nil, nil)
}

// invoke calls method and decodes the result into out when non-nil.
func (c *Client) invoke(ctx context.Context, method string, params, out any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("signal %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("signal %s: decode result: %w", method, err)
	}
	return nil
}

// call writes one request and waits for the matching response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := c.ids.Add(1)
	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	reply := make(chan frame, 1)
	c.pmu.Lock()
	c.pending[id] = reply
	c.pmu.Unlock()
	defer c.forget(id)

	c.wmu.Lock()
	_, err = c.w.Write(append(line, '\n'))
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) forget(id int64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// read routes every output line until the stream ends, then fails
// whatever is still waiting.
func (c *Client) read(r io.Reader) {
	defer close(c.messages)
	defer close(c.done)
	defer c.failPending()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			c.logger.Debug("signal-cli non-JSON output", "line", sc.Text())
			continue
		}
		if f.ID != nil {
			c.resolve(f)
			continue
		}
		c.notify(f)
	}
	if err := sc.Err(); err != nil {
		c.logger.Error("signal-cli read failed", "error", err)
	}
}

func (c *Client) resolve(f frame) {
	c.pmu.Lock()
	reply, ok := c.pending[*f.ID]
	delete(c.pending, *f.ID)
	c.pmu.Unlock()
	if !ok {
		c.logger.Debug("signal-cli response without caller", "id", *f.ID)
		return
	}
	reply <- f
}

// notify forwards receive notifications that carry a data message.
// Receipts, typing and sync events are dropped.
func (c *Client) notify(f frame) {
	if f.Method != "receive" {
		c.logger.Debug("signal-cli notification ignored", "method", f.Method)
		return
	}
	var n struct {
		Envelope Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(f.Params, &n); err != nil {
		c.logger.Warn("signal-cli malformed receive", "error", err)
		return
	}
	if n.Envelope.DataMessage == nil {
		return
	}
	select {
	case c.messages <- &n.Envelope:
	default:
		c.logger.Warn("signal inbox full, dropping message", "sender", n.Envelope.Source)
	}
}

func (c *Client) failPending() {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *Client) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.logger.Debug("signal-cli stderr", "line", sc.Text())
	}
}

// Close ends the subprocess: stdin is closed first and the process is
// killed if it has not exited after a short grace period.
func (c *Client) Close() error {
	if c.proc == nil {
		return nil
	}
	if c.w != nil {
		_ = c.w.Close()
	}
	select {
	case err := <-c.exited:
		return err
	case <-time.After(stopGrace):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.proc.Process.Pid)
		_ = c.proc.Process.Kill()
		<-c.exited
		return nil
	}
}
