package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeCLI stands in for a signal-cli process. Lines written with emit
// reach the client; requests the client sends are read with next.
type fakeCLI struct {
	t    *testing.T
	out  *io.PipeWriter
	reqs *bufio.Reader
}

func newFakeCLI(t *testing.T) (*Client, *fakeCLI) {
	t.Helper()
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()

	c := NewClient("signal-cli", nil, slog.Default())
	c.attach(outR, inW)
	t.Cleanup(func() {
		outW.Close()
		inW.Close()
	})
	return c, &fakeCLI{t: t, out: outW, reqs: bufio.NewReader(inR)}
}

func (f *fakeCLI) emit(line string) {
	f.t.Helper()
	if _, err := io.WriteString(f.out, line+"\n"); err != nil {
		f.t.Errorf("emit: %v", err)
	}
}

// next reads one request and decodes its params.
func (f *fakeCLI) next() (rpcRequest, map[string]any) {
	f.t.Helper()
	line, err := f.reqs.ReadBytes('\n')
	if err != nil {
		f.t.Errorf("read request: %v", err)
		return rpcRequest{}, nil
	}
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		f.t.Errorf("decode request: %v", err)
	}
	var wire struct {
		Params map[string]any `json:"params"`
	}
	_ = json.Unmarshal(line, &wire)
	return req, wire.Params
}

// serve answers one request with result after handing it to check.
func (f *fakeCLI) serve(result string, check func(rpcRequest, map[string]any)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		req, params := f.next()
		if check != nil {
			check(req, params)
		}
		f.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result))
	}()
	return done
}

func receive(envelope string) string {
	return `{"jsonrpc":"2.0","method":"receive","params":{"envelope":` + envelope + `}}`
}

func nextEnvelope(t *testing.T, c *Client) *Envelope {
	t.Helper()
	select {
	case env := <-c.Messages():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
		return nil
	}
}

func TestClient_Receive(t *testing.T) {
	c, cli := newFakeCLI(t)

	go func() {
		cli.emit("INFO some log line that is not JSON")
		cli.emit(receive(`{"source":"+15551230000","timestamp":1,"typingMessage":{"action":"STARTED"}}`))
		cli.emit(receive(`{"source":"+15551230000","timestamp":2,"receiptMessage":{"type":"DELIVERY"}}`))
		cli.emit(`{"jsonrpc":"2.0","method":"untrusted","params":{}}`)
		cli.emit(receive(`{"source":"+15551234567","sourceName":"Alice","timestamp":1631458508784,"dataMessage":{"timestamp":1631458508785,"message":"Hello!","groupInfo":{"groupId":"grp==","type":"DELIVER"}}}`))
	}()

	env := nextEnvelope(t, c)
	if env.Source != "+15551234567" || env.SourceName != "Alice" {
		t.Errorf("sender = %q/%q, want +15551234567/Alice", env.Source, env.SourceName)
	}
	if got := env.Text(); got != "Hello!" {
		t.Errorf("Text() = %q, want %q", got, "Hello!")
	}
	if got := env.SentAt(); got != 1631458508785 {
		t.Errorf("SentAt() = %d, want data message timestamp", got)
	}
	if got := env.ReplyTarget(); got.GroupID != "grp==" || got.Recipient != "" {
		t.Errorf("ReplyTarget() = %+v, want group grp==", got)
	}
}

func TestClient_Ping(t *testing.T) {
	c, cli := newFakeCLI(t)
	done := cli.serve(`{"version":"0.13.0"}`, func(req rpcRequest, _ map[string]any) {
		if req.Method != "version" || req.JSONRPC != "2.0" {
			t.Errorf("request = %+v, want jsonrpc 2.0 version", req)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	<-done
}

func TestClient_SendTo(t *testing.T) {
	tests := []struct {
		name  string
		to    Target
		check func(*testing.T, map[string]any)
	}{
		{
			name: "direct",
			to:   Target{Recipient: "+15551234567"},
			check: func(t *testing.T, p map[string]any) {
				r, ok := p["recipient"].([]any)
				if !ok || len(r) != 1 || r[0] != "+15551234567" {
					t.Errorf("recipient = %v, want [+15551234567]", p["recipient"])
				}
			},
		},
		{
			name: "group",
			to:   Target{GroupID: "grp=="},
			check: func(t *testing.T, p map[string]any) {
				if p["groupId"] != "grp==" {
					t.Errorf("groupId = %v, want grp==", p["groupId"])
				}
				if _, ok := p["recipient"]; ok {
					t.Error("group send carries a recipient")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cli := newFakeCLI(t)
			done := cli.serve(`{"timestamp":1631458509000}`, func(req rpcRequest, p map[string]any) {
				if req.Method != "send" {
					t.Errorf("method = %q, want send", req.Method)
				}
				if p["message"] != "Hello back!" {
					t.Errorf("message = %v, want Hello back!", p["message"])
				}
				tt.check(t, p)
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ts, err := c.SendTo(ctx, tt.to, "Hello back!")
			if err != nil {
				t.Fatalf("SendTo: %v", err)
			}
			if ts != 1631458509000 {
				t.Errorf("timestamp = %d, want 1631458509000", ts)
			}
			<-done
		})
	}
}

func TestClient_Lifecycle(t *testing.T) {
	c, cli := newFakeCLI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := cli.serve(`{}`, func(req rpcRequest, p map[string]any) {
		if req.Method != "sendReceipt" || p["type"] != "read" || p["targetTimestamp"] != float64(7) {
			t.Errorf("receipt request = %s %v", req.Method, p)
		}
	})
	if err := c.SendReceipt(ctx, "+1", 7); err != nil {
		t.Fatalf("SendReceipt: %v", err)
	}
	<-done

	done = cli.serve(`{}`, func(req rpcRequest, p map[string]any) {
		if req.Method != "sendReaction" || p["emoji"] != "🧰" || p["targetAuthor"] != "+1" {
			t.Errorf("reaction request = %s %v", req.Method, p)
		}
	})
	if err := c.SendReaction(ctx, Target{Recipient: "+1"}, "🧰", "+1", 7); err != nil {
		t.Fatalf("SendReaction: %v", err)
	}
	<-done

	done = cli.serve(`{}`, func(req rpcRequest, p map[string]any) {
		if req.Method != "sendTyping" || p["stop"] != true {
			t.Errorf("typing request = %s %v", req.Method, p)
		}
	})
	if err := c.SendTyping(ctx, Target{Recipient: "+1"}, true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	<-done
}

func TestClient_RPCError(t *testing.T) {
	c, cli := newFakeCLI(t)
	go func() {
		req, _ := cli.next()
		cli.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"invalid params"}}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SendTo(ctx, Target{Recipient: "+1"}, "x")

	var rerr *rpcError
	if !errors.As(err, &rerr) || rerr.Code != -32602 {
		t.Errorf("err = %v, want rpc error -32602", err)
	}
}

func TestClient_CancelledContext(t *testing.T) {
	c, _ := newFakeCLI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.call(ctx, "version", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("call = %v, want context.Canceled", err)
	}
}

func TestClient_OutputClosed(t *testing.T) {
	c, cli := newFakeCLI(t)

	// A request in flight when the stream ends fails with ErrClosed.
	errc := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), "version", nil)
		errc <- err
	}()
	cli.next()
	cli.out.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("in-flight call = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not released")
	}

	if _, ok := <-c.Messages(); ok {
		t.Error("Messages() still open after output closed")
	}
	if _, err := c.call(context.Background(), "version", nil); err == nil {
		t.Error("call after close succeeded")
	}
}

func TestClient_CloseWithoutStart(t *testing.T) {
	if err := NewClient("signal-cli", nil, nil).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
