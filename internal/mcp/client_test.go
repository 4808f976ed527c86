package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// mockTransport answers each method with a canned result.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string][]*Response)}
}

// addResponse queues a result; the last one queued for a method is
// repeated once the queue drains.
func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{JSONRPC: jsonrpcVersion, Result: data})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	queue := m.responses[req.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	resp := *queue[0]
	if len(queue) > 1 {
		m.responses[req.Method] = queue[1:]
	}
	id := req.ID
	resp.ID = &id
	return &resp, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "test-server", "version": "1.0.0"},
	})

	c := NewClient("test", mt, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v", mt.sent)
	}
	params := mt.sent[0].Params.(map[string]any)
	info := params["clientInfo"].(map[string]any)
	if info["name"] != "rambo" {
		t.Errorf("clientInfo.name = %v, want rambo", info["name"])
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifs = %+v", mt.notifs)
	}
}

func TestClient_ListToolsPaginates(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools:      []ToolDefinition{{Name: "a"}},
		NextCursor: "page2",
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{{Name: "b"}, {Name: "c"}},
	})

	got, err := NewClient("test", mt, nil).ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, td := range got {
		names = append(names, td.Name)
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Errorf("tools = %v, want [a b c]", names)
	}
	if len(mt.sent) != 2 {
		t.Fatalf("requests = %d, want 2", len(mt.sent))
	}
	if p := mt.sent[1].Params.(map[string]any); p["cursor"] != "page2" {
		t.Errorf("second request params = %v", p)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  callToolResult
		want    string
		wantErr string
	}{
		{
			name:   "text",
			result: callToolResult{Content: []ContentBlock{{Type: "text", Text: "72F"}}},
			want:   "72F",
		},
		{
			name: "mixed blocks",
			result: callToolResult{Content: []ContentBlock{
				{Type: "text", Text: "see"},
				{Type: "image"},
			}},
			want: "see\n[image]",
		},
		{
			name:    "tool error",
			result:  callToolResult{Content: []ContentBlock{{Type: "text", Text: "no such entity"}}, IsError: true},
			wantErr: "no such entity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			mt.addResponse("tools/call", tt.result)

			got, err := NewClient("test", mt, nil).CallTool(context.Background(), "get_state", nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got = %q, want %q", got, tt.want)
			}
			params := mt.sent[0].Params.(map[string]any)
			if params["name"] != "get_state" || params["arguments"] == nil {
				t.Errorf("params = %v", params)
			}
		})
	}
}

func TestClient_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", -32602, "invalid params")

	_, err := NewClient("test", mt, nil).CallTool(context.Background(), "x", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Errorf("err = %v, want RPCError -32602", err)
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	if err := NewClient("test", mt, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !mt.closed {
		t.Error("transport not closed")
	}
}

func TestResponse_Matches(t *testing.T) {
	var notif Response
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`), &notif)
	if notif.matches(0) {
		t.Error("notification matched request 0")
	}

	var resp Response
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`), &resp)
	if !resp.matches(7) || resp.matches(8) {
		t.Errorf("matches wrong for id %v", resp.ID)
	}
}
