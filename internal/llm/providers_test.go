package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "sk-test" {
			t.Errorf("api key = %q, want sk-test", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": " hi "}, {"type": "text", "text": "there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	a := NewAnthropic(Config{Model: "claude-test", APIKey: "sk-test", URL: srv.URL + "/"}, nil)
	req := chatRequest()
	req.Sampling = DefaultSampling()

	out, err := a.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi there" {
		t.Errorf("Generate = %q, want %q", out, "hi there")
	}

	system, _ := body["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system = %v, want one block", body["system"])
	}
	if _, ok := body["top_k"]; ok {
		t.Error("top_k sent for negative value")
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
}

func TestAnthropicGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(Config{Model: "m", APIKey: "k", URL: srv.URL + "/"}, nil)
	if _, err := a.Generate(context.Background(), chatRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "m",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": " hello "}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	o := NewOpenAI(Config{Model: "m", URL: srv.URL + "/"}, nil)
	req := chatRequest()
	req.Sampling = DefaultSampling()

	out, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("Generate = %q, want %q", out, "hello")
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (system + 3 turns)", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first role = %v, want system", first["role"])
	}
}

func TestOpenAIGenerate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(Config{Model: "m", URL: srv.URL + "/"}, nil)
	if _, err := o.Generate(context.Background(), chatRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestClampPenalty(t *testing.T) {
	if got := clampPenalty(3); got != 2 {
		t.Errorf("clampPenalty(3) = %v, want 2", got)
	}
	if got := clampPenalty(-5); got != -2 {
		t.Errorf("clampPenalty(-5) = %v, want -2", got)
	}
}
