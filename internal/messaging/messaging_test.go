package messaging

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/rambo/internal/llm"
)

func TestSenderLimiter(t *testing.T) {
	l := NewSenderLimiter(2)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("alice") || !l.Allow("alice") {
		t.Fatal("first two messages should pass")
	}
	if l.Allow("alice") {
		t.Error("third message within burst should be limited")
	}
	if !l.Allow("bob") {
		t.Error("other senders are independent")
	}

	now = now.Add(time.Minute)
	if !l.Allow("alice") {
		t.Error("limit should refill after a minute")
	}
}

func TestSenderLimiter_Unlimited(t *testing.T) {
	l := NewSenderLimiter(0)
	for range 100 {
		if !l.Allow("alice") {
			t.Fatal("zero limit should allow everything")
		}
	}
	var nilLimiter *SenderLimiter
	if !nilLimiter.Allow("alice") {
		t.Error("nil limiter should allow")
	}
}

func TestSenderLimiter_Cleanup(t *testing.T) {
	l := NewSenderLimiter(5)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("alice")
	l.Allow("bob")
	now = now.Add(cleanupInterval + time.Second)
	l.Allow("carol")

	if got := l.Len(); got != 1 {
		t.Errorf("Len = %d, want 1 after cleanup", got)
	}
}

func TestTunables_Handle(t *testing.T) {
	tun := NewTunables(llm.DefaultSampling(), []string{"admin"})

	if res := tun.Handle("admin", "hello there"); res.Handled {
		t.Error("plain message should not be handled")
	}
	if res := tun.Handle("admin", "tune temperature=1"); res.Handled {
		t.Error("lower-case keyword should not be handled")
	}

	res := tun.Handle("stranger", "TUNABLES")
	if !res.Handled || !res.Denied {
		t.Errorf("unprivileged TUNABLES = %+v, want denied", res)
	}

	res = tun.Handle("admin", "TUNABLES")
	if !res.Handled || res.Denied || !strings.Contains(res.Reply, "temperature=0") {
		t.Errorf("TUNABLES = %+v", res)
	}

	res = tun.Handle("admin", "TUNE temperature=0.8, top_k=20")
	if !res.Handled || !strings.HasPrefix(res.Reply, "Tunables updated.") {
		t.Errorf("TUNE = %+v", res)
	}
	s := tun.Sampling()
	if s.Temperature != 0.8 || s.TopK != 20 {
		t.Errorf("Sampling = %+v, want temperature 0.8 top_k 20", s)
	}

	res = tun.Handle("admin", "TUNE temperature=0.1, bogus=1")
	if !strings.HasPrefix(res.Reply, "Tunables unchanged") {
		t.Errorf("bad TUNE reply = %q", res.Reply)
	}
	if got := tun.Sampling().Temperature; got != 0.8 {
		t.Errorf("Temperature = %v after failed TUNE, want 0.8", got)
	}

	res = tun.Handle("admin", "TUNE")
	if !strings.HasPrefix(res.Reply, "Usage:") {
		t.Errorf("empty TUNE reply = %q", res.Reply)
	}
}

func TestToolReaction(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ReactionTool},
		{[]string{"globe_with_meridians"}, "🌐"},
		{[]string{"globe_with_meridians", "mag"}, "🔍"},
		{[]string{"globe_with_meridians", "not_an_emoji"}, "🌐"},
		{[]string{"not_an_emoji"}, ReactionTool},
	}
	for _, tt := range tests {
		if got := ToolReaction(tt.names); got != tt.want {
			t.Errorf("ToolReaction(%q) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestRenderHTML(t *testing.T) {
	got, err := RenderHTML("**bold** and `code`")
	if err != nil {
		t.Fatal(err)
	}
	want := "<p><strong>bold</strong> and <code>code</code></p>\n"
	if got != want {
		t.Errorf("RenderHTML = %q, want %q", got, want)
	}
}

func TestSupervise_StopsOnCutoff(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		Supervise(context.Background(), "test", func(context.Context) error {
			runs.Add(1)
			return ErrCutoff
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not return on cutoff")
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestSupervise_RecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		Supervise(ctx, "test", func(context.Context) error {
			if runs.Add(1) == 1 {
				panic("boom")
			}
			cancel()
			return errors.New("stopping")
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Supervise did not restart after panic")
	}
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}
