package mqtt

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/rambo/internal/agent"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir, "rambo")
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "rambo.mqtt_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir, "rambo")
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}

	other, _ := LoadOrCreateInstanceID(dir, "other")
	if other == first {
		t.Error("distinct assistants share an instance ID")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("inst", "rambo")
	if info.Name != "rambo" {
		t.Errorf("Name = %q, want %q", info.Name, "rambo")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "inst" {
		t.Errorf("Identifiers = %v, want [inst]", info.Identifiers)
	}
}

func TestDailyTurns(t *testing.T) {
	d := NewDailyTurns(time.UTC)
	d.Record(agent.OutcomeFinished)
	d.Record(agent.OutcomeFailed)
	d.Record(agent.OutcomeSuppressed)

	turns, failures, last := d.Snapshot()
	if turns != 2 || failures != 1 || last != agent.OutcomeFailed {
		t.Errorf("got (%d, %d, %q), want (2, 1, failed)", turns, failures, last)
	}

	d.mu.Lock()
	d.resetDay = time.Now().In(d.loc).YearDay() - 1
	d.mu.Unlock()

	turns, failures, _ = d.Snapshot()
	if turns != 0 || failures != 0 {
		t.Errorf("after reset got (%d, %d), want (0, 0)", turns, failures)
	}
}

func TestDailyTurns_Concurrent(t *testing.T) {
	d := NewDailyTurns(nil)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Record(agent.OutcomeFinished)
		}()
	}
	wg.Wait()

	if turns, _, _ := d.Snapshot(); turns != 100 {
		t.Errorf("turns = %d, want 100", turns)
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantErr  bool
		senderID string
		direct   bool
	}{
		{"minimal", `{"sender":"alice","content":"hi"}`, false, "alice", true},
		{"explicit id", `{"sender":"Alice","sender_id":"a1","content":"hi"}`, false, "a1", true},
		{"shared", `{"sender":"alice","content":"hi","direct":false}`, false, "alice", false},
		{"no sender", `{"content":"hi"}`, true, "", false},
		{"blank sender", `{"sender":"  ","content":"hi"}`, true, "", false},
		{"not json", `hi`, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := parseInbound([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if in.SenderID != tt.senderID {
				t.Errorf("SenderID = %q, want %q", in.SenderID, tt.senderID)
			}
			if in.direct() != tt.direct {
				t.Errorf("direct() = %v, want %v", in.direct(), tt.direct)
			}
		})
	}
}

func TestFloodGuard(t *testing.T) {
	g := newFloodGuard(5, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := range 5 {
		if !g.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if g.allow() {
		t.Error("message 6 should have been dropped")
	}
	if got := g.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
