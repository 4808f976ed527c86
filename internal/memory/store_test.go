package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestConversation_RoundTrip(t *testing.T) {
	c := NewConversation("k")
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	const n = 25
	for i := 0; i < n; i++ {
		c.Add(fmt.Sprintf("role-%d", i%3), fmt.Sprintf("content %d", i), base.Add(time.Duration(i)*time.Second))
	}

	got := c.Entries()
	if len(got) != n {
		t.Fatalf("len(Entries()) = %d, want %d", len(got), n)
	}
	for i, e := range got {
		if e.Role != fmt.Sprintf("role-%d", i%3) {
			t.Errorf("entry %d Role = %q", i, e.Role)
		}
		if e.Content != fmt.Sprintf("content %d", i) {
			t.Errorf("entry %d Content = %q", i, e.Content)
		}
		if !e.Timestamp.Equal(base.Add(time.Duration(i) * time.Second)) {
			t.Errorf("entry %d Timestamp = %v", i, e.Timestamp)
		}
	}
}

func TestConversation_EntriesIsRestartable(t *testing.T) {
	c := NewConversation("k")
	c.Add("alice", "hi", time.Now())
	c.Add("rambo", "hello", time.Now())

	first := c.Entries()
	first[0].Content = "mutated"
	second := c.Entries()

	if second[0].Content != "hi" {
		t.Errorf("Entries() exposed internal state: got %q, want %q", second[0].Content, "hi")
	}
	if len(second) != 2 {
		t.Errorf("len(Entries()) = %d after re-read, want 2", len(second))
	}
}

func TestConversation_AddPair(t *testing.T) {
	c := NewConversation("k")
	now := time.Now()
	c.AddPair(Entry{Role: "alice", Content: "q", Timestamp: now}, Entry{Role: "rambo", Content: "a", Timestamp: now})

	got := c.Entries()
	if len(got) != 2 || got[0].Role != "alice" || got[1].Role != "rambo" {
		t.Errorf("Entries() = %+v", got)
	}
}

func TestStore_GetOrCreateIsIdempotent(t *testing.T) {
	s := NewStore()
	k := DeriveKey("signal", "default", "chan", []string{"a", "b"})

	first := s.GetOrCreate(k)
	second := s.GetOrCreate(k)
	if first != second {
		t.Error("GetOrCreate returned different instances for equal keys")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	other := s.GetOrCreate(DeriveKey("signal", "default", "other", nil))
	if other == first {
		t.Error("different keys share a conversation")
	}
}

func TestStore_GetOrCreateConcurrent(t *testing.T) {
	s := NewStore()
	const workers = 32

	results := make([]*Conversation, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i, c := range results {
		if c != results[0] {
			t.Fatalf("worker %d got a different instance", i)
		}
	}
}

func TestStore_AcquireSerializesTurns(t *testing.T) {
	s := NewStore()
	conv, release := s.Acquire("k")

	acquired := make(chan struct{})
	go func() {
		c2, r2 := s.Acquire("k")
		defer r2()
		if c2 != conv {
			t.Error("Acquire returned a different instance")
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while the first turn was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not proceed after release")
	}
}

func TestStore_AcquireDifferentKeysIndependent(t *testing.T) {
	s := NewStore()
	_, releaseA := s.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		_, releaseB := s.Acquire("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire on an unrelated key blocked")
	}
}

func TestStore_Stats(t *testing.T) {
	s := NewStore()
	s.GetOrCreate("a").Add("x", "1", time.Now())
	s.GetOrCreate("b").Add("x", "1", time.Now())
	s.GetOrCreate("b").Add("y", "2", time.Now())

	if got, want := s.Stats(), (Stats{Conversations: 2, Entries: 3}); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey("zulip", "default", "42", []string{"2", "1", "2", ""})
	b := DeriveKey("zulip", "default", "42", []string{"1", "2"})
	if a != b {
		t.Errorf("participant order changed the key: %q vs %q", a, b)
	}

	tests := []struct {
		name string
		x, y Key
	}{
		{"channel differs", DeriveKey("s", "srv", "a", nil), DeriveKey("s", "srv", "b", nil)},
		{"server differs", DeriveKey("s", "one", "a", nil), DeriveKey("s", "two", "a", nil)},
		{"source differs", DeriveKey("signal", "srv", "a", nil), DeriveKey("mqtt", "srv", "a", nil)},
		{"participants differ", DeriveKey("s", "srv", "a", []string{"1"}), DeriveKey("s", "srv", "a", []string{"2"})},
		{"separator in channel", DeriveKey("s", "srv", "a/b", nil), DeriveKey("s", "srv/a", "b", nil)},
		{"comma in participant", DeriveKey("s", "srv", "c", []string{"a,b"}), DeriveKey("s", "srv", "c", []string{"a", "b"})},
	}
	for _, tt := range tests {
		if tt.x == tt.y {
			t.Errorf("%s: keys collide: %q", tt.name, tt.x)
		}
	}

	if DeriveKey("", "", "", nil) == "" {
		t.Error("DeriveKey should never return the empty key")
	}
}
