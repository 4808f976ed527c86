package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/llm"
	"github.com/nugget/rambo/internal/messaging"
)

// fakePublisher records every publish by topic.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) on(topic string) []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*paho.Publish
	for _, m := range f.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePublisher) events(t *testing.T, topic string) []string {
	t.Helper()
	var names []string
	for _, m := range f.on(topic) {
		var ev Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		names = append(names, ev.Event)
	}
	return names
}

type funcRunner func(msg *agent.Message, cb agent.Callbacks) *agent.Turn

func (f funcRunner) Run(_ context.Context, msg *agent.Message, cb agent.Callbacks, _ ...agent.RunOption) *agent.Turn {
	return f(msg, cb)
}

func newTestBridge(runner messaging.Runner, mutate ...func(*BridgeConfig)) (*Bridge, *fakePublisher) {
	cfg := BridgeConfig{
		Broker:        "mqtt://localhost:1883",
		Name:          "rambo",
		InstanceID:    "inst-1",
		Runner:        runner,
		CutoffMessage: "halted",
		Tunables:      messaging.NewTunables(llm.DefaultSampling(), []string{"admin"}),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b := NewBridge(cfg)
	fp := &fakePublisher{}
	b.setPublisher(fp)
	return b, fp
}

func TestBridge_Topics(t *testing.T) {
	b, _ := newTestBridge(nil, func(c *BridgeConfig) { c.DiscoveryPrefix = "homeassistant" })

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"inbox", b.inboxTopic(), "rambo/rambo/inbox"},
		{"outbox", b.outboxTopic(), "rambo/rambo/outbox"},
		{"events", b.eventsTopic(), "rambo/rambo/events"},
		{"availability", b.availabilityTopic(), "rambo/rambo/availability"},
		{"state", b.stateTopic("turns_today"), "rambo/rambo/turns_today/state"},
		{"discovery", b.discoveryTopic("sensor", "turns_today"), "homeassistant/sensor/rambo-rambo/turns_today/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBridge_Reply(t *testing.T) {
	var got *agent.Message
	b, fp := newTestBridge(funcRunner(func(msg *agent.Message, cb agent.Callbacks) *agent.Turn {
		got = msg
		cb.Start(msg)
		cb.Tool(msg, &invoke.Invocation{Tool: "test", Func: "add"})
		cb.Finish(msg)
		return &agent.Turn{Outcome: agent.OutcomeFinished, Reply: "**five**"}
	}))

	err := b.handle(context.Background(), []byte(`{"id":"m1","sender":"Alice","sender_id":"alice","content":"add 2 and 3"}`))
	if err != nil {
		t.Fatal(err)
	}

	if got.Privacy != agent.PrivacyDirect || got.Sender.ID != "alice" || got.ID != "m1" {
		t.Errorf("message = %+v", got)
	}

	replies := fp.on(b.outboxTopic())
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	var r Reply
	if err := json.Unmarshal(replies[0].Payload, &r); err != nil {
		t.Fatal(err)
	}
	if r.Markdown != "**five**" || r.InReplyTo != "m1" || r.Recipient != "alice" {
		t.Errorf("reply = %+v", r)
	}
	if !strings.Contains(r.HTML, "<strong>five</strong>") {
		t.Errorf("HTML = %q, want rendered markdown", r.HTML)
	}

	want := "start,tool,finish"
	if g := strings.Join(fp.events(t, b.eventsTopic()), ","); g != want {
		t.Errorf("events = %q, want %q", g, want)
	}
}

func TestBridge_SharedChannel(t *testing.T) {
	var got *agent.Message
	b, _ := newTestBridge(funcRunner(func(msg *agent.Message, _ agent.Callbacks) *agent.Turn {
		got = msg
		return &agent.Turn{Outcome: agent.OutcomeSuppressed}
	}))

	_ = b.handle(context.Background(), []byte(`{"sender":"bob","content":"hi all","channel":"lobby","direct":false}`))
	if got.Privacy != agent.PrivacySemipublic || got.Channel != "lobby" || len(got.Recipients) != 0 {
		t.Errorf("message = %+v", got)
	}
	if got.ID == "" {
		t.Error("missing generated message ID")
	}
}

func TestBridge_IgnoresInvalid(t *testing.T) {
	called := false
	b, fp := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		called = true
		return &agent.Turn{}
	}))

	for _, payload := range []string{
		`not json`,
		`{"content":"no sender"}`,
		`{"sender":"alice","content":""}`,
		`{"sender":"me","sender_id":"rambo-rambo","content":"echo"}`,
	} {
		if err := b.handle(context.Background(), []byte(payload)); err != nil {
			t.Errorf("handle(%q) = %v", payload, err)
		}
	}
	if called {
		t.Error("runner called for invalid input")
	}
	if len(fp.msgs) != 0 {
		t.Errorf("published %d messages, want 0", len(fp.msgs))
	}
}

func TestBridge_FailureEvent(t *testing.T) {
	b, fp := newTestBridge(funcRunner(func(msg *agent.Message, cb agent.Callbacks) *agent.Turn {
		err := &agent.TurnError{Kind: agent.KindGeneration, Err: errors.New("model offline")}
		cb.Start(msg)
		cb.Failure(msg, err)
		return &agent.Turn{Outcome: agent.OutcomeFailed, Err: err}
	}), func(c *BridgeConfig) { c.DiscoveryPrefix = "homeassistant" })

	_ = b.handle(context.Background(), []byte(`{"sender":"alice","content":"hi"}`))

	if n := len(fp.on(b.outboxTopic())); n != 0 {
		t.Errorf("replies = %d, want 0", n)
	}
	evs := fp.on(b.eventsTopic())
	var last Event
	_ = json.Unmarshal(evs[len(evs)-1].Payload, &last)
	if last.Event != EventFailure || !strings.Contains(last.Error, "model offline") {
		t.Errorf("last event = %+v", last)
	}

	states := fp.on(b.stateTopic("failures_today"))
	if len(states) != 1 || string(states[0].Payload) != "1" || !states[0].Retain {
		t.Errorf("failures_today state = %+v", states)
	}
}

func TestBridge_Tunables(t *testing.T) {
	b, fp := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		t.Error("runner called for tunables command")
		return &agent.Turn{}
	}))

	_ = b.handle(context.Background(), []byte(`{"sender":"admin","content":"TUNE top_k=40"}`))
	_ = b.handle(context.Background(), []byte(`{"sender":"mallory","content":"TUNABLES"}`))

	if got := b.tunables.Sampling().TopK; got != 40 {
		t.Errorf("TopK = %d, want 40", got)
	}
	if n := len(fp.on(b.outboxTopic())); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
	if g := strings.Join(fp.events(t, b.eventsTopic()), ","); g != EventDenied {
		t.Errorf("events = %q, want %q", g, EventDenied)
	}
}

func TestBridge_CutoffHalts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	b, fp := newTestBridge(funcRunner(func(msg *agent.Message, cb agent.Callbacks) *agent.Turn {
		mu.Lock()
		calls++
		mu.Unlock()
		cb.Cutoff(msg)
		return &agent.Turn{Outcome: agent.OutcomeCutoff}
	}))

	b.dispatch(context.Background(), b.inboxTopic(), []byte(`{"sender":"alice","content":"bicycle built for two"}`))
	select {
	case <-b.halt:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not halt")
	}
	b.inflight.Wait()

	b.dispatch(context.Background(), b.inboxTopic(), []byte(`{"sender":"alice","content":"still there?"}`))
	b.inflight.Wait()

	if calls != 1 {
		t.Errorf("runner calls = %d, want 1", calls)
	}
	replies := fp.on(b.outboxTopic())
	if len(replies) != 1 || !strings.Contains(string(replies[0].Payload), `"markdown":"halted"`) {
		t.Errorf("replies = %d, want cutoff message", len(replies))
	}
}

func TestBridge_DispatchIgnoresOtherTopics(t *testing.T) {
	b, _ := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		t.Error("runner called")
		return &agent.Turn{}
	}))
	b.dispatch(context.Background(), "rambo/rambo/outbox", []byte(`{"sender":"a","content":"x"}`))
	b.inflight.Wait()
}

func TestBridge_DispatchBoundsWorkers(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	b, _ := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &agent.Turn{Outcome: agent.OutcomeFinished}
	}), func(c *BridgeConfig) { c.Workers = 2 })

	for i := range 8 {
		payload := []byte(`{"sender":"user` + string(rune('a'+i)) + `","content":"hi"}`)
		b.dispatch(context.Background(), b.inboxTopic(), payload)
	}
	b.inflight.Wait()

	if peak > 2 {
		t.Errorf("peak concurrent turns = %d, want <= 2", peak)
	}
}

func TestBridge_DrainRefusesNewTurns(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	b, _ := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return &agent.Turn{Outcome: agent.OutcomeFinished}
	}))

	b.dispatch(context.Background(), b.inboxTopic(), []byte(`{"sender":"alice","content":"first"}`))

	drained := make(chan struct{})
	go func() {
		b.drain()
		close(drained)
	}()

	// Messages arriving while drain waits are dropped rather than
	// racing the WaitGroup.
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := []byte(`{"sender":"user` + string(rune('a'+i)) + `","content":"late"}`)
			b.dispatch(context.Background(), b.inboxTopic(), payload)
		}()
	}
	wg.Wait()

	select {
	case <-drained:
		t.Fatal("drain returned with a turn in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}

	mu.Lock()
	before := calls
	mu.Unlock()
	b.dispatch(context.Background(), b.inboxTopic(), []byte(`{"sender":"bob","content":"after"}`))
	b.inflight.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != before {
		t.Errorf("runner calls = %d after drain, want %d", calls, before)
	}
}

func TestBridge_DispatchAfterDrain(t *testing.T) {
	b, _ := newTestBridge(funcRunner(func(*agent.Message, agent.Callbacks) *agent.Turn {
		t.Error("runner called after drain")
		return &agent.Turn{}
	}))
	b.drain()
	b.dispatch(context.Background(), b.inboxTopic(), []byte(`{"sender":"alice","content":"hi"}`))
	b.inflight.Wait()
}

func TestBridge_PublishWithoutConnection(t *testing.T) {
	b := NewBridge(BridgeConfig{Name: "rambo"})
	if err := b.publish(context.Background(), "t", nil, 0, false); err == nil {
		t.Error("expected error before connect")
	}
}

func TestBridge_SensorDefinitions(t *testing.T) {
	b, _ := newTestBridge(nil, func(c *BridgeConfig) { c.DiscoveryPrefix = "homeassistant" })

	defs := b.sensorDefinitions()
	if len(defs) != 3 {
		t.Fatalf("sensor definitions = %d, want 3", len(defs))
	}
	for _, d := range defs {
		if d.config.UniqueID != "inst-1_"+d.entity {
			t.Errorf("UniqueID = %q, want %q", d.config.UniqueID, "inst-1_"+d.entity)
		}
		if d.config.AvailabilityTopic != b.availabilityTopic() {
			t.Errorf("%s AvailabilityTopic = %q", d.entity, d.config.AvailabilityTopic)
		}
		if d.config.Device.Name != "rambo" {
			t.Errorf("%s Device.Name = %q", d.entity, d.config.Device.Name)
		}
	}
}
