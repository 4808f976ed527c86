package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/messaging"
)

// Source is the adapter name recorded on messages and turns.
const Source = "mqtt"

// Bridge defaults.
const (
	DefaultWorkers    = 4
	DefaultFloodLimit = 120

	handleTimeout = 10 * time.Minute
)

// publisher is the subset of *autopaho.ConnectionManager used to send.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// BridgeConfig holds the connection settings and dependencies for a
// Bridge.
type BridgeConfig struct {
	Broker   string
	Username string
	Password string
	ClientID string

	// Prefix roots every topic; it defaults to "rambo/<Name>".
	Prefix string
	Name   string

	// DiscoveryPrefix enables Home Assistant discovery when non-empty.
	DiscoveryPrefix string
	InstanceID      string

	// Workers bounds concurrently running turns.
	Workers int

	// FloodLimit caps inbox messages per minute across all senders.
	FloodLimit int

	Runner   messaging.Runner
	Tunables *messaging.Tunables
	Logger   *slog.Logger

	RateLimit     int
	CutoffMessage string
}

// Bridge routes MQTT inbox messages through the agent loop.
type Bridge struct {
	cfg      BridgeConfig
	device   DeviceInfo
	runner   messaging.Runner
	tunables *messaging.Tunables
	limiter  *messaging.SenderLimiter
	flood    *floodGuard
	turns    *DailyTurns
	logger   *slog.Logger

	pubMu sync.RWMutex
	pub   publisher

	sem      chan struct{}
	inflight sync.WaitGroup
	stopMu   sync.Mutex
	stopping bool
	halt     chan struct{}
	haltOnce sync.Once
}

// NewBridge creates a bridge. Call [Bridge.Run] to connect.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", Source)
	if cfg.Prefix == "" {
		cfg.Prefix = "rambo/" + cfg.Name
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rambo-" + cfg.Name
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.FloodLimit <= 0 {
		cfg.FloodLimit = DefaultFloodLimit
	}
	return &Bridge{
		cfg:      cfg,
		device:   NewDeviceInfo(cfg.InstanceID, cfg.Name),
		runner:   cfg.Runner,
		tunables: cfg.Tunables,
		limiter:  messaging.NewSenderLimiter(cfg.RateLimit),
		flood:    newFloodGuard(int64(cfg.FloodLimit), time.Minute, logger),
		turns:    NewDailyTurns(nil),
		logger:   logger,
		sem:      make(chan struct{}, cfg.Workers),
		halt:     make(chan struct{}),
	}
}

// --- Topic helpers ---

func (b *Bridge) inboxTopic() string        { return b.cfg.Prefix + "/inbox" }
func (b *Bridge) outboxTopic() string       { return b.cfg.Prefix + "/outbox" }
func (b *Bridge) eventsTopic() string       { return b.cfg.Prefix + "/events" }
func (b *Bridge) availabilityTopic() string { return b.cfg.Prefix + "/availability" }

func (b *Bridge) stateTopic(entity string) string {
	return b.cfg.Prefix + "/" + entity + "/state"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.cfg.ClientID + "/" + entity + "/config"
}

// Run connects to the broker and serves the inbox until ctx is
// cancelled or the cutoff phrase arrives (messaging.ErrCutoff).
// Reconnects are handled by autopaho in the background.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// The connection outlives ctx long enough to publish "offline".
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.setPublisher(cm)

	go b.flood.start(ctx)

	var result error
	select {
	case <-ctx.Done():
		b.logger.Info("mqtt bridge shutting down")
	case <-b.halt:
		result = messaging.ErrCutoff
	case <-cm.Done():
		return errors.New("mqtt connection manager stopped")
	}

	b.drain()

	stopCtx, cancel := context.WithTimeout(connCtx, 5*time.Second)
	defer cancel()
	b.publishAvailability(stopCtx, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		b.logger.Debug("mqtt disconnect failed", "error", err)
	}
	return result
}

// onConnect announces the bridge and (re-)subscribes to the inbox.
func (b *Bridge) onConnect(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.publishDiscovery(ctx)
	b.publishAvailability(ctx, "online")
	b.publishStates(ctx)

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: b.inboxTopic(), QoS: 1}},
	}); err != nil {
		b.logger.Error("mqtt inbox subscribe failed", "topic", b.inboxTopic(), "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", b.inboxTopic())
}

// dispatch hands an inbox message to a worker goroutine so the paho
// receive path is never blocked by a turn.
func (b *Bridge) dispatch(ctx context.Context, topic string, payload []byte) {
	if topic != b.inboxTopic() || b.halted() {
		return
	}
	if !b.flood.allow() {
		return
	}

	if !b.begin() {
		return
	}
	go func() {
		defer b.inflight.Done()
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-b.sem }()

		if err := b.handle(ctx, payload); errors.Is(err, messaging.ErrCutoff) {
			b.haltOnce.Do(func() { close(b.halt) })
		}
	}()
}

// begin registers one in-flight turn. It reports false once drain has
// started, so no turn is added while drain waits.
func (b *Bridge) begin() bool {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopping {
		return false
	}
	b.inflight.Add(1)
	return true
}

// drain stops new dispatches and waits for in-flight turns.
func (b *Bridge) drain() {
	b.stopMu.Lock()
	b.stopping = true
	b.stopMu.Unlock()
	b.inflight.Wait()
}

func (b *Bridge) halted() bool {
	select {
	case <-b.halt:
		return true
	default:
		return false
	}
}

// handle processes one inbox payload. It returns messaging.ErrCutoff
// when the bridge must stop.
func (b *Bridge) handle(ctx context.Context, payload []byte) error {
	if b.halted() {
		return nil
	}
	in, err := parseInbound(payload)
	if err != nil {
		b.logger.Warn("mqtt malformed inbox message", "error", err)
		return nil
	}
	if in.Content == "" || in.SenderID == b.cfg.ClientID {
		return nil
	}
	if !b.limiter.Allow(in.SenderID) {
		b.logger.Warn("mqtt message rate-limited", "sender", in.SenderID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	msg := b.message(in)

	if b.tunables != nil {
		if res := b.tunables.Handle(in.SenderID, in.Content); res.Handled {
			if res.Denied {
				b.publishEvent(ctx, msg, Event{Event: EventDenied})
				return nil
			}
			b.publishReply(ctx, msg, res.Reply)
			return nil
		}
	}

	b.logger.Info("mqtt message received",
		"sender", in.SenderID,
		"channel", in.Channel,
		"message_len", len(in.Content),
	)

	halted := false
	cb := agent.Callbacks{
		Start: func(m *agent.Message) { b.publishEvent(ctx, m, Event{Event: EventStart}) },
		Tool: func(m *agent.Message, inv *invoke.Invocation) {
			b.publishEvent(ctx, m, Event{Event: EventTool, Tool: inv.Slug()})
		},
		Finish: func(m *agent.Message) { b.publishEvent(ctx, m, Event{Event: EventFinish}) },
		Failure: func(m *agent.Message, err error) {
			b.logger.Error("mqtt turn failed", "sender", in.SenderID, "error", err)
			b.publishEvent(ctx, m, Event{Event: EventFailure, Error: err.Error()})
		},
		Cutoff: func(m *agent.Message) {
			halted = true
			b.publishEvent(ctx, m, Event{Event: EventCutoff})
			b.publishReply(ctx, m, b.cfg.CutoffMessage)
		},
	}

	var opts []agent.RunOption
	if b.tunables != nil {
		opts = append(opts, agent.WithSampling(b.tunables.Sampling()))
	}
	turn := b.runner.Run(ctx, msg, cb, opts...)
	b.turns.Record(turn.Outcome)
	b.publishStates(ctx)

	if halted {
		return messaging.ErrCutoff
	}
	if turn.Outcome == agent.OutcomeFinished && turn.Reply != "" {
		b.publishReply(ctx, msg, turn.Reply)
	}
	return nil
}

// message converts an inbox payload into an agent message.
func (b *Bridge) message(in *Inbound) *agent.Message {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg := &agent.Message{
		ID:         id,
		Source:     Source,
		Sender:     agent.Sender{Name: in.Sender, ID: in.SenderID},
		Content:    in.Content,
		Channel:    in.Channel,
		Server:     b.cfg.Broker,
		Visibility: agent.VisibilitySemipublic,
		Privacy:    agent.PrivacySemipublic,
		Timestamp:  time.Now(),
	}
	if in.direct() {
		msg.Visibility = agent.VisibilityPrivate
		msg.Privacy = agent.PrivacyDirect
		msg.Recipients = []agent.Sender{{Name: b.cfg.Name, ID: b.cfg.ClientID}}
	}
	return msg
}

// --- Publishing ---

func (b *Bridge) setPublisher(p publisher) {
	b.pubMu.Lock()
	b.pub = p
	b.pubMu.Unlock()
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	b.pubMu.RLock()
	p := b.pub
	b.pubMu.RUnlock()
	if p == nil {
		return errors.New("mqtt bridge not connected")
	}
	_, err := p.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	if err := b.publish(ctx, topic, payload, 1, false); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishReply(ctx context.Context, to *agent.Message, text string) {
	if text == "" {
		return
	}
	html, err := messaging.RenderHTML(text)
	if err != nil {
		b.logger.Debug("mqtt markdown render failed", "error", err)
	}
	b.publishJSON(ctx, b.outboxTopic(), Reply{
		ID:        uuid.NewString(),
		InReplyTo: to.ID,
		Assistant: b.cfg.Name,
		Recipient: to.Sender.ID,
		Channel:   to.Channel,
		Markdown:  text,
		HTML:      html,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bridge) publishEvent(ctx context.Context, msg *agent.Message, ev Event) {
	ev.MessageID = msg.ID
	ev.Sender = msg.Sender.ID
	ev.Timestamp = time.Now().UTC()
	b.publishJSON(ctx, b.eventsTopic(), ev)
}

func (b *Bridge) publishAvailability(ctx context.Context, status string) {
	if err := b.publish(ctx, b.availabilityTopic(), []byte(status), 1, true); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (b *Bridge) sensorDefinitions() []sensorDef {
	avail := b.availabilityTopic()
	return []sensorDef{
		{
			entity: "turns_today",
			config: SensorConfig{
				Name:              b.device.Name + " Turns Today",
				UniqueID:          b.cfg.InstanceID + "_turns_today",
				StateTopic:        b.stateTopic("turns_today"),
				AvailabilityTopic: avail,
				Device:            b.device,
				Icon:              "mdi:counter",
				StateClass:        "total_increasing",
			},
		},
		{
			entity: "failures_today",
			config: SensorConfig{
				Name:              b.device.Name + " Failures Today",
				UniqueID:          b.cfg.InstanceID + "_failures_today",
				StateTopic:        b.stateTopic("failures_today"),
				AvailabilityTopic: avail,
				Device:            b.device,
				Icon:              "mdi:alert-circle-outline",
				StateClass:        "total_increasing",
			},
		},
		{
			entity: "last_outcome",
			config: SensorConfig{
				Name:              b.device.Name + " Last Outcome",
				UniqueID:          b.cfg.InstanceID + "_last_outcome",
				StateTopic:        b.stateTopic("last_outcome"),
				AvailabilityTopic: avail,
				Device:            b.device,
				Icon:              "mdi:chat-processing",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context) {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range b.sensorDefinitions() {
		topic := b.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if err := b.publish(ctx, topic, payload, 1, true); err != nil {
			b.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) publishStates(ctx context.Context) {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	turns, failures, last := b.turns.Snapshot()
	lastState := string(last)
	if lastState == "" {
		lastState = "none"
	}
	states := map[string]string{
		"turns_today":    strconv.FormatInt(turns, 10),
		"failures_today": strconv.FormatInt(failures, 10),
		"last_outcome":   lastState,
	}
	for entity, value := range states {
		if err := b.publish(ctx, b.stateTopic(entity), []byte(value), 0, true); err != nil {
			b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}
