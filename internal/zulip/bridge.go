// Package zulip connects Rambo to a Zulip server. Messages arrive by
// long-polling an event queue and replies go out through the REST API.
package zulip

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/messaging"
)

// Source is the adapter name recorded on messages and turns.
const Source = "zulip"

const handleTimeout = 10 * time.Minute

// Reaction emoji names.
const (
	emojiStart   = "eyes"
	emojiTool    = "toolbox"
	emojiFailure = "cross_mark"
	emojiDenied  = "prohibited"
)

// API is the subset of *Client the bridge uses.
type API interface {
	Me(ctx context.Context) (*Profile, error)
	Register(ctx context.Context) (*Queue, error)
	Events(ctx context.Context, q *Queue) ([]Event, error)
	DeleteQueue(ctx context.Context, q *Queue) error
	Send(ctx context.Context, m Outbound) error
	AddReaction(ctx context.Context, messageID int64, emoji string) error
	RemoveReaction(ctx context.Context, messageID int64, emoji string) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	API      API
	Runner   messaging.Runner
	Tunables *messaging.Tunables
	Logger   *slog.Logger

	// Server names the Zulip realm in conversation keys.
	Server string

	// ToolEmoji lists extra reactions for a tool call, after the
	// generic tool reaction.
	ToolEmoji func(*invoke.Invocation) []string

	RateLimit     int
	CutoffMessage string
}

// Bridge routes Zulip messages through the agent loop.
type Bridge struct {
	api      API
	runner   messaging.Runner
	tunables *messaging.Tunables
	limiter  *messaging.SenderLimiter
	logger   *slog.Logger
	server   string
	cutoff   string
	emoji    func(*invoke.Invocation) []string

	self *Profile
}

// NewBridge creates a Zulip bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		api:      cfg.API,
		runner:   cfg.Runner,
		tunables: cfg.Tunables,
		limiter:  messaging.NewSenderLimiter(cfg.RateLimit),
		logger:   logger.With("adapter", Source),
		server:   cfg.Server,
		cutoff:   cfg.CutoffMessage,
		emoji:    cfg.ToolEmoji,
	}
}

// Run registers an event queue and handles messages until ctx is
// cancelled, polling fails (an error, so the supervisor reconnects),
// or the cutoff phrase arrives (messaging.ErrCutoff). An expired queue
// is registered again in place.
func (b *Bridge) Run(ctx context.Context) error {
	me, err := b.api.Me(ctx)
	if err != nil {
		return err
	}
	b.self = me

	q, err := b.api.Register(ctx)
	if err != nil {
		return err
	}
	defer func() { b.release(q) }()

	b.logger.Info("zulip bridge started", "user", me.FullName, "queue", q.ID)
	for {
		events, err := b.api.Events(ctx, q)
		if ctx.Err() != nil {
			b.logger.Info("zulip bridge shutting down")
			return nil
		}
		if IsBadQueue(err) {
			b.logger.Warn("zulip event queue expired, registering again", "queue", q.ID)
			if q, err = b.api.Register(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Type != "message" || ev.Message == nil {
				continue
			}
			if err := b.handle(ctx, ev.Message); err != nil {
				return err
			}
		}
	}
}

// release deletes the queue with a fresh context so it is freed even
// after ctx is cancelled.
func (b *Bridge) release(q *Queue) {
	if q == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.api.DeleteQueue(ctx, q); err != nil {
		b.logger.Debug("zulip queue release failed", "queue", q.ID, "error", err)
	}
}

// handle processes one message.
func (b *Bridge) handle(ctx context.Context, m *Message) error {
	if m.Content == "" || (b.self != nil && m.SenderID == b.self.UserID) {
		return nil
	}
	sender := strconv.FormatInt(m.SenderID, 10)
	if !b.limiter.Allow(sender) {
		b.logger.Warn("zulip message rate-limited", "sender", m.SenderEmail)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if b.tunables != nil {
		if res := b.tunables.Handle(m.SenderEmail, m.Content); res.Handled {
			if res.Denied {
				b.react(ctx, m.ID, emojiDenied)
				return nil
			}
			b.reply(ctx, m, res.Reply)
			return nil
		}
	}

	msg := b.message(m)
	b.logger.Info("zulip message received",
		"sender", m.SenderEmail,
		"type", m.Type,
		"privacy", msg.Privacy,
	)

	halted := false
	cb := agent.Callbacks{
		Start: func(*agent.Message) { b.react(ctx, m.ID, emojiStart) },
		Tool: func(_ *agent.Message, inv *invoke.Invocation) {
			b.react(ctx, m.ID, emojiTool)
			if b.emoji != nil {
				for _, e := range b.emoji(inv) {
					b.react(ctx, m.ID, e)
				}
			}
		},
		Finish: func(*agent.Message) {
			b.unreact(ctx, m.ID, emojiStart)
		},
		Failure: func(_ *agent.Message, err error) {
			b.logger.Error("zulip turn failed", "message", m.ID, "error", err)
			b.react(ctx, m.ID, emojiFailure)
			b.unreact(ctx, m.ID, emojiStart)
		},
		Cutoff: func(*agent.Message) {
			halted = true
			b.reply(ctx, m, b.cutoff)
		},
	}

	var opts []agent.RunOption
	if b.tunables != nil {
		opts = append(opts, agent.WithSampling(b.tunables.Sampling()))
	}
	turn := b.runner.Run(ctx, msg, cb, opts...)

	if halted {
		return messaging.ErrCutoff
	}
	if turn.Outcome == agent.OutcomeFinished && turn.Reply != "" {
		b.reply(ctx, m, turn.Reply)
	}
	return nil
}

// message converts a Zulip message into an agent message. Private
// messages with more than two participants are group conversations.
func (b *Bridge) message(m *Message) *agent.Message {
	msg := &agent.Message{
		ID:     strconv.FormatInt(m.ID, 10),
		Source: Source,
		Sender: agent.Sender{
			Name:  m.SenderFullName,
			ID:    strconv.FormatInt(m.SenderID, 10),
			Email: m.SenderEmail,
		},
		Content:    m.Content,
		Server:     b.server,
		Visibility: agent.VisibilitySemipublic,
		Privacy:    agent.PrivacySemipublic,
		Timestamp:  time.Unix(m.Timestamp, 0),
	}
	if b.self != nil {
		msg.Assistant = b.self.FullName
	}

	if !m.Private() {
		msg.Channel = strconv.FormatInt(m.StreamID, 10)
		return msg
	}

	rs := m.Recipients()
	msg.Visibility = agent.VisibilityPrivate
	msg.Privacy = agent.PrivacyDirect
	if len(rs) > 2 {
		msg.Privacy = agent.PrivacyGroup
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.ID == m.SenderID {
			continue
		}
		msg.Recipients = append(msg.Recipients, agent.Sender{
			Name:  r.FullName,
			ID:    strconv.FormatInt(r.ID, 10),
			Email: r.Email,
		})
		ids = append(ids, strconv.FormatInt(r.ID, 10))
	}
	if msg.Privacy == agent.PrivacyGroup {
		ids = append(ids, msg.Sender.ID)
		slices.Sort(ids)
		msg.Channel = strings.Join(ids, ",")
	}
	return msg
}

// reply answers in the stream topic the message came from, or to every
// participant of a private message.
func (b *Bridge) reply(ctx context.Context, to *Message, text string) {
	if text == "" {
		return
	}
	out := Outbound{Content: text}
	if to.Private() {
		for _, r := range to.Recipients() {
			out.To = append(out.To, r.ID)
		}
		if len(out.To) == 0 {
			out.To = []int64{to.SenderID}
		}
		slices.Sort(out.To)
	} else {
		out.StreamID = to.StreamID
		out.Topic = to.Subject
	}
	if err := b.api.Send(ctx, out); err != nil {
		b.logger.Error("zulip reply failed", "message", to.ID, "error", err)
	}
}

func (b *Bridge) react(ctx context.Context, id int64, emoji string) {
	if err := b.api.AddReaction(ctx, id, emoji); err != nil {
		b.logger.Debug("zulip reaction failed", "emoji", emoji, "error", err)
	}
}

func (b *Bridge) unreact(ctx context.Context, id int64, emoji string) {
	if err := b.api.RemoveReaction(ctx, id, emoji); err != nil {
		b.logger.Debug("zulip reaction removal failed", "emoji", emoji, "error", err)
	}
}
