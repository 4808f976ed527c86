package signal

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/messaging"
)

// Source is the adapter name recorded on messages and turns.
const Source = "signal"

// handleTimeout bounds how long a single inbound message may be
// processed (agent loop + response send).
const handleTimeout = 10 * time.Minute

// Messenger is the subset of *Client the bridge uses.
type Messenger interface {
	Messages() <-chan *Envelope
	SendTo(ctx context.Context, to Target, message string) (int64, error)
	SendReaction(ctx context.Context, to Target, emoji, author string, timestamp int64) error
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
	SendTyping(ctx context.Context, to Target, stop bool) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client   Messenger
	Runner   messaging.Runner
	Tunables *messaging.Tunables
	Logger   *slog.Logger

	// Account is the bot's own number; its messages are ignored.
	Account string

	// Profile is the bot's Signal profile name, the name people
	// address it by.
	Profile string

	// ToolEmoji lists reaction shortcodes for a tool call. Signal keeps
	// one reaction per message, so the most specific one is used.
	ToolEmoji func(*invoke.Invocation) []string

	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int

	// CutoffMessage is sent before the bridge halts on cutoff.
	CutoffMessage string
}

// Bridge receives Signal messages from signal-cli, routes them through
// the agent loop, and sends responses back via Signal.
type Bridge struct {
	client   Messenger
	runner   messaging.Runner
	tunables *messaging.Tunables
	limiter  *messaging.SenderLimiter
	logger   *slog.Logger
	account  string
	profile  string
	cutoff   string
	emoji    func(*invoke.Invocation) []string
}

// NewBridge creates a Signal message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:   cfg.Client,
		runner:   cfg.Runner,
		tunables: cfg.Tunables,
		limiter:  messaging.NewSenderLimiter(cfg.RateLimit),
		logger:   logger.With("adapter", Source),
		account:  cfg.Account,
		profile:  cfg.Profile,
		cutoff:   cfg.CutoffMessage,
		emoji:    cfg.ToolEmoji,
	}
}

// Run routes inbound messages until ctx is cancelled, the client's
// message channel closes, or the cutoff phrase arrives, in which case
// it returns messaging.ErrCutoff.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("signal bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return nil
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return nil
			}
			if err := b.handle(ctx, env); err != nil {
				return err
			}
		}
	}
}

// handle processes one envelope. It returns messaging.ErrCutoff when
// the bridge must stop.
func (b *Bridge) handle(ctx context.Context, env *Envelope) error {
	if env.Text() == "" || env.Source == "" {
		b.logger.Debug("signal ignoring non-text envelope", "sender", env.Source)
		return nil
	}
	if env.Source == b.account || (env.SourceNumber != "" && env.SourceNumber == b.account) {
		return nil
	}
	if !b.limiter.Allow(env.Source) {
		b.logger.Warn("signal message rate-limited", "sender", env.Source)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	to := env.ReplyTarget()
	if b.tunables != nil {
		if res := b.tunables.Handle(env.Source, env.Text()); res.Handled {
			if res.Denied {
				b.react(ctx, to, env, messaging.ReactionDenied)
				return nil
			}
			b.send(ctx, to, res.Reply)
			return nil
		}
	}

	msg := b.message(env)
	b.logger.Info("signal message received",
		"sender", env.Source,
		"group", env.GroupID(),
		"message_len", len(msg.Content),
	)

	halted := false
	cb := agent.Callbacks{
		Start: func(*agent.Message) {
			if err := b.client.SendReceipt(ctx, env.Source, env.SentAt()); err != nil {
				b.logger.Warn("signal read receipt failed", "sender", env.Source, "error", err)
			}
			if err := b.client.SendTyping(ctx, to, false); err != nil {
				b.logger.Debug("signal typing indicator failed", "error", err)
			}
		},
		Tool: func(_ *agent.Message, inv *invoke.Invocation) {
			b.react(ctx, to, env, b.toolReaction(inv))
		},
		Finish: func(*agent.Message) {
			b.stopTyping(to)
		},
		Failure: func(_ *agent.Message, err error) {
			b.logger.Error("signal turn failed", "sender", env.Source, "error", err)
			b.react(ctx, to, env, messaging.ReactionFailure)
			b.stopTyping(to)
		},
		Cutoff: func(*agent.Message) {
			halted = true
			b.send(ctx, to, b.cutoff)
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
		b.send(ctx, to, turn.Reply)
	}
	return nil
}

// message converts an envelope into an agent message.
func (b *Bridge) message(env *Envelope) *agent.Message {
	name := env.SourceName
	if name == "" {
		name = env.Source
	}
	msg := &agent.Message{
		ID:         strconv.FormatInt(env.SentAt(), 10),
		Source:     Source,
		Sender:     agent.Sender{Name: name, ID: env.Source},
		Recipients: []agent.Sender{{Name: b.profile, ID: b.account}},
		Content:    env.Text(),
		Visibility: agent.VisibilityPrivate,
		Privacy:    agent.PrivacyDirect,
		Secure:     true,
		Timestamp:  env.Time(),
		Assistant:  b.profile,
	}
	if g := env.GroupID(); g != "" {
		msg.Channel = g
		msg.Privacy = agent.PrivacyGroup
		msg.Recipients = nil
	}
	return msg
}

func (b *Bridge) toolReaction(inv *invoke.Invocation) string {
	if b.emoji == nil {
		return messaging.ReactionTool
	}
	return messaging.ToolReaction(b.emoji(inv))
}

func (b *Bridge) send(ctx context.Context, to Target, text string) {
	if text == "" {
		return
	}
	if _, err := b.client.SendTo(ctx, to, text); err != nil {
		b.logger.Error("signal reply send failed", "recipient", to.Recipient, "group", to.GroupID, "error", err)
	}
}

func (b *Bridge) react(ctx context.Context, to Target, env *Envelope, emoji string) {
	if err := b.client.SendReaction(ctx, to, emoji, env.Source, env.SentAt()); err != nil {
		b.logger.Debug("signal reaction failed", "emoji", emoji, "error", err)
	}
}

// stopTyping uses a fresh context so the indicator clears even when
// the handler context has expired.
func (b *Bridge) stopTyping(to Target) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.SendTyping(ctx, to, true); err != nil {
		b.logger.Debug("signal typing stop failed", "error", err)
	}
}
