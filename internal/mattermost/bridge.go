package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/messaging"
)

// Source is the adapter name recorded on messages and turns.
const Source = "mattermost"

const handleTimeout = 10 * time.Minute

// Reaction emoji names.
const (
	emojiStart   = "eyes"
	emojiTool    = "toolbox"
	emojiFailure = "x"
	emojiDenied  = "no_entry_sign"
)

// API is the subset of *Client the bridge uses.
type API interface {
	Me(ctx context.Context) (*User, error)
	CreatePost(ctx context.Context, channelID, rootID, message string) (*Post, error)
	AddReaction(ctx context.Context, userID, postID, emoji string) error
	RemoveReaction(ctx context.Context, userID, postID, emoji string) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	API      API
	Events   func(ctx context.Context) (<-chan Event, func(), error)
	Runner   messaging.Runner
	Tunables *messaging.Tunables
	Logger   *slog.Logger

	// Server names the Mattermost instance in conversation keys.
	Server string

	// ToolEmoji lists extra reactions for a tool call, after the
	// generic tool reaction.
	ToolEmoji func(*invoke.Invocation) []string

	RateLimit     int
	CutoffMessage string
}

// Bridge routes Mattermost posts through the agent loop.
type Bridge struct {
	api      API
	events   func(ctx context.Context) (<-chan Event, func(), error)
	runner   messaging.Runner
	tunables *messaging.Tunables
	limiter  *messaging.SenderLimiter
	logger   *slog.Logger
	server   string
	cutoff   string
	emoji    func(*invoke.Invocation) []string

	self *User
}

// NewBridge creates a Mattermost bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		api:      cfg.API,
		events:   cfg.Events,
		runner:   cfg.Runner,
		tunables: cfg.Tunables,
		limiter:  messaging.NewSenderLimiter(cfg.RateLimit),
		logger:   logger.With("adapter", Source),
		server:   cfg.Server,
		cutoff:   cfg.CutoffMessage,
		emoji:    cfg.ToolEmoji,
	}
}

// Connect returns an event source backed by a WSClient, for use as
// BridgeConfig.Events.
func Connect(baseURL, token string, logger *slog.Logger) func(ctx context.Context) (<-chan Event, func(), error) {
	return func(ctx context.Context) (<-chan Event, func(), error) {
		ws := NewWSClient(baseURL, token, logger)
		if err := ws.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return ws.Events(), func() { _ = ws.Close() }, nil
	}
}

// Run connects and handles posted events until ctx is cancelled, the
// connection drops (an error, so the supervisor reconnects), or the
// cutoff phrase arrives (messaging.ErrCutoff).
func (b *Bridge) Run(ctx context.Context) error {
	me, err := b.api.Me(ctx)
	if err != nil {
		return err
	}
	b.self = me

	events, closeFn, err := b.events(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	b.logger.Info("mattermost bridge started", "user", me.Username)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("mattermost bridge shutting down")
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("mattermost websocket closed")
			}
			if ev.Event != "posted" {
				continue
			}
			if err := b.handle(ctx, &ev); err != nil {
				return err
			}
		}
	}
}

// handle processes one posted event.
func (b *Bridge) handle(ctx context.Context, ev *Event) error {
	var post Post
	if err := json.Unmarshal([]byte(ev.str("post")), &post); err != nil {
		b.logger.Warn("mattermost malformed post", "error", err)
		return nil
	}
	if post.Message == "" || post.Type != "" || (b.self != nil && post.UserID == b.self.ID) {
		return nil
	}
	if !b.limiter.Allow(post.UserID) {
		b.logger.Warn("mattermost message rate-limited", "user", post.UserID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if b.tunables != nil {
		if res := b.tunables.Handle(post.UserID, post.Message); res.Handled {
			if res.Denied {
				b.react(ctx, post.ID, emojiDenied)
				return nil
			}
			b.post(ctx, &post, res.Reply)
			return nil
		}
	}

	msg := b.message(ev, &post)
	b.logger.Info("mattermost message received",
		"sender", msg.Sender.Name,
		"channel", post.ChannelID,
		"privacy", msg.Privacy,
	)

	halted := false
	cb := agent.Callbacks{
		Start: func(*agent.Message) { b.react(ctx, post.ID, emojiStart) },
		Tool: func(_ *agent.Message, inv *invoke.Invocation) {
			b.react(ctx, post.ID, emojiTool)
			if b.emoji != nil {
				for _, e := range b.emoji(inv) {
					b.react(ctx, post.ID, e)
				}
			}
		},
		Finish: func(*agent.Message) {
			b.unreact(ctx, post.ID, emojiStart)
		},
		Failure: func(_ *agent.Message, err error) {
			b.logger.Error("mattermost turn failed", "post", post.ID, "error", err)
			b.react(ctx, post.ID, emojiFailure)
			b.unreact(ctx, post.ID, emojiStart)
		},
		Cutoff: func(*agent.Message) {
			halted = true
			b.post(ctx, &post, b.cutoff)
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
		b.post(ctx, &post, turn.Reply)
	}
	return nil
}

// message converts a posted event into an agent message.
func (b *Bridge) message(ev *Event, post *Post) *agent.Message {
	name := strings.TrimPrefix(ev.str("sender_name"), "@")
	if name == "" {
		name = post.UserID
	}

	msg := &agent.Message{
		ID:         post.ID,
		Source:     Source,
		Sender:     agent.Sender{Name: name, ID: post.UserID},
		Content:    post.Message,
		Channel:    post.ChannelID,
		Server:     b.server,
		Visibility: agent.VisibilitySemipublic,
		Privacy:    agent.PrivacySemipublic,
		Timestamp:  time.UnixMilli(post.CreateAt),
	}
	if b.self != nil {
		msg.Assistant = b.self.Username
	}
	switch ev.str("channel_type") {
	case "D":
		msg.Privacy = agent.PrivacyDirect
		msg.Visibility = agent.VisibilityPrivate
		if b.self != nil {
			msg.Recipients = []agent.Sender{{Name: b.self.Username, ID: b.self.ID}}
		}
	case "G":
		msg.Privacy = agent.PrivacyGroup
		msg.Visibility = agent.VisibilityPrivate
	}
	return msg
}

// post replies in the same channel, in the post's thread if it has one.
func (b *Bridge) post(ctx context.Context, to *Post, text string) {
	if text == "" {
		return
	}
	if _, err := b.api.CreatePost(ctx, to.ChannelID, to.RootID, text); err != nil {
		b.logger.Error("mattermost reply failed", "channel", to.ChannelID, "error", err)
	}
}

func (b *Bridge) react(ctx context.Context, postID, emoji string) {
	if b.self == nil {
		return
	}
	if err := b.api.AddReaction(ctx, b.self.ID, postID, emoji); err != nil {
		b.logger.Debug("mattermost reaction failed", "emoji", emoji, "error", err)
	}
}

func (b *Bridge) unreact(ctx context.Context, postID, emoji string) {
	if b.self == nil {
		return
	}
	if err := b.api.RemoveReaction(ctx, b.self.ID, postID, emoji); err != nil {
		b.logger.Debug("mattermost reaction removal failed", "emoji", emoji, "error", err)
	}
}
