package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Inbound is the JSON payload accepted on the inbox topic.
type Inbound struct {
	ID       string `json:"id,omitempty"`
	Sender   string `json:"sender"`
	SenderID string `json:"sender_id,omitempty"`
	Content  string `json:"content"`
	Channel  string `json:"channel,omitempty"`

	// Direct defaults to true; set false for a shared channel where
	// the responsiveness gate applies.
	Direct *bool `json:"direct,omitempty"`
}

// Reply is published to the outbox topic.
type Reply struct {
	ID        string    `json:"id"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
	Assistant string    `json:"assistant"`
	Recipient string    `json:"recipient,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Markdown  string    `json:"markdown"`
	HTML      string    `json:"html,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is published to the events topic as a turn progresses.
type Event struct {
	Event     string    `json:"event"`
	MessageID string    `json:"message_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event names.
const (
	EventStart   = "start"
	EventTool    = "tool"
	EventFinish  = "finish"
	EventFailure = "failure"
	EventCutoff  = "cutoff"
	EventDenied  = "denied"
)

// parseInbound decodes and validates an inbox payload.
func parseInbound(payload []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode inbox payload: %w", err)
	}
	in.Sender = strings.TrimSpace(in.Sender)
	if in.Sender == "" {
		return nil, errors.New("inbox payload has no sender")
	}
	if in.SenderID == "" {
		in.SenderID = in.Sender
	}
	return &in, nil
}

func (in *Inbound) direct() bool {
	return in.Direct == nil || *in.Direct
}

// floodGuard caps inbox messages across all senders per interval. It
// uses atomic counters so the paho receive path never blocks on it.
type floodGuard struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newFloodGuard(limit int64, interval time.Duration, logger *slog.Logger) *floodGuard {
	return &floodGuard{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging how many messages were dropped.
func (g *floodGuard) start(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := g.count.Swap(0)
			if dropped := g.dropped.Swap(0); dropped > 0 {
				g.logger.Warn("mqtt inbox messages dropped",
					"received", count,
					"dropped", dropped,
					"interval", g.interval.String(),
					"limit", g.limit,
				)
			}
		}
	}
}

func (g *floodGuard) allow() bool {
	if g.count.Add(1) > g.limit {
		g.dropped.Add(1)
		return false
	}
	return true
}
