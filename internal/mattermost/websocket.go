// Package mattermost connects an assistant to a Mattermost server:
// posted events arrive over the WebSocket API and replies and
// reactions go out over REST.
package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one WebSocket event. Data values are raw JSON; the post in
// a "posted" event is itself a JSON-encoded string.
type Event struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast Broadcast                  `json:"broadcast"`
	Seq       int64                      `json:"seq"`
}

// Broadcast scopes an event.
type Broadcast struct {
	ChannelID string `json:"channel_id"`
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
}

// str decodes a string-valued data field.
func (e *Event) str(key string) string {
	var s string
	if raw, ok := e.Data[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// wsReply answers a request sent with a seq number.
type wsReply struct {
	Status   string `json:"status"`
	SeqReply int64  `json:"seq_reply"`
	Error    *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// WSClient holds one Mattermost WebSocket connection.
type WSClient struct {
	baseURL string
	token   string
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	seq    atomic.Int64

	events chan Event
	done   chan struct{}
}

// NewWSClient creates a WebSocket client for the server at baseURL.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
}

// wsURL converts the server URL into the WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/v4/websocket"
	return u.String(), nil
}

// Connect dials the server, authenticates and starts the read loop.
// Must be called once per WSClient.
func (c *WSClient) Connect(ctx context.Context) error {
	endpoint, err := wsURL(c.baseURL)
	if err != nil {
		return err
	}
	c.logger.Info("connecting to Mattermost WebSocket", "url", endpoint)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	seq := c.seq.Add(1)
	challenge := map[string]any{
		"seq":    seq,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		conn.Close()
		return fmt.Errorf("send authentication challenge: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn, seq)
	return nil
}

// Events returns inbound events. The channel is closed when the
// connection drops.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Close closes the connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// readLoop routes frames until the connection fails.
func (c *WSClient) readLoop(conn *websocket.Conn, authSeq int64) {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
				return
			}
			c.logger.Error("WebSocket read error, connection lost", "error", err)
			return
		}

		var reply wsReply
		if err := json.Unmarshal(data, &reply); err == nil && reply.SeqReply != 0 {
			if reply.SeqReply == authSeq && reply.Status != "OK" {
				c.logger.Error("WebSocket authentication rejected", "status", reply.Status)
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
			c.logger.Debug("unhandled WebSocket frame", "frame", string(data))
			continue
		}

		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event channel full, dropping event", "event", ev.Event)
		}
	}
}
