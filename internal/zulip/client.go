package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/httpkit"
)

// pollTimeout bounds one long-poll. Zulip sends a heartbeat event well
// inside it.
const pollTimeout = 90 * time.Second

// Profile is the authenticated account.
type Profile struct {
	UserID   int64  `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Queue is a registered event queue and the last event read from it.
type Queue struct {
	ID          string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// Event is one entry from GET /events. Message is set for "message"
// events.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// Message is a Zulip message as delivered in events.
type Message struct {
	ID             int64           `json:"id"`
	SenderID       int64           `json:"sender_id"`
	SenderFullName string          `json:"sender_full_name"`
	SenderEmail    string          `json:"sender_email"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	StreamID       int64           `json:"stream_id,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Recipient      json.RawMessage `json:"display_recipient"`
}

// Recipient is one participant of a private message.
type Recipient struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Private reports whether the message is a direct or group message
// rather than a stream post.
func (m *Message) Private() bool {
	return m.Type == "private" || m.Type == "direct"
}

// Recipients returns the participants of a private message, sender
// included. Stream messages have none.
func (m *Message) Recipients() []Recipient {
	if !m.Private() {
		return nil
	}
	var rs []Recipient
	if err := json.Unmarshal(m.Recipient, &rs); err != nil {
		return nil
	}
	return rs
}

// Outbound is a message to send. Private messages go to To; stream
// messages go to StreamID under Topic.
type Outbound struct {
	To       []int64
	StreamID int64
	Topic    string
	Content  string
}

// APIError is a non-success response from the Zulip API.
type APIError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("zulip API error %d %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("zulip API error %d: %s", e.Status, e.Msg)
}

// IsBadQueue reports whether err means the event queue expired and
// must be registered again.
func IsBadQueue(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "BAD_EVENT_QUEUE_ID"
}

// Client calls the Zulip REST API with a bot's email and API key.
type Client struct {
	site   string
	email  string
	key    string
	client *http.Client
	poll   *http.Client
	logger *slog.Logger
}

// NewClient creates a REST client for the Zulip server at site.
func NewClient(site, email, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		site:   strings.TrimRight(site, "/"),
		email:  email,
		key:    apiKey,
		client: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		poll:   httpkit.NewClient(httpkit.WithTimeout(pollTimeout)),
		logger: logger,
	}
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, c.client, http.MethodGet, "/users/me", nil, &p); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// Register opens an event queue for message events.
func (c *Client) Register(ctx context.Context) (*Queue, error) {
	form := url.Values{
		"event_types":    {`["message"]`},
		"apply_markdown": {"false"},
	}
	var q Queue
	if err := c.do(ctx, c.client, http.MethodPost, "/register", form, &q); err != nil {
		return nil, fmt.Errorf("register queue: %w", err)
	}
	return &q, nil
}

// Events long-polls q and advances q.LastEventID past the events
// returned.
func (c *Client) Events(ctx context.Context, q *Queue) ([]Event, error) {
	path := "/events?" + url.Values{
		"queue_id":      {q.ID},
		"last_event_id": {strconv.FormatInt(q.LastEventID, 10)},
	}.Encode()

	var res struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, c.poll, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	for _, ev := range res.Events {
		if ev.ID > q.LastEventID {
			q.LastEventID = ev.ID
		}
	}
	return res.Events, nil
}

// DeleteQueue releases q on the server.
func (c *Client) DeleteQueue(ctx context.Context, q *Queue) error {
	path := "/events?" + url.Values{"queue_id": {q.ID}}.Encode()
	if err := c.do(ctx, c.client, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}

// Send posts a message.
func (c *Client) Send(ctx context.Context, m Outbound) error {
	form := url.Values{"content": {m.Content}}
	if len(m.To) > 0 {
		to, _ := json.Marshal(m.To)
		form.Set("type", "private")
		form.Set("to", string(to))
	} else {
		form.Set("type", "stream")
		form.Set("to", strconv.FormatInt(m.StreamID, 10))
		form.Set("topic", m.Topic)
	}
	if err := c.do(ctx, c.client, http.MethodPost, "/messages", form, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// AddReaction reacts to a message with the named emoji.
func (c *Client) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	path := fmt.Sprintf("/messages/%d/reactions", messageID)
	if err := c.do(ctx, c.client, http.MethodPost, path, url.Values{"emoji_name": {emoji}}, nil); err != nil {
		return fmt.Errorf("add reaction %s: %w", emoji, err)
	}
	return nil
}

// RemoveReaction removes the account's reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID int64, emoji string) error {
	path := fmt.Sprintf("/messages/%d/reactions?", messageID) + url.Values{"emoji_name": {emoji}}.Encode()
	if err := c.do(ctx, c.client, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove reaction %s: %w", emoji, err)
	}
	return nil
}

// do sends a form-encoded request to /api/v1 + path and decodes the
// response into out when it is non-nil.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.site+"/api/v1"+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.key)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		if json.Unmarshal([]byte(raw), apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = raw
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
