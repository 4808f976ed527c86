package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/httpkit"
)

// Post is a Mattermost post.
type Post struct {
	ID        string `json:"id,omitempty"`
	CreateAt  int64  `json:"create_at,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id,omitempty"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
}

// User is a Mattermost user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type reaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
}

// Client calls the Mattermost REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a REST client authenticated with a bot or
// personal access token.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger:  logger,
	}
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &u, nil
}

// CreatePost posts message to a channel, threaded under rootID when
// it is non-empty.
func (c *Client) CreatePost(ctx context.Context, channelID, rootID, message string) (*Post, error) {
	var p Post
	err := c.do(ctx, http.MethodPost, "/posts", Post{ChannelID: channelID, RootID: rootID, Message: message}, &p)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &p, nil
}

// AddReaction reacts to a post as userID.
func (c *Client) AddReaction(ctx context.Context, userID, postID, emoji string) error {
	err := c.do(ctx, http.MethodPost, "/reactions", reaction{UserID: userID, PostID: postID, EmojiName: emoji}, nil)
	if err != nil {
		return fmt.Errorf("add reaction %s: %w", emoji, err)
	}
	return nil
}

// RemoveReaction removes userID's reaction from a post.
func (c *Client) RemoveReaction(ctx context.Context, userID, postID, emoji string) error {
	path := fmt.Sprintf("/users/%s/posts/%s/reactions/%s",
		url.PathEscape(userID), url.PathEscape(postID), url.PathEscape(emoji))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove reaction %s: %w", emoji, err)
	}
	return nil
}

// do sends a JSON request to /api/v4 + path and decodes the response
// into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mattermost API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
