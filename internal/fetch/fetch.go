// Package fetch downloads web pages for the web tool's read method
// and reduces them to readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/rambo/internal/httpkit"
)

const (
	// DefaultTimeout bounds one page fetch.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps how much of a response body is read.
	DefaultMaxBytes int64 = 5 << 20

	// DefaultMaxChars caps the extracted text handed to the model.
	DefaultMaxChars = 20000
)

// Result holds the fetched and extracted content of a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	insecure *http.Client
	maxBytes int64
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		insecure: httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout), httpkit.WithTLSInsecureSkipVerify()),
		maxBytes: DefaultMaxBytes,
	}
}

// Options tune a single fetch.
type Options struct {
	// MaxChars limits the extracted text; zero means DefaultMaxChars.
	MaxChars int

	// SkipCerts accepts invalid or expired TLS certificates.
	SkipCerts bool
}

// Fetch downloads rawURL and extracts readable text. A URL without a
// scheme is fetched over https. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("fetch: url is required")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("fetch: unsupported url %q", rawURL)
	}

	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	client := f.client
	if opts.SkipCerts {
		client = f.insecure
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	res := &Result{
		URL:         u.String(),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	ct := strings.ToLower(res.ContentType)
	switch {
	case strings.Contains(ct, "html"):
		res.Title, res.Content = extractHTML(string(body))
	case utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", res.ContentType, len(body))
		return res, nil
	}

	if utf8.RuneCountInString(res.Content) > maxChars {
		res.Content = truncateRunes(res.Content, maxChars)
		res.Truncated = true
	}
	return res, nil
}

// Markdown renders the result the way the web tool returns it.
func (r *Result) Markdown() string {
	var sb strings.Builder
	sb.WriteString("```\n")
	if r.Title != "" {
		sb.WriteString("# " + r.Title + "\n\n")
	}
	sb.WriteString(r.Content)
	if r.Truncated {
		sb.WriteString("\n\n[truncated]")
	}
	sb.WriteString("\n```")
	return sb.String()
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
