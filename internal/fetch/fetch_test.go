package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/rambo/internal/invoke"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title> Test Page </title><style>.x{}</style></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<p>See <a href="https://go.dev">the Go site</a> and <a href="/local">local</a>.</p>
<ul><li>one</li><li>two</li></ul>
<pre>  indented
    code</pre>
</main>
<footer>Footer stuff</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	title, content := extractHTML(samplePage)

	if title != "Test Page" {
		t.Errorf("title = %q, want %q", title, "Test Page")
	}
	for _, want := range []string{
		"# Hello World",
		"This is a test paragraph with bold text .",
		"[the Go site](https://go.dev)",
		"- one\n- two",
		"```\n  indented\n    code\n```",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	for _, unwanted := range []string{"var x = 1", "Navigation stuff", "Footer stuff", "(/local)"} {
		if strings.Contains(content, unwanted) {
			t.Errorf("content should not contain %q", unwanted)
		}
	}
	if strings.Contains(content, "\n\n\n") {
		t.Errorf("content has runs of blank lines:\n%s", content)
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Rambo/") {
			t.Errorf("User-Agent = %q, want Rambo/ prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer ts.Close()

	res, err := New().Fetch(context.Background(), ts.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Title != "Test" {
		t.Errorf("Title = %q, want %q", res.Title, "Test")
	}
	if res.Content != "Hello from test server" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
}

func TestFetch_PlainTextTruncated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("é", 1000)))
	}))
	defer ts.Close()

	res, err := New().Fetch(context.Background(), ts.URL, Options{MaxChars: 100})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if n := len([]rune(res.Content)); n != 100 {
		t.Errorf("rune count = %d, want 100", n)
	}
}

func TestFetch_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	if _, err := New().Fetch(context.Background(), ts.URL, Options{}); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("err = %v, want HTTP 404", err)
	}
}

func TestFetch_RejectsBadURLs(t *testing.T) {
	for _, u := range []string{"", "   ", "ftp://example.com/file", "file:///etc/passwd"} {
		if _, err := New().Fetch(context.Background(), u, Options{}); err == nil {
			t.Errorf("Fetch(%q) succeeded, want error", u)
		}
	}
}

func TestResultMarkdown(t *testing.T) {
	r := &Result{Title: "T", Content: "body", Truncated: true}
	want := "```\n# T\n\nbody\n\n[truncated]\n```"
	if got := r.Markdown(); got != want {
		t.Errorf("Markdown() = %q, want %q", got, want)
	}
}

func TestToolHandler(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Tool Test</title></head><body><p>Content here</p></body></html>`))
	}))
	defer ts.Close()

	h := ToolHandler(New())
	out, err := h(context.Background(), invoke.ParseArgs(`site_uri="`+ts.URL+`"`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(out, "Content here") || !strings.HasPrefix(out, "```") {
		t.Errorf("output = %q", out)
	}

	if _, err := h(context.Background(), nil); err == nil {
		t.Error("expected error for missing site_uri")
	}
}
