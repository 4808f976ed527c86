package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/httpkit"
)

// StractEndpoint is the public Stract search API. It needs no key.
const StractEndpoint = "https://stract.com/beta/api/search"

// Stract queries the Stract open search engine.
type Stract struct {
	endpoint string
	client   *http.Client
}

// NewStract creates a Stract provider. An empty endpoint selects
// StractEndpoint.
func NewStract(endpoint string) *Stract {
	if endpoint == "" {
		endpoint = StractEndpoint
	}
	return &Stract{
		endpoint: endpoint,
		client:   httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
	}
}

// Name implements Provider.
func (s *Stract) Name() string { return "stract" }

type stractResponse struct {
	Webpages []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet struct {
			Text struct {
				Fragments []struct {
					Text string `json:"text"`
				} `json:"fragments"`
			} `json:"text"`
		} `json:"snippet"`
	} `json:"webpages"`
}

// Search implements Provider. The snippet is the concatenation of the
// returned highlight fragments.
func (s *Stract) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "numResults": opts.count()})
	if err != nil {
		return nil, fmt.Errorf("stract: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("stract: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stract: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stract: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var body stractResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("stract: decode response: %w", err)
	}

	results := make([]Result, 0, len(body.Webpages))
	for _, page := range body.Webpages {
		var snippet strings.Builder
		for _, f := range page.Snippet.Text.Fragments {
			snippet.WriteString(f.Text)
		}
		results = append(results, Result{Title: page.Title, URL: page.URL, Snippet: snippet.String()})
	}
	return results, nil
}
