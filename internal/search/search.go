// Package search provides the web search backends behind the web
// tool's search method.
//
// Each backend implements [Provider] and is registered with a
// [Manager] by name. The manager routes queries to the primary
// provider and falls back through the others in registration order
// when it fails.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultCount is the number of results returned when the caller does
// not ask for a specific number.
const DefaultCount = 5

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results. Zero means DefaultCount.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is the interface that search backends implement.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	order     []string
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. An empty primary selects the
// first registered provider.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	if _, dup := m.providers[p.Name()]; !dup {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider, then against the
// remaining providers until one succeeds. Results are capped at the
// requested count.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search: empty query")
	}
	if len(m.providers) == 0 {
		return nil, errors.New("search: no providers configured")
	}

	var errs []error
	for _, name := range m.candidates() {
		results, err := m.providers[name].Search(ctx, query, opts)
		if err == nil {
			if n := opts.count(); len(results) > n {
				results = results[:n]
			}
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) candidates() []string {
	out := make([]string, 0, len(m.order))
	if _, ok := m.providers[m.primary]; ok {
		out = append(out, m.primary)
	}
	for _, name := range m.order {
		if name != m.primary {
			out = append(out, name)
		}
	}
	return out
}

// Providers returns provider names in registration order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a numbered plain-text list for the
// model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, r.Title)
		if r.URL != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.URL)
		}
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}
