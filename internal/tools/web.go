package tools

import (
	"github.com/nugget/rambo/internal/fetch"
	"github.com/nugget/rambo/internal/search"
)

// NewWebTool returns the web engine tool. search is enabled only when
// mgr has at least one provider; read is enabled when f is non-nil.
func NewWebTool(mgr *search.Manager, f *fetch.Fetcher) *Tool {
	return NewTool("web", "Web Engine", "Enables you to search and navigate the web",
		Method{
			Slug:        "search",
			Description: "Search the web",
			Args: []ArgSpec{
				{Name: "query", Type: "str", Description: "Query to pass to the web search engine"},
				{Name: "count", Type: "int", Description: "Maximum number of results (optional, default 5)"},
			},
			Disabled: mgr == nil || !mgr.Configured(),
			Emoji:    "mag",
			Handler:  searchHandler(mgr),
		},
		Method{
			Slug:        "read",
			Description: "Read the text content of a webpage",
			Args: []ArgSpec{
				{Name: "site_uri", Type: "str", Description: "URL of the webpage that should be read"},
				{Name: "max_chars", Type: "int", Description: "Maximum characters to return (optional)"},
				{Name: "skip_certs", Type: "bool", Description: "Whether or not we should accept expired TLS certificates"},
			},
			Disabled: f == nil,
			Emoji:    "book",
			Handler:  readHandler(f),
		},
	).WithEmoji("globe_with_meridians")
}

func searchHandler(mgr *search.Manager) Handler {
	if mgr == nil {
		return nil
	}
	return search.ToolHandler(mgr)
}

func readHandler(f *fetch.Fetcher) Handler {
	if f == nil {
		return nil
	}
	return fetch.ToolHandler(f)
}
