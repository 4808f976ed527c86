package search

import (
	"context"

	"github.com/nugget/rambo/internal/invoke"
)

// ToolHandler adapts the manager to a tool method taking
// query and an optional count.
func ToolHandler(mgr *Manager) func(ctx context.Context, args invoke.Args) (string, error) {
	return func(ctx context.Context, args invoke.Args) (string, error) {
		query, err := args.String("query")
		if err != nil {
			return "", err
		}
		opts := Options{
			Count:    int(args.IntOr("count", DefaultCount)),
			Language: args.StringOr("language", ""),
		}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}
		return FormatResults(results), nil
	}
}
