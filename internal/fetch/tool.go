package fetch

import (
	"context"

	"github.com/nugget/rambo/internal/invoke"
)

// ToolHandler adapts the fetcher to a tool method taking site_uri and
// optional max_chars and skip_certs arguments.
func ToolHandler(f *Fetcher) func(ctx context.Context, args invoke.Args) (string, error) {
	return func(ctx context.Context, args invoke.Args) (string, error) {
		site, err := args.String("site_uri")
		if err != nil {
			return "", err
		}
		skip, _ := args.Bool("skip_certs")

		res, err := f.Fetch(ctx, site, Options{
			MaxChars:  int(args.IntOr("max_chars", DefaultMaxChars)),
			SkipCerts: skip,
		})
		if err != nil {
			return "", err
		}
		return res.Markdown(), nil
	}
}
