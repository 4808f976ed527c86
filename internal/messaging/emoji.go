package messaging

import (
	"github.com/yuin/goldmark-emoji/definition"
)

var gemoji = definition.Github()

// Unicode resolves a reaction shortcode such as "mag" to its emoji.
func Unicode(shortcode string) (string, bool) {
	e, ok := gemoji.Get(shortcode)
	if !ok || len(e.Unicode) == 0 {
		return "", false
	}
	return string(e.Unicode), true
}

// ToolReaction picks the single emoji for transports that keep one
// reaction per message: the last shortcode that resolves, otherwise
// ReactionTool.
func ToolReaction(names []string) string {
	for i := len(names) - 1; i >= 0; i-- {
		if u, ok := Unicode(names[i]); ok {
			return u
		}
	}
	return ReactionTool
}
