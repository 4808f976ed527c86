package agent

import (
	"strings"
	"unicode"
)

// Cutoff detects the operator's emergency phrase in inbound content.
// Matching ignores whitespace and case. A nil or empty Cutoff never
// matches.
type Cutoff struct {
	phrase string
}

// NewCutoff normalizes phrase once for repeated matching.
func NewCutoff(phrase string) *Cutoff {
	return &Cutoff{phrase: normalize(phrase)}
}

// Matches reports whether content contains the cutoff phrase.
func (c *Cutoff) Matches(content string) bool {
	if c == nil || c.phrase == "" {
		return false
	}
	return strings.Contains(normalize(content), c.phrase)
}

func normalize(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}
