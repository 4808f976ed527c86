package memory

import (
	"sort"
	"strings"
)

// Key identifies one logical conversation. Keys are stable for the
// same (source, server, channel, participants) across calls.
type Key string

// DeriveKey builds a conversation key. Participant order and
// duplicates do not affect the result. Empty participant IDs are
// ignored.
//
// Components are escaped so that a separator inside a channel name
// cannot make two different conversations collide.
func DeriveKey(source, server, channel string, participants []string) Key {
	ids := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		ids = append(ids, escape(p))
	}
	sort.Strings(ids)

	return Key(strings.Join([]string{
		escape(source),
		escape(server),
		escape(channel),
		strings.Join(ids, ","),
	}, "/"))
}

var keyEscaper = strings.NewReplacer(`%`, `%25`, `/`, `%2F`, `,`, `%2C`)

func escape(s string) string {
	return keyEscaper.Replace(s)
}
