package messaging

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/llm"
)

// Tunables command keywords. They must open the message.
const (
	CommandShow = "TUNABLES"
	CommandTune = "TUNE"
)

// Tunables holds one adapter's live sampling parameters and the users
// allowed to change them.
type Tunables struct {
	mu         sync.RWMutex
	sampling   llm.Sampling
	privileged []string
}

// NewTunables starts from s. privileged lists sender IDs that may use
// the tunables commands.
func NewTunables(s llm.Sampling, privileged []string) *Tunables {
	return &Tunables{sampling: s, privileged: slices.Clone(privileged)}
}

// Sampling returns a snapshot of the current tunables.
func (t *Tunables) Sampling() llm.Sampling {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.sampling
	s.Stop = slices.Clone(s.Stop)
	return s
}

// Privileged reports whether sender may use the tunables commands.
func (t *Tunables) Privileged(sender string) bool {
	return sender != "" && slices.Contains(t.privileged, sender)
}

// CommandResult is the outcome of [Tunables.Handle].
type CommandResult struct {
	// Handled is false when content is not a tunables command and
	// should go to the agent loop.
	Handled bool

	// Denied is set when an unprivileged sender tried a command.
	Denied bool

	Reply string
}

// Handle interprets content as a tunables command from sender.
func (t *Tunables) Handle(sender, content string) CommandResult {
	cmd, rest := splitCommand(content)
	if cmd != CommandShow && cmd != CommandTune {
		return CommandResult{}
	}
	if !t.Privileged(sender) {
		return CommandResult{Handled: true, Denied: true, Reply: "You do not have access to tunables."}
	}

	if cmd == CommandShow {
		return CommandResult{Handled: true, Reply: t.Sampling().String()}
	}

	args := invoke.ParseArgs(rest)
	if len(args) == 0 {
		return CommandResult{Handled: true, Reply: "Usage: TUNE name=value, ...\nTunables: " + strings.Join(llm.TunableNames, ", ")}
	}

	t.mu.Lock()
	err := t.sampling.Apply(args)
	t.mu.Unlock()
	if err != nil {
		return CommandResult{Handled: true, Reply: fmt.Sprintf("Tunables unchanged: %v", err)}
	}
	return CommandResult{Handled: true, Reply: "Tunables updated.\n" + t.Sampling().String()}
}

// splitCommand returns the leading keyword of content and the rest.
// Only the exact upper-case keywords count.
func splitCommand(content string) (string, string) {
	content = strings.TrimSpace(content)
	head, rest, _ := strings.Cut(content, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		head, rest = head[:i], head[i+1:]+" "+rest
	}
	return head, strings.TrimSpace(rest)
}
