package agent

import (
	"fmt"
	"log/slog"

	"github.com/nugget/rambo/internal/invoke"
)

// Callbacks notify an adapter of turn lifecycle events. Every field is
// optional. A panicking callback is recovered and logged; it never
// breaks the turn.
type Callbacks struct {
	Start   func(msg *Message)
	Tool    func(msg *Message, inv *invoke.Invocation)
	Finish  func(msg *Message)
	Cutoff  func(msg *Message)
	Failure func(msg *Message, err error)
}

// guard runs fn, converting a panic into a log line.
func guard(log *slog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c Callbacks) start(log *slog.Logger, msg *Message) {
	if c.Start != nil {
		guard(log, "start", func() { c.Start(msg) })
	}
}

func (c Callbacks) tool(log *slog.Logger, msg *Message, inv *invoke.Invocation) {
	if c.Tool != nil {
		guard(log, "tool", func() { c.Tool(msg, inv) })
	}
}

func (c Callbacks) finish(log *slog.Logger, msg *Message) {
	if c.Finish != nil {
		guard(log, "finish", func() { c.Finish(msg) })
	}
}

func (c Callbacks) cutoff(log *slog.Logger, msg *Message) {
	if c.Cutoff != nil {
		guard(log, "cutoff", func() { c.Cutoff(msg) })
	}
}

func (c Callbacks) failure(log *slog.Logger, msg *Message, err error) {
	if c.Failure != nil {
		guard(log, "failure", func() { c.Failure(msg, err) })
	}
}
