// Package messaging holds the plumbing shared by chat adapters: the
// agent runner boundary, privileged tunables commands, per-sender
// rate limiting, markdown rendering and worker supervision.
package messaging

import (
	"context"
	"errors"

	"github.com/nugget/rambo/internal/agent"
)

// Runner abstracts the agent loop for adapter tests. The real
// implementation is *agent.Loop.
type Runner interface {
	Run(ctx context.Context, msg *agent.Message, cb agent.Callbacks, opts ...agent.RunOption) *agent.Turn
}

// ErrCutoff is returned by an adapter's Run after the emergency cutoff
// phrase was received. Supervisors must not restart the worker.
var ErrCutoff = errors.New("emergency cutoff activated")

// Reactions used by adapters that support them.
const (
	ReactionTool    = "🧰"
	ReactionFailure = "❌"
	ReactionDenied  = "🚫"
)
