// Package agent implements the per-turn orchestration engine.
//
// A turn runs the emergency cutoff check, the responsiveness gate for
// non-direct messages, then alternates generation and tool execution
// until the model answers without a tool invocation. Every failure is
// contained in the turn and reported through [Callbacks]; nothing
// escapes [Loop.Run].
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/llm"
	"github.com/nugget/rambo/internal/memory"
	"github.com/nugget/rambo/internal/tools"
)

// Loop defaults.
const (
	DefaultMaxToolCalls    = 8
	DefaultGenerateTimeout = 5 * time.Minute
)

// Outcome is how a turn ended.
type Outcome string

// Turn outcomes.
const (
	OutcomeFinished   Outcome = "finished"
	OutcomeCutoff     Outcome = "cutoff"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Turn reports one run of the loop. Reply is set only when Outcome is
// OutcomeFinished; Err only when it is OutcomeFailed.
type Turn struct {
	ID           string
	Assistant    string
	Source       string
	Conversation memory.Key
	Reply        string
	Outcome      Outcome
	Err          error
	ToolCalls    int
	Generations  int
	Started      time.Time
	Duration     time.Duration
}

// TurnRecorder persists turn metadata.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, t *Turn) error
}

// Loop drives turns for one assistant on one adapter. Configure it
// through the exported fields before the first Run; it is safe for
// concurrent Runs on distinct conversations, and Runs on the same
// conversation are serialized.
type Loop struct {
	Name      string
	Generator llm.Generator
	Registry  *tools.Registry
	Store     *memory.Store

	Instruction string
	Template    string
	Sampling    llm.Sampling

	MaxToolCalls    int
	GenerateTimeout time.Duration

	Cutoff   *Cutoff
	Gate     *Gate
	Recorder TurnRecorder
	Logger   *slog.Logger

	once sync.Once
}

// NewLoop creates a loop with default limits, an empty registry and
// store, and a gate that classifies with g.
func NewLoop(name string, g llm.Generator, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		Name:            name,
		Generator:       g,
		Registry:        tools.NewRegistry(),
		Store:           memory.NewStore(),
		Template:        llm.DefaultTemplate,
		Sampling:        llm.DefaultSampling(),
		MaxToolCalls:    DefaultMaxToolCalls,
		GenerateTimeout: DefaultGenerateTimeout,
		Gate:            NewGate(g, logger),
		Logger:          logger,
	}
}

// RunOption adjusts a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	sampling llm.Sampling
}

// WithSampling overrides the loop's sampling tunables for one turn.
func WithSampling(s llm.Sampling) RunOption {
	return func(o *runOptions) { o.sampling = s }
}

// Run processes msg and reports how the turn ended. It never panics
// and never returns nil.
func (l *Loop) Run(ctx context.Context, msg *Message, cb Callbacks, opts ...RunOption) *Turn {
	l.setup()
	ro := runOptions{sampling: l.Sampling}
	for _, opt := range opts {
		opt(&ro)
	}

	turn := &Turn{
		ID:        newTurnID(),
		Assistant: l.Name,
		Source:    msg.Source,
		Started:   time.Now(),
	}
	log := l.logger().With("turn_id", turn.ID, "assistant", l.Name, "source", msg.Source)

	defer func() {
		turn.Duration = time.Since(turn.Started)
		log.Info("turn complete",
			"conversation", turn.Conversation,
			"outcome", turn.Outcome,
			"tool_calls", turn.ToolCalls,
			"generations", turn.Generations,
			"elapsed", turn.Duration.Round(time.Millisecond).String(),
		)
		l.record(ctx, log, turn)
	}()

	if l.Cutoff.Matches(msg.Content) {
		log.Warn("cutoff phrase received", "sender", msg.Sender.Name)
		turn.Outcome = OutcomeCutoff
		cb.cutoff(log, msg)
		return turn
	}

	self := msg.AssistantName(l.Name)
	if !msg.Direct() && !l.Gate.ShouldRespond(ctx, msg.Content, self) {
		turn.Outcome = OutcomeSuppressed
		return turn
	}

	turn.Conversation = msg.ConversationKey()
	conv, release := l.Store.Acquire(turn.Conversation)
	defer release()
	log = log.With("conversation", turn.Conversation)

	cb.start(log, msg)

	input := memory.Entry{Role: msg.Sender.Name, Content: msg.Content, Timestamp: msg.received()}
	for {
		reply, err := l.generate(ctx, conv, self, input, ro.sampling)
		turn.Generations++
		if err != nil {
			return l.fail(log, turn, cb, msg, &TurnError{Kind: KindGeneration, Err: err})
		}
		conv.AddPair(input, memory.Entry{Role: self, Content: reply, Timestamp: time.Now()})

		inv := invoke.Parse(reply)
		if inv == nil {
			turn.Outcome = OutcomeFinished
			turn.Reply = reply
			cb.finish(log, msg)
			return turn
		}

		if turn.ToolCalls >= l.maxToolCalls() {
			return l.fail(log, turn, cb, msg, &TurnError{
				Kind:       KindIterationBound,
				Invocation: inv,
				Err:        fmt.Errorf("tool call limit of %d reached", l.maxToolCalls()),
			})
		}
		turn.ToolCalls++

		log.Info("tool invoked", "tool", inv.Slug(), "args", len(inv.Args))
		cb.tool(log, msg, inv)

		out, err := l.execute(ctx, inv)
		if err != nil {
			kind := KindToolExecution
			var uc *tools.ErrUnknownCapability
			if errors.As(err, &uc) {
				kind = KindUnknownCapability
			}
			return l.fail(log, turn, cb, msg, &TurnError{Kind: kind, Invocation: inv, Err: err})
		}
		log.Log(ctx, llm.LevelTrace, "tool result", "tool", inv.Slug(), "result", out)

		input = memory.Entry{Role: inv.Slug(), Content: out, Timestamp: time.Now()}
	}
}

// generate runs one bounded generation over the conversation so far
// plus input. Nothing is written to memory here.
func (l *Loop) generate(ctx context.Context, conv *memory.Conversation, self string, input memory.Entry, s llm.Sampling) (string, error) {
	if l.Generator == nil {
		return "", errors.New("no generator configured")
	}
	timeout := l.GenerateTimeout
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return safeGenerate(ctx, l.Generator, &llm.Request{
		Content:     input.Content,
		Sender:      input.Role,
		Assistant:   self,
		Instruction: l.Instruction,
		Template:    l.Template,
		History:     conv.Entries(),
		Sampling:    s,
		Now:         input.Timestamp,
	})
}

// execute resolves and calls the invoked tool method.
func (l *Loop) execute(ctx context.Context, inv *invoke.Invocation) (out string, err error) {
	if l.Registry == nil {
		return "", &tools.ErrUnknownCapability{Tool: inv.Tool, Func: inv.Func}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return l.Registry.Execute(ctx, inv)
}

func (l *Loop) fail(log *slog.Logger, turn *Turn, cb Callbacks, msg *Message, err *TurnError) *Turn {
	log.Warn("turn failed", "kind", err.Kind, "error", err.Err)
	turn.Outcome = OutcomeFailed
	turn.Err = err
	cb.failure(log, msg, err)
	return turn
}

func (l *Loop) record(ctx context.Context, log *slog.Logger, turn *Turn) {
	if l.Recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn recorder panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := l.Recorder.RecordTurn(context.WithoutCancel(ctx), turn); err != nil {
		log.Warn("failed to record turn", "error", err)
	}
}

// setup fills unset collaborators once, before the first turn.
func (l *Loop) setup() {
	l.once.Do(func() {
		if l.Gate == nil {
			l.Gate = NewGate(l.Generator, l.logger())
		}
		if l.Store == nil {
			l.Store = memory.NewStore()
		}
	})
}

func (l *Loop) maxToolCalls() int {
	if l.MaxToolCalls <= 0 {
		return DefaultMaxToolCalls
	}
	return l.MaxToolCalls
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// newTurnID returns a time-ordered identifier for log correlation.
func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
