package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/rambo/internal/llm"
)

// DefaultGateTimeout bounds one responsiveness classification.
const DefaultGateTimeout = 30 * time.Second

// gateInstruction asks the model for a one-word verdict.
const gateInstruction = `Given the message in Input sent by a user, determine whether the assistant "%s" should read it and indicate this with either a Yes or No.  The Assistant should read the message if it is addressed to.  If they mention they don't want their message read by the assistant, it shouldn't read it`

// Gate decides whether the assistant should answer a message that was
// not addressed to it directly. Any doubt suppresses the reply.
type Gate struct {
	Generator llm.Generator
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewGate returns a gate classifying with g.
func NewGate(g llm.Generator, logger *slog.Logger) *Gate {
	return &Gate{Generator: g, Timeout: DefaultGateTimeout, Logger: logger}
}

// ShouldRespond asks the generator whether assistant should answer
// content. Only a reply starting with Y counts as yes; errors, empty
// output and timeouts count as no.
func (g *Gate) ShouldRespond(ctx context.Context, content, assistant string) bool {
	log := g.Logger
	if log == nil {
		log = slog.Default()
	}
	if g.Generator == nil {
		return false
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := safeGenerate(ctx, g.Generator, &llm.Request{
		Content:     content,
		Assistant:   assistant,
		Instruction: fmt.Sprintf(gateInstruction, assistant),
		Template:    llm.TemplateAlpacaInput,
		Sampling:    llm.GreedySampling(),
	})
	if err != nil {
		log.Warn("responsiveness check failed, suppressing", "error", err)
		return false
	}

	out = strings.TrimLeftFunc(out, unicode.IsSpace)
	r, _ := utf8.DecodeRuneInString(out)
	yes := unicode.ToUpper(r) == 'Y'
	log.Debug("responsiveness check", "verdict", out, "respond", yes)
	return yes
}

// safeGenerate calls g, converting a panic into an error.
func safeGenerate(ctx context.Context, g llm.Generator, req *llm.Request) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return g.Generate(ctx, req)
}
