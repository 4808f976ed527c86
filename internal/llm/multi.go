package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Multi tries a chain of generators in order and returns the first
// success. Cancellation of ctx stops the chain immediately.
type Multi struct {
	chain  []Generator
	logger *slog.Logger
}

// NewMulti creates a fallback chain.
func NewMulti(logger *slog.Logger, chain ...Generator) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{chain: chain, logger: logger}
}

// Generate implements Generator.
func (m *Multi) Generate(ctx context.Context, req *Request) (string, error) {
	if len(m.chain) == 0 {
		return "", errors.New("no generator configured")
	}

	var errs []error
	for i, g := range m.chain {
		out, err := g.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				m.logger.Info("generation served by fallback", "index", i)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.logger.Warn("generator failed, trying next", "index", i, "error", err)
		errs = append(errs, fmt.Errorf("generator %d: %w", i, err))
	}
	return "", errors.Join(errs...)
}

// Ping succeeds when any pingable generator in the chain is reachable.
// Generators that cannot be pinged count as reachable.
func (m *Multi) Ping(ctx context.Context) error {
	var errs []error
	for _, g := range m.chain {
		p, ok := g.(Pinger)
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
