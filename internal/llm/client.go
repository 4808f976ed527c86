// Package llm is the generation boundary: it turns a conversation turn
// into one complete model response.
//
// Providers implement [Generator]. Completion-style backends (Ollama)
// render the turn through a named prompt template; chat-style backends
// (Anthropic, OpenAI-compatible) map the same request onto their
// message APIs. Responses are never streamed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Generator produces one complete response for a request.
type Generator interface {
	Generate(ctx context.Context, req *Request) (string, error)
}

// Pinger is implemented by generators that can check reachability
// before serving.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req *Request) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// Provider names accepted by [New].
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config selects and configures one generation backend.
type Config struct {
	Provider string `yaml:"provider" toml:"provider"`
	Model    string `yaml:"model" toml:"model"`
	URL      string `yaml:"url" toml:"url"`
	APIKey   string `yaml:"api_key" toml:"api_key"`

	// TimeoutSec bounds one generation call at the HTTP layer. The agent
	// loop applies its own per-call deadline on top.
	TimeoutSec int `yaml:"timeout_sec" toml:"timeout_sec"`

	// Fallback backends are tried in order when this one fails.
	Fallback []Config `yaml:"fallback" toml:"fallback"`
}

// Timeout returns the configured HTTP timeout, or zero for none.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Provider) {
	case ProviderOllama, "":
	case ProviderAnthropic:
		if c.APIKey == "" {
			errs = append(errs, errors.New("anthropic provider requires api_key"))
		}
	case ProviderOpenAI:
		if c.APIKey == "" && c.URL == "" {
			errs = append(errs, errors.New("openai provider requires api_key or url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	for i, fb := range c.Fallback {
		if err := fb.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("fallback[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// New builds the generator described by cfg. An empty provider means
// Ollama.
func New(cfg Config, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var g Generator
	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama, "":
		g = NewOllama(cfg, logger)
	case ProviderAnthropic:
		g = NewAnthropic(cfg, logger)
	case ProviderOpenAI:
		g = NewOpenAI(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}

	if len(cfg.Fallback) == 0 {
		return g, nil
	}

	chain := []Generator{g}
	for i, fb := range cfg.Fallback {
		fb.Fallback = nil
		next, err := New(fb, logger)
		if err != nil {
			return nil, fmt.Errorf("fallback[%d]: %w", i, err)
		}
		chain = append(chain, next)
	}
	return NewMulti(logger, chain...), nil
}
