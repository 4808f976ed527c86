package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/rambo/internal/httpkit"
)

// Anthropic generates responses through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropic creates an Anthropic generator. A non-empty cfg.URL
// overrides the API base URL.
func NewAnthropic(cfg Config, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout()))),
	}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(cfg.URL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("provider", ProviderAnthropic, "model", cfg.Model),
	}
}

// anthropicParams builds the Messages API request for req.
func (a *Anthropic) anthropicParams(req *Request) anthropic.MessageNewParams {
	turns := ChatTurns(req)
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.Assistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		}
	}

	s := req.Sampling
	maxTokens := int64(s.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(DefaultSampling().MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(min(max(s.Temperature, 0), 1)),
	}
	if req.Instruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instruction}}
	}
	if s.TopK > 0 {
		params.TopK = anthropic.Int(int64(s.TopK))
	}
	if len(s.Stop) > 0 {
		params.StopSequences = s.Stop
	}
	return params
}

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, req *Request) (string, error) {
	params := a.anthropicParams(req)
	a.logger.Log(ctx, LevelTrace, "request", "messages", len(params.Messages), "system_len", len(req.Instruction))

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic: response contained no text")
	}

	a.logger.Debug("response received",
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"stop_reason", msg.StopReason,
	)
	a.logger.Log(ctx, LevelTrace, "response content", "content", sb.String())
	return strings.TrimSpace(sb.String()), nil
}
