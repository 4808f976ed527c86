package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/rambo/internal/httpkit"
)

// OpenAI generates responses through an OpenAI-compatible Chat
// Completions API. Setting cfg.URL targets self-hosted servers such as
// vLLM or llama.cpp.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout()))),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(cfg.URL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("provider", ProviderOpenAI, "model", cfg.Model),
	}
}

func (o *OpenAI) openaiParams(req *Request) openai.ChatCompletionNewParams {
	turns := ChatTurns(req)
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if req.Instruction != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instruction))
	}
	for _, t := range turns {
		if t.Assistant {
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Text))
		}
	}

	s := req.Sampling
	params := openai.ChatCompletionNewParams{
		Model:            o.model,
		Messages:         msgs,
		Temperature:      openai.Float(s.Temperature),
		TopP:             openai.Float(s.TopP),
		FrequencyPenalty: openai.Float(clampPenalty(s.FrequencyPenalty)),
		PresencePenalty:  openai.Float(clampPenalty(s.PresencePenalty)),
		Seed:             openai.Int(int64(s.Seed)),
	}
	if s.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.MaxTokens))
	}
	return params
}

// clampPenalty keeps a penalty inside the API's accepted [-2, 2].
func clampPenalty(v float64) float64 {
	return min(max(v, -2), 2)
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, req *Request) (string, error) {
	params := o.openaiParams(req)
	o.logger.Log(ctx, LevelTrace, "request", "messages", len(params.Messages))

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices returned")
	}

	out := resp.Choices[0].Message.Content
	o.logger.Debug("response received",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	o.logger.Log(ctx, LevelTrace, "response content", "content", out)
	return strings.TrimSpace(out), nil
}
