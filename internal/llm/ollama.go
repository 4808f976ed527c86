package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/httpkit"
)

// DefaultOllamaURL is used when no URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama generates completions through Ollama's raw /api/generate
// endpoint. The prompt is fully rendered client-side, so the model's
// own chat template is bypassed.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllama creates an Ollama generator.
func NewOllama(cfg Config, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	return &Ollama{
		baseURL: base,
		model:   cfg.Model,
		client:  httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout()), httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger)),
		logger:  logger.With("provider", ProviderOllama, "model", cfg.Model),
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Raw     bool           `json:"raw"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ollamaOptions maps sampling tunables onto Ollama's option names.
// Negative top_k means "backend default" and is omitted.
func ollamaOptions(s Sampling) map[string]any {
	opts := map[string]any{
		"temperature":       s.Temperature,
		"frequency_penalty": s.FrequencyPenalty,
		"presence_penalty":  s.PresencePenalty,
		"top_p":             s.TopP,
		"seed":              s.Seed,
		"mirostat":          s.Mirostat,
		"mirostat_eta":      s.MirostatEta,
		"mirostat_tau":      s.MirostatTau,
	}
	if s.TopK > 0 {
		opts["top_k"] = s.TopK
	}
	if s.MaxTokens > 0 {
		opts["num_predict"] = s.MaxTokens
	}
	if len(s.Stop) > 0 {
		opts["stop"] = s.Stop
	}
	return opts
}

// Generate implements Generator.
func (o *Ollama) Generate(ctx context.Context, req *Request) (string, error) {
	prompt, err := RenderPrompt(req)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Raw:     true,
		Stream:  false,
		Options: ollamaOptions(req.Sampling),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	o.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}

	o.logger.Debug("response received",
		"prompt_tokens", out.PromptEvalCount,
		"output_tokens", out.EvalCount,
		"done_reason", out.DoneReason,
	)
	o.logger.Log(ctx, LevelTrace, "response content", "content", out.Response)

	return strings.TrimSpace(out.Response), nil
}

// Ping checks that Ollama is reachable.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}
