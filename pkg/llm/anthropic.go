package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

type AnthropicConfig struct {
	Logger *slog.Logger
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

func (cfg *AnthropicConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return nil
}

// AnthropicClient implements Client using the Anthropic messages API.
type AnthropicClient struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate anthropic config: %w", err)
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(newHTTPClient()),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	c.log.Debug("anthropic: call starting", "model", c.cfg.Model, "max_tokens", c.cfg.MaxTokens, "user_prompt_len", len(userPrompt))

	out, err := c.complete(ctx, systemPrompt, userPrompt)
	err = classify(ProviderAnthropic, c.cfg.BaseURL, c.cfg.Timeout, err)
	observe(ProviderAnthropic, start, err)
	if err != nil {
		c.log.Warn("anthropic: call failed", "duration", time.Since(start), "error", err)
		return "", err
	}
	c.log.Debug("anthropic: call completed", "duration", time.Since(start))
	return out, nil
}

func (c *AnthropicClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &UnavailableError{
				Provider: ProviderAnthropic,
				Kind:     KindBadStatus,
				Endpoint: c.cfg.BaseURL,
				Status:   apiErr.StatusCode,
				Body:     apiErr.Error(),
				Err:      err,
			}
		}
		return "", err
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", &UnavailableError{
		Provider: ProviderAnthropic,
		Kind:     KindMalformed,
		Err:      errors.New("no text content in response"),
	}
}
