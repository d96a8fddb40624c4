package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	GroqBaseURL      = "https://api.groq.com/openai/v1"
	defaultGroqModel = "llama-3.1-8b-instant"
)

// OpenAIConfig configures any OpenAI-compatible chat completions endpoint,
// Groq included.
type OpenAIConfig struct {
	Logger *slog.Logger
	// Provider labels logs, metrics and errors.
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

func (cfg *OpenAIConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if cfg.Model == "" {
		if cfg.Provider != ProviderGroq {
			return errors.New("model is required")
		}
		cfg.Model = defaultGroqModel
	}
	if cfg.BaseURL == "" && cfg.Provider == ProviderGroq {
		cfg.BaseURL = GroqBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return nil
}

type OpenAIClient struct {
	log    *slog.Logger
	cfg    OpenAIConfig
	client *openai.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate %s config: %w", cfg.Provider, err)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = newHTTPClient()

	cfg.Logger.Info("llm: initializing openai-compatible client", "provider", cfg.Provider, "model", cfg.Model)
	return &OpenAIClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.complete(ctx, systemPrompt, userPrompt)
	err = classify(c.cfg.Provider, c.cfg.BaseURL, c.cfg.Timeout, err)
	observe(c.cfg.Provider, start, err)
	if err != nil {
		c.log.Warn("llm: chat completion failed", "provider", c.cfg.Provider, "duration", time.Since(start), "error", err)
		return "", err
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var msgs []openai.ChatCompletionMessage
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			body := apiErr.Message
			if apiErr.HTTPStatusCode == 429 {
				body = "rate limit exceeded: " + body
			}
			return "", &UnavailableError{
				Provider: c.cfg.Provider,
				Kind:     KindBadStatus,
				Endpoint: c.cfg.BaseURL,
				Status:   apiErr.HTTPStatusCode,
				Body:     body,
				Err:      err,
			}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			return "", &UnavailableError{
				Provider: c.cfg.Provider,
				Kind:     KindBadStatus,
				Endpoint: c.cfg.BaseURL,
				Status:   reqErr.HTTPStatusCode,
				Body:     reqErr.Error(),
				Err:      err,
			}
		}
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", &UnavailableError{
			Provider: c.cfg.Provider,
			Kind:     KindMalformed,
			Err:      errors.New("no choices in response"),
		}
	}
	return resp.Choices[0].Message.Content, nil
}
