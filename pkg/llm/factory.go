package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// FactoryConfig selects and configures one provider.
type FactoryConfig struct {
	Logger   *slog.Logger
	Provider string
	Timeout  time.Duration

	OllamaBaseURL string
	OllamaModel   string

	AnthropicModel string

	GroqAPIKey string
	GroqModel  string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

// New builds the client for cfg.Provider.
func New(cfg FactoryConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		c, err := NewOllamaClient(OllamaConfig{
			Logger:  cfg.Logger,
			BaseURL: cfg.OllamaBaseURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderAnthropic:
		c, err := NewAnthropicClient(AnthropicConfig{
			Logger:  cfg.Logger,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderGroq:
		timeout := cfg.Timeout
		if timeout == 0 || timeout > 30*time.Second {
			timeout = 30 * time.Second
		}
		c, err := NewOpenAIClient(OpenAIConfig{
			Logger:   cfg.Logger,
			Provider: ProviderGroq,
			APIKey:   cfg.GroqAPIKey,
			Model:    cfg.GroqModel,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderOpenAI:
		c, err := NewOpenAIClient(OpenAIConfig{
			Logger:   cfg.Logger,
			Provider: ProviderOpenAI,
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.OpenAIModel,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}
