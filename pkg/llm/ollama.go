package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "llama3:latest"
	defaultTimeout       = 180 * time.Second
)

type OllamaConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

func (cfg *OllamaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient()
	}
	return nil
}

// OllamaClient calls a local Ollama server's chat endpoint.
type OllamaClient struct {
	log *slog.Logger
	cfg OllamaConfig
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ollama config: %w", err)
	}
	return &OllamaClient{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (c *OllamaClient) BaseURL() string { return c.cfg.BaseURL }
func (c *OllamaClient) Model() string   { return c.cfg.Model }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.complete(ctx, systemPrompt, userPrompt)
	err = classify(ProviderOllama, c.cfg.BaseURL, c.cfg.Timeout, err)
	observe(ProviderOllama, start, err)
	if err != nil {
		c.log.Warn("ollama: chat failed", "model", c.cfg.Model, "duration", time.Since(start), "error", err)
		return "", err
	}
	c.log.Debug("ollama: chat completed", "model", c.cfg.Model, "duration", time.Since(start), "chars", len(out))
	return out, nil
}

func (c *OllamaClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs := make([]ollamaMessage, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: userPrompt})

	options := map[string]any{}
	if c.cfg.MaxTokens > 0 {
		options["num_predict"] = c.cfg.MaxTokens
	}
	if c.cfg.Temperature != nil {
		options["temperature"] = *c.cfg.Temperature
	}

	b, err := json.Marshal(ollamaChatRequest{
		Model:    c.cfg.Model,
		Messages: msgs,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", fmt.Errorf("json marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", &UnavailableError{
			Provider: ProviderOllama,
			Kind:     KindBadStatus,
			Endpoint: c.cfg.BaseURL,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(body)),
		}
	}

	// Even with stream=false the server may answer with several
	// newline-delimited chunks.
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var content strings.Builder
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", &UnavailableError{
				Provider: ProviderOllama,
				Kind:     KindMalformed,
				Endpoint: c.cfg.BaseURL,
				Err:      fmt.Errorf("stream decode: %w (line=%q)", err, string(line)),
			}
		}
		if chunk.Error != "" {
			return "", &UnavailableError{
				Provider: ProviderOllama,
				Kind:     KindBadStatus,
				Endpoint: c.cfg.BaseURL,
				Status:   resp.StatusCode,
				Body:     chunk.Error,
			}
		}
		content.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}
	return content.String(), nil
}

// ModelStatus describes what the Ollama server reports about its models.
type ModelStatus struct {
	URL             string   `json:"url"`
	Model           string   `json:"model"`
	Reachable       bool     `json:"reachable"`
	ModelsAvailable []string `json:"models_available"`
	ModelFound      bool     `json:"model_found"`
	Error           *string  `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Status lists the server's models and checks the configured one is among
// them. Failures are reported in the result, not as an error.
func (c *OllamaClient) Status(ctx context.Context, timeout time.Duration) ModelStatus {
	st := ModelStatus{URL: c.cfg.BaseURL, Model: c.cfg.Model, ModelsAvailable: []string{}}
	fail := func(msg string) ModelStatus {
		st.Error = &msg
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fail(err.Error())
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		err = classify(ProviderOllama, c.cfg.BaseURL, timeout, err)
		switch {
		case IsKind(err, KindTimeout):
			return fail(fmt.Sprintf("Timeout connecting to %s", c.cfg.BaseURL))
		case IsKind(err, KindUnreachable):
			return fail(fmt.Sprintf("Cannot connect to %s. Is Ollama running? Try: `ollama serve`", c.cfg.BaseURL))
		}
		return fail(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fail(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	st.Reachable = true

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fail(fmt.Sprintf("failed to decode model list: %v", err))
	}
	for _, m := range tags.Models {
		st.ModelsAvailable = append(st.ModelsAvailable, m.Name)
		if strings.Contains(m.Name, c.cfg.Model) {
			st.ModelFound = true
		}
	}
	return st
}

// Summary renders st as a one-line health description.
func (st ModelStatus) Summary() string {
	switch {
	case st.Error != nil:
		return fmt.Sprintf("error: %s", *st.Error)
	case st.ModelFound:
		return fmt.Sprintf("healthy (model '%s' available)", st.Model)
	}
	shown := st.ModelsAvailable
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return fmt.Sprintf("connected but model '%s' not found. Available: %s", st.Model, strings.Join(shown, ", "))
}
