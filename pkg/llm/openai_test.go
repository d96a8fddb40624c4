package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxi_LLM_OpenAI_Config(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     OpenAIConfig
		wantErr bool
		errMsg  string
	}{
		{name: "missing logger", cfg: OpenAIConfig{}, wantErr: true, errMsg: "logger is required"},
		{name: "missing key", cfg: OpenAIConfig{Logger: testLogger(), Provider: ProviderGroq}, wantErr: true, errMsg: "api key is required"},
		{name: "openai needs model", cfg: OpenAIConfig{Logger: testLogger(), APIKey: "k"}, wantErr: true, errMsg: "model is required"},
		{name: "groq defaults", cfg: OpenAIConfig{Logger: testLogger(), APIKey: "k", Provider: ProviderGroq}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewOpenAIClient(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			require.Equal(t, GroqBaseURL, c.cfg.BaseURL)
			require.Equal(t, defaultGroqModel, c.cfg.Model)
			require.InDelta(t, 0.1, c.cfg.Temperature, 1e-6)
			require.Equal(t, 2048, c.cfg.MaxTokens)
		})
	}
}

func TestTaxi_LLM_OpenAI_Complete(t *testing.T) {
	t.Parallel()

	t.Run("returns first choice", func(t *testing.T) {
		t.Parallel()
		reqs := make(chan openai.ChatCompletionRequest, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			var req openai.ChatCompletionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			reqs <- req
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"1","object":"chat.completion","model":"llama-3.1-8b-instant","choices":[{"index":0,"message":{"role":"assistant","content":"SELECT 1"},"finish_reason":"stop"}]}`)
		}))
		defer srv.Close()

		c, err := NewOpenAIClient(OpenAIConfig{Logger: testLogger(), Provider: ProviderGroq, APIKey: "test-key", BaseURL: srv.URL + "/v1"})
		require.NoError(t, err)

		out, err := c.Complete(context.Background(), "sys", "user")
		require.NoError(t, err)
		require.Equal(t, "SELECT 1", out)

		req := <-reqs
		require.Equal(t, defaultGroqModel, req.Model)
		require.Len(t, req.Messages, 2)
		require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
		require.Equal(t, "user", req.Messages[1].Content)
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"tokens"}}`)
		}))
		defer srv.Close()

		c, err := NewOpenAIClient(OpenAIConfig{Logger: testLogger(), Provider: ProviderGroq, APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), "", "q")
		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		require.Equal(t, KindBadStatus, ue.Kind)
		require.Equal(t, http.StatusTooManyRequests, ue.Status)
		require.Contains(t, ue.Body, "rate limit exceeded")
	})

	t.Run("no choices", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"1","choices":[]}`)
		}))
		defer srv.Close()

		c, err := NewOpenAIClient(OpenAIConfig{Logger: testLogger(), APIKey: "k", Model: "gpt-4o-mini", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), "", "q")
		require.True(t, IsKind(err, KindMalformed))
	})
}

func TestTaxi_LLM_Anthropic_Complete(t *testing.T) {
	t.Parallel()

	t.Run("returns first text block", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[{"type":"text","text":"SELECT 2"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
		}))
		defer srv.Close()

		c, err := NewAnthropicClient(AnthropicConfig{Logger: testLogger(), APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
		require.NoError(t, err)

		out, err := c.Complete(context.Background(), "sys", "user")
		require.NoError(t, err)
		require.Equal(t, "SELECT 2", out)
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`)
		}))
		defer srv.Close()

		c, err := NewAnthropicClient(AnthropicConfig{Logger: testLogger(), APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), "", "q")
		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		require.Equal(t, KindBadStatus, ue.Kind)
		require.Equal(t, http.StatusBadRequest, ue.Status)
	})
}

func TestTaxi_LLM_Factory(t *testing.T) {
	t.Parallel()

	c, err := New(FactoryConfig{Logger: testLogger()})
	require.NoError(t, err)
	require.IsType(t, &OllamaClient{}, c)

	c, err = New(FactoryConfig{Logger: testLogger(), Provider: ProviderGroq, GroqAPIKey: "k", Timeout: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, c.(*OpenAIClient).cfg.Timeout)

	_, err = New(FactoryConfig{Logger: testLogger(), Provider: ProviderGroq})
	require.Error(t, err)

	_, err = New(FactoryConfig{Logger: testLogger(), Provider: "bard"})
	require.EqualError(t, err, `unsupported llm provider: "bard"`)
}

func TestTaxi_LLM_UnavailableError(t *testing.T) {
	t.Parallel()

	err := classify(ProviderOllama, "http://x", time.Second, context.DeadlineExceeded)
	require.True(t, IsKind(err, KindTimeout))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = classify(ProviderOllama, "http://x", time.Second, context.Canceled)
	require.Equal(t, context.Canceled, err)

	require.Nil(t, classify(ProviderOllama, "", 0, nil))
	require.False(t, IsKind(nil, KindTimeout))
}
