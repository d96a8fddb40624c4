package chartspec

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/stretchr/testify/require"
)

type mockLLMResponse struct {
	text string
	err  error
}

type mockLLMClient struct {
	mu        sync.Mutex
	responses []mockLLMResponse
	callIndex int
	prompts   []string
}

func (m *mockLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, userPrompt)
	if m.callIndex >= len(m.responses) {
		return "", errors.New("no more responses")
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp.text, resp.err
}

func testGenerator(t *testing.T, client llm.Client) *Generator {
	t.Helper()
	g, err := New(Config{
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
		LLM:     client,
		Catalog: catalog.Default(),
	})
	require.NoError(t, err)
	return g
}

func hourlyResult() *engine.ResultSet {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	rs := &engine.ResultSet{Columns: []string{"hour", "company", "trips"}}
	for i := 0; i < 12; i++ {
		company := "Uber"
		if i%2 == 1 {
			company = "Lyft"
		}
		rs.Rows = append(rs.Rows, engine.Row{"hour": start.Add(time.Duration(i/2) * time.Hour), "company": company, "trips": int64(100 + i)})
	}
	return rs
}

const hourlySQL = "SELECT DATE_TRUNC('hour', pickup_datetime) AS hour, company, COUNT(*) AS trips FROM fhv_with_company GROUP BY 1, 2 ORDER BY 1 LIMIT 500"

const validSpec = `{"chart": {"type": "line", "title": "Hourly trips by company", "x": {"col": "hour", "dtype": "datetime", "sort": true}, "y": {"col": "trips", "dtype": "number"}, "series": "company"}}`

func TestTaxi_ChartSpec_New(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		errMsg string
	}{
		{name: "missing logger", cfg: Config{}, errMsg: "logger is required"},
		{name: "missing llm", cfg: Config{Logger: slog.Default()}, errMsg: "llm client is required"},
		{name: "missing catalog", cfg: Config{Logger: slog.Default(), LLM: &mockLLMClient{}}, errMsg: "catalog is required"},
		{name: "negative attempts", cfg: Config{Logger: slog.Default(), LLM: &mockLLMClient{}, Catalog: catalog.Default(), MaxAttempts: -2}, errMsg: "max attempts must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTaxi_ChartSpec_Generate(t *testing.T) {
	t.Parallel()

	t.Run("accepts the first valid spec", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{{text: validSpec}}}
		g := testGenerator(t, client)

		spec, err := g.Generate(context.Background(), "show hourly trips by company", hourlySQL, hourlyResult())
		require.NoError(t, err)
		require.Equal(t, TypeLine, spec.Type)
		require.Equal(t, "hour", spec.X.Col)
		require.Equal(t, ColumnRef("company"), spec.Series)

		prompt := client.prompts[0]
		require.Contains(t, prompt, "User question: show hourly trips by company")
		require.Contains(t, prompt, hourlySQL)
		require.Contains(t, prompt, "first 10 rows")
		require.Contains(t, prompt, "Available columns: hour, company, trips")
		require.Contains(t, prompt, `"max_points"`)
		require.Contains(t, prompt, `"trips": 109`)
		require.NotContains(t, prompt, `"trips": 110`)
	})

	t.Run("non-finite sample values are written as null", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{{text: validSpec}}}
		g := testGenerator(t, client)

		rs := hourlyResult()
		rs.Columns = append(rs.Columns, "avg_fare")
		rs.Rows[0]["avg_fare"] = math.NaN()
		rs.Rows[1]["avg_fare"] = math.Inf(1)
		rs.Rows[2]["avg_fare"] = 12.5

		_, err := g.Generate(context.Background(), "q", hourlySQL, rs)
		require.NoError(t, err)
		require.Contains(t, client.prompts[0], `"avg_fare": null`)
		require.Contains(t, client.prompts[0], `"avg_fare": 12.5`)
		require.True(t, math.IsNaN(rs.Rows[0]["avg_fare"].(float64)))
	})

	t.Run("unencodable sample fails before any generation", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{{text: validSpec}}}
		g := testGenerator(t, client)

		rs := hourlyResult()
		rs.Rows[0]["trips"] = complex(1, 2)

		_, err := g.Generate(context.Background(), "q", hourlySQL, rs)
		require.ErrorContains(t, err, "failed to encode sample rows")
		require.Empty(t, client.prompts)
	})

	t.Run("unknown column is corrected with the available columns", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{
			{text: `{"chart": {"type": "line", "x": {"col": "pickup_hour"}, "y": {"col": "trips"}}}`},
			{text: validSpec},
		}}
		g := testGenerator(t, client)

		spec, err := g.Generate(context.Background(), "q", hourlySQL, hourlyResult())
		require.NoError(t, err)
		require.Equal(t, "hour", spec.X.Col)

		correction := client.prompts[1]
		require.Contains(t, correction, "Previous spec (Attempt 1):")
		require.Contains(t, correction, `"pickup_hour"`)
		require.Contains(t, correction, "Column 'pickup_hour' not found. Available: ['hour', 'company', 'trips']")
		require.Contains(t, correction, "Use column names exactly as they appear in the data: hour, company, trips")
		require.Contains(t, correction, "pickup_datetime")
	})

	t.Run("exhaustion returns the most recent attempt", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{
			{text: `{"chart": {"type": "bar", "x": {"col": "a"}, "y": {"col": "trips"}}}`},
			{text: `{"chart": {"type": "bar", "x": {"col": "b"}, "y": {"col": "trips"}}}`},
			{text: `{"chart": {"type": "bar", "x": {"col": "c"}, "y": {"col": "trips"}}}`},
		}}
		g := testGenerator(t, client)

		_, err := g.Generate(context.Background(), "q", hourlySQL, hourlyResult())
		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 3, exhausted.Attempts)
		require.Equal(t, "c", exhausted.Last.X.Col)
		require.Contains(t, exhausted.LastError, "Column 'c' not found")
		require.Equal(t, 3, client.callIndex)
	})

	t.Run("parse failure feeds back", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{
			{text: "A line chart would be best."},
			{text: "```json\n" + validSpec + "\n```"},
		}}
		g := testGenerator(t, client)

		_, err := g.Generate(context.Background(), "q", hourlySQL, hourlyResult())
		require.NoError(t, err)
		require.Contains(t, client.prompts[1], "Failed to parse JSON response from LLM")
		require.Contains(t, client.prompts[1], "Previous spec (Attempt 1):\nNone")
	})

	t.Run("generation timeout costs one attempt", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{
			{err: &llm.UnavailableError{Provider: "ollama", Kind: llm.KindTimeout, Timeout: time.Second}},
			{text: validSpec},
		}}
		g := testGenerator(t, client)

		_, err := g.Generate(context.Background(), "q", hourlySQL, hourlyResult())
		require.NoError(t, err)
		require.Contains(t, client.prompts[1], "LLM call failed: ollama request timed out after 1s")
	})

	t.Run("unreachable service stops the loop", func(t *testing.T) {
		t.Parallel()
		client := &mockLLMClient{responses: []mockLLMResponse{
			{err: &llm.UnavailableError{Provider: "ollama", Kind: llm.KindUnreachable, Endpoint: "http://x", Err: errors.New("refused")}},
			{text: validSpec},
		}}
		g := testGenerator(t, client)

		_, err := g.Generate(context.Background(), "q", hourlySQL, hourlyResult())
		require.True(t, llm.IsKind(err, llm.KindUnreachable))
		require.Equal(t, 1, client.callIndex)
	})
}
