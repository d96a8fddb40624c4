package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/breaker"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartstore"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/ratelimit"
	"github.com/stretchr/testify/require"
)

type mockAsker struct {
	mu        sync.Mutex
	res       *pipeline.Result
	questions []string
	templates []string
}

func (m *mockAsker) Run(ctx context.Context, question string) *pipeline.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, question)
	return m.res
}

func (m *mockAsker) RunTemplate(ctx context.Context, tmpl *pipeline.Template) *pipeline.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append(m.templates, tmpl.Name)
	return m.res
}

func (m *mockAsker) Templates() []pipeline.Template {
	return pipeline.DefaultTemplates()
}

type mockQuerier struct {
	pingErr error
	rs      *engine.ResultSet
	runErr  error
	sqls    []string
}

func (m *mockQuerier) Run(ctx context.Context, sql string) (*engine.ResultSet, error) {
	m.sqls = append(m.sqls, sql)
	return m.rs, m.runErr
}

func (m *mockQuerier) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockCharts struct {
	files map[string][]byte
	err   error
}

func (m *mockCharts) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	if strings.Contains(name, "/") || !strings.HasPrefix(name, "chart_") {
		return nil, chartstore.ErrInvalidPath
	}
	data, ok := m.files[name]
	if !ok {
		return nil, chartstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type mockModelChecker struct {
	status llm.ModelStatus
}

func (m *mockModelChecker) Status(ctx context.Context, timeout time.Duration) llm.ModelStatus {
	return m.status
}

type fixture struct {
	asker   *mockAsker
	querier *mockQuerier
	charts  *mockCharts
	limiter *ratelimit.Window
	breaker *breaker.Breaker
	clock   *clockwork.FakeClock
	checker ModelChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	limiter, err := ratelimit.New(ratelimit.Config{Logger: log, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	b, err := breaker.New(breaker.Config{Logger: log, Clock: clock})
	require.NoError(t, err)

	sql := "SELECT company, COUNT(*) AS trips FROM fhv_with_company GROUP BY company"
	return &fixture{
		asker: &mockAsker{res: &pipeline.Result{
			Answer:     "I found 2 rows. Here's a visualization of the data.",
			SQL:        &sql,
			Columns:    []string{"company", "trips"},
			Data:       []engine.Row{{"company": "Uber", "trips": int64(10)}, {"company": "Lyft", "trips": int64(5)}},
			Preview:    []engine.Row{{"company": "Uber", "trips": int64(10)}, {"company": "Lyft", "trips": int64(5)}},
			ChartImage: "chart_1234.png",
			Mode:       pipeline.ModeSQL,
		}},
		querier: &mockQuerier{rs: &engine.ResultSet{Columns: []string{"company"}, Rows: []engine.Row{{"company": "Uber"}}}},
		charts:  &mockCharts{files: map[string][]byte{"chart_1234.png": []byte("\x89PNG fake")}},
		limiter: limiter,
		breaker: b,
		clock:   clock,
	}
}

func (f *fixture) server(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Asker:        f.asker,
		Querier:      f.querier,
		Charts:       f.charts,
		Catalog:      catalog.Default(),
		Limiter:      f.limiter,
		Breaker:      f.breaker,
		ModelChecker: f.checker,
		Provider:     "ollama",
		Model:        "llama3:latest",
		CORSOrigins:  []string{"http://localhost:5173"},
	})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.RemoteAddr = "203.0.113.7:5555"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTaxi_Server_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: slog.Default(), Asker: &mockAsker{}, Querier: &mockQuerier{}, Charts: &mockCharts{}})
	require.ErrorContains(t, err, "limiter is required")
}

func TestTaxi_Server_Chat(t *testing.T) {
	t.Parallel()

	t.Run("answers a question", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"  trips by company "}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var resp ChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, pipeline.ModeSQL, resp.Mode)
		require.NotNil(t, resp.ChartImageURL)
		require.Equal(t, "/api/chart-image?name=chart_1234.png", *resp.ChartImageURL)
		require.Len(t, resp.Data, 2)
		require.Equal(t, []string{"trips by company"}, f.asker.questions)
	})

	t.Run("rejects an empty message", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"   "}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, h, http.MethodPost, "/api/chat", `not json`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Empty(t, f.asker.questions)
	})

	t.Run("rate limits per client", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		for i := 0; i < 5; i++ {
			rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Contains(t, rec.Body.String(), "Rate limit exceeded: 5 requests per minute")

		rec = do(t, h, http.MethodGet, "/api/quota", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var quota QuotaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
		require.Equal(t, 0, quota.RemainingRequests.PerMinute)
		require.Equal(t, 45, quota.RemainingRequests.PerDay)
		require.True(t, quota.LLMEnabled)
		require.Equal(t, "closed", quota.CircuitBreakerStatus)

		f.clock.Advance(time.Minute)
		rec = do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("concurrent burst admits exactly the per-minute quota", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		codes := make([]int, 20)
		var wg sync.WaitGroup
		for i := range codes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				codes[i] = do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`).Code
			}(i)
		}
		wg.Wait()

		var ok, limited int
		for _, code := range codes {
			switch code {
			case http.StatusOK:
				ok++
			case http.StatusTooManyRequests:
				limited++
			}
		}
		require.Equal(t, 5, ok)
		require.Equal(t, 15, limited)
		require.Len(t, f.asker.questions, 5)
	})

	t.Run("breaker open returns 503", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		for i := 0; i < 10; i++ {
			f.breaker.RecordError()
		}
		rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Empty(t, f.asker.questions)

		rec = do(t, h, http.MethodGet, "/api/quota", "")
		var quota QuotaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
		require.False(t, quota.LLMEnabled)
		require.Equal(t, "open", quota.CircuitBreakerStatus)
	})

	t.Run("error results count toward the breaker", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.asker.res = &pipeline.Result{Answer: "Cannot connect to Ollama", Data: []engine.Row{}, Preview: []engine.Row{}, Mode: pipeline.ModeError}
		s, err := New(Config{
			Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
			Asker:   f.asker,
			Querier: f.querier,
			Charts:  f.charts,
			Limiter: f.limiter,
			Breaker: f.breaker,
		})
		require.NoError(t, err)
		h := s.Handler()

		for i := 0; i < 5; i++ {
			rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Contains(t, rec.Body.String(), `"mode":"error"`)
			require.Contains(t, rec.Body.String(), `"chart_image_url":null`)
		}
		f.clock.Advance(time.Minute)
		for i := 0; i < 5; i++ {
			do(t, h, http.MethodPost, "/api/chat", `{"message":"q"}`)
		}
		require.True(t, f.breaker.Open())
	})
}

func TestTaxi_Server_ChartImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.server(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/chart-image?name=chart_1234.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "\x89PNG fake", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/chart-image", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/chart-image?name=../../etc/passwd", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/chart-image?name=chart_missing.png", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.charts.err = errors.New("disk on fire")
	rec = do(t, h, http.MethodGet, "/api/chart-image?name=chart_1234.png", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTaxi_Server_Health(t *testing.T) {
	t.Parallel()

	t.Run("healthy engine without ollama", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := f.server(t).Handler()

		rec := do(t, h, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "ok", resp.Status)
		require.Equal(t, "healthy", resp.Engine)
		require.Equal(t, "not checked", resp.LLM)

		rec = do(t, h, http.MethodGet, "/api/health/ollama", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ollama model status", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.checker = &mockModelChecker{status: llm.ModelStatus{
			URL:             "http://localhost:11434",
			Model:           "llama3",
			Reachable:       true,
			ModelsAvailable: []string{"llama3:latest"},
			ModelFound:      true,
		}}
		f.querier.pingErr = errors.New("database is locked")
		h := f.server(t).Handler()

		rec := do(t, h, http.MethodGet, "/api/health", "")
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "error: database is locked", resp.Engine)
		require.Equal(t, "healthy (model 'llama3' available)", resp.LLM)

		rec = do(t, h, http.MethodGet, "/api/health/ollama", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var st llm.ModelStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		require.True(t, st.ModelFound)

		rec = do(t, h, http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		rec = do(t, h, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTaxi_Server_DataPreview(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.server(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/data-preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DataPreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.RowCount)
	require.Len(t, f.querier.sqls, 1)
	require.True(t, strings.HasPrefix(f.querier.sqls[0], "SELECT pickup_datetime"))
	require.True(t, strings.HasSuffix(f.querier.sqls[0], "FROM fhv_with_company LIMIT 5"))

	f.querier.runErr = errors.New("no such view")
	rec = do(t, h, http.MethodGet, "/api/data-preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "no such view", resp.Error)
	require.Zero(t, resp.RowCount)

	// A value JSON cannot carry yields a complete error body.
	f.querier.runErr = nil
	f.querier.rs = &engine.ResultSet{Columns: []string{"fare"}, Rows: []engine.Row{{"fare": complex(1, 2)}}}
	rec = do(t, h, http.MethodGet, "/api/data-preview", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"Internal server error. Check server logs for details."}`, rec.Body.String())
}

func TestTaxi_Server_Templates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.server(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "market_share")

	rec = do(t, h, http.MethodPost, "/api/templates/top_zones", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"top_zones"}, f.asker.templates)

	rec = do(t, h, http.MethodPost, "/api/templates/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
