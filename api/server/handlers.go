package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oowenn/NYC-Taxi-Analysis/api/mcptools"
	"github.com/oowenn/NYC-Taxi-Analysis/api/metrics"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/breaker"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartstore"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/ratelimit"
)

const maxChatBody = 64 << 10

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatResponse struct {
	Answer        string          `json:"answer"`
	SQL           *string         `json:"sql"`
	Columns       []string        `json:"columns,omitempty"`
	Data          []engine.Row    `json:"data"`
	DataPreview   []engine.Row    `json:"data_preview"`
	Chart         *chartspec.Spec `json:"chart"`
	ChartImageURL *string         `json:"chart_image_url"`
	Mode          pipeline.Mode   `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newChatResponse(res *pipeline.Result) ChatResponse {
	resp := ChatResponse{
		Answer:      res.Answer,
		SQL:         res.SQL,
		Columns:     res.Columns,
		Data:        res.Data,
		DataPreview: res.Preview,
		Chart:       res.Chart,
		Mode:        res.Mode,
	}
	if res.ChartImage != "" {
		u := mcptools.ChartImageURL(res.ChartImage)
		resp.ChartImageURL = &u
	}
	return resp
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	if s.cfg.Breaker.Open() {
		metrics.BreakerRejectedTotal.Inc()
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "The service is temporarily unavailable due to high error rates. Please try again shortly."})
		return
	}

	key := clientKey(r)
	if err := s.cfg.Limiter.Take(key); err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			metrics.RateLimitedTotal.WithLabelValues(exceeded.Scope).Inc()
		}
		s.log.Info("server: chat rate limited", "client", key, "error", err)
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	task := s.pool.Submit(func() *pipeline.Result {
		return s.cfg.Asker.Run(ctx, question)
	})
	res, err := task.Wait()
	if err != nil || res == nil {
		s.log.Error("server: chat task failed", "client", key, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error. Check server logs for details."})
		return
	}
	if res.Mode == pipeline.ModeError {
		s.cfg.Breaker.RecordError()
	}
	s.log.Info("server: chat answered", "client", key, "mode", res.Mode, "rows", len(res.Data), "chart", res.ChartImage != "")
	s.writeJSON(w, http.StatusOK, newChatResponse(res))
}

func (s *Server) handleChartImage(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name parameter required"})
		return
	}
	rc, err := s.cfg.Charts.Open(r.Context(), name)
	switch {
	case errors.Is(err, chartstore.ErrInvalidPath):
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "Invalid path"})
		return
	case errors.Is(err, chartstore.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Chart image not found"})
		return
	case err != nil:
		s.log.Error("server: failed to open chart", "name", name, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to read chart image"})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("server: failed to write chart", "name", name, "error", err)
	}
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Engine    string  `json:"engine"`
	LLM       string  `json:"llm"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Engine:    "healthy",
		LLM:       "not checked",
		Provider:  s.cfg.Provider,
		Model:     s.cfg.Model,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Querier.Ping(ctx); err != nil {
		resp.Engine = fmt.Sprintf("error: %s", err)
	}
	if s.cfg.ModelChecker != nil {
		resp.LLM = s.cfg.ModelChecker.Status(r.Context(), 2*time.Second).Summary()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOllamaHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ModelChecker == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("ollama is not the active provider (provider: %s)", s.cfg.Provider)})
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.ModelChecker.Status(r.Context(), 5*time.Second))
}

type QuotaResponse struct {
	LLMEnabled           bool            `json:"llm_enabled"`
	RemainingRequests    ratelimit.Quota `json:"remaining_requests"`
	CircuitBreakerStatus string          `json:"circuit_breaker_status"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	state := s.cfg.Breaker.State()
	s.writeJSON(w, http.StatusOK, QuotaResponse{
		LLMEnabled:           state != breaker.StateOpen,
		RemainingRequests:    s.cfg.Limiter.Remaining(clientKey(r)),
		CircuitBreakerStatus: string(state),
	})
}

type DataPreviewResponse struct {
	Columns  []string     `json:"columns"`
	Data     []engine.Row `json:"data"`
	RowCount int          `json:"row_count"`
	Error    string       `json:"error,omitempty"`
}

func (s *Server) handleDataPreview(w http.ResponseWriter, r *http.Request) {
	cols := s.cfg.Catalog.PreviewColumns()
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	sql := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(cols, ", "), s.cfg.Catalog.PrimaryView(), previewRows)

	rs, err := s.cfg.Querier.Run(r.Context(), sql)
	if err != nil {
		s.log.Warn("server: data preview failed", "error", err)
		s.writeJSON(w, http.StatusOK, DataPreviewResponse{Columns: []string{}, Data: []engine.Row{}, Error: err.Error()})
		return
	}
	rows := rs.Rows
	if rows == nil {
		rows = []engine.Row{}
	}
	s.writeJSON(w, http.StatusOK, DataPreviewResponse{Columns: rs.Columns, Data: rows, RowCount: len(rows)})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"templates": s.cfg.Asker.Templates()})
}

func (s *Server) handleRunTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tmpl, ok := pipeline.FindTemplate(s.cfg.Asker.Templates(), name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("template %q not found", name)})
		return
	}
	task := s.pool.Submit(func() *pipeline.Result {
		return s.cfg.Asker.RunTemplate(r.Context(), tmpl)
	})
	res, err := task.Wait()
	if err != nil || res == nil {
		s.log.Error("server: template task failed", "template", name, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error. Check server logs for details."})
		return
	}
	s.writeJSON(w, http.StatusOK, newChatResponse(res))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Querier.Ping(ctx); err != nil {
		s.log.Debug("readyz: engine not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("engine not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

// requestID tags each request with an X-Request-ID, keeping one supplied
// by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v before writing the status, so an unencodable value
// becomes a 500 instead of a truncated body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "status", status, "error", err)
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(errorResponse{Error: "Internal server error. Check server logs for details."})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.log.Debug("server: failed to write response", "error", err)
	}
}
