// Package server is the HTTP front end: the chat endpoint, chart images,
// health and quota reporting, and the MCP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oowenn/NYC-Taxi-Analysis/api/metrics"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/breaker"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/ratelimit"
)

const (
	defaultListenAddr        = "0.0.0.0:8000"
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaxConcurrent     = 4
	defaultChatTimeout       = 10 * time.Minute
	previewRows              = 5
)

// Asker runs questions and predefined templates through the pipeline.
type Asker interface {
	Run(ctx context.Context, question string) *pipeline.Result
	RunTemplate(ctx context.Context, tmpl *pipeline.Template) *pipeline.Result
	Templates() []pipeline.Template
}

type Querier interface {
	Run(ctx context.Context, sql string) (*engine.ResultSet, error)
	Ping(ctx context.Context) error
}

type ChartOpener interface {
	// Open returns chartstore.ErrInvalidPath or chartstore.ErrNotFound for
	// names it will not serve.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ModelChecker reports whether the generation service has its model loaded.
type ModelChecker interface {
	Status(ctx context.Context, timeout time.Duration) llm.ModelStatus
}

type Breaker interface {
	Open() bool
	State() breaker.State
	RecordRequest()
	RecordError()
}

type Config struct {
	Logger  *slog.Logger
	Asker   Asker
	Querier Querier
	Charts  ChartOpener
	Catalog *catalog.Catalog
	Limiter ratelimit.Limiter
	Breaker Breaker

	// ModelChecker is set when the active provider is Ollama.
	ModelChecker ModelChecker
	// MCP is served at /mcp when set.
	MCP *mcp.Server

	Provider string
	Model    string

	ListenAddr        string
	CORSOrigins       []string
	MaxConcurrent     int
	ChatTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Asker == nil {
		return errors.New("asker is required")
	}
	if cfg.Querier == nil {
		return errors.New("querier is required")
	}
	if cfg.Charts == nil {
		return errors.New("chart opener is required")
	}
	if cfg.Limiter == nil {
		return errors.New("limiter is required")
	}
	if cfg.Breaker == nil {
		return errors.New("breaker is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	pool    pond.ResultPool[*pipeline.Result]
	handler http.Handler
	http    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate server config: %w", err)
	}
	s := &Server{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[*pipeline.Result](cfg.MaxConcurrent),
	}
	s.handler = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.breakerMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		r.Post("/chat", s.handleChat)
		r.Get("/chart-image", s.handleChartImage)
		r.Get("/health", s.handleHealth)
		r.Get("/health/ollama", s.handleOllamaHealth)
		r.Get("/quota", s.handleQuota)
		r.Get("/data-preview", s.handleDataPreview)
		r.Get("/templates", s.handleTemplates)
		r.Post("/templates/{name}", s.handleRunTemplate)
	})

	if s.cfg.MCP != nil {
		mcpHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
			return s.cfg.MCP
		}, &mcp.StreamableHTTPOptions{
			Stateless: true,
		})
		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)
	}
	return r
}

func (s *Server) Run(ctx context.Context) error {
	defer s.pool.StopAndWait()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "listenAddr", s.cfg.ListenAddr, "maxConcurrent", s.cfg.MaxConcurrent)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "listenAddr", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: HTTP server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// breakerMiddleware counts chat requests and server errors toward the
// circuit breaker.
func (s *Server) breakerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/chat" {
			s.cfg.Breaker.RecordRequest()
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusInternalServerError && ww.Status() != http.StatusServiceUnavailable {
			s.cfg.Breaker.RecordError()
		}
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
