package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/oowenn/NYC-Taxi-Analysis/api/mcptools"
	"github.com/oowenn/NYC-Taxi-Analysis/api/server"
	"github.com/oowenn/NYC-Taxi-Analysis/internal/app"
	"github.com/oowenn/NYC-Taxi-Analysis/internal/config"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/breaker"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/logger"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/ratelimit"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr        = "0.0.0.0:8000"
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultChatTimeout       = 10 * time.Minute
	defaultMetricsAddr       = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address (or set LISTEN_ADDR env var)")
	readHeaderTimeoutFlag := flag.Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Server shutdown timeout")
	chatTimeoutFlag := flag.Duration("chat-timeout", defaultChatTimeout, "Upper bound on answering one chat request")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty disables)")
	mcpFlag := flag.Bool("mcp", true, "serve MCP tools at /mcp")
	engineFlag := flag.String("engine", "", "query engine (duckdb, clickhouse); overrides ENGINE")

	flag.Parse()

	// Override flags with environment variables if set
	if envListenAddr := os.Getenv("LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if envMetricsAddr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		*metricsAddrFlag = envMetricsAddr
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *engineFlag != "" {
		cfg.Engine = *engineFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	a, err := app.Build(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close engine", "error", err)
		}
	}()

	limiter, err := ratelimit.New(ratelimit.Config{
		Logger:      log,
		PerMinute:   cfg.RateLimitPerMinute,
		PerDay:      cfg.RateLimitPerDay,
		GlobalDaily: cfg.RateLimitGlobalDaily,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer limiter.Close()

	brk, err := breaker.New(breaker.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create circuit breaker: %w", err)
	}

	srvCfg := server.Config{
		Logger:            log,
		Asker:             a.Pipeline,
		Querier:           a.Engine,
		Charts:            a.Store,
		Catalog:           a.Catalog,
		Limiter:           limiter,
		Breaker:           brk,
		Provider:          cfg.LLMProvider,
		Model:             cfg.Model(),
		ListenAddr:        *listenAddrFlag,
		CORSOrigins:       cfg.CORSOrigins,
		MaxConcurrent:     cfg.MaxConcurrentQueries,
		ChatTimeout:       *chatTimeoutFlag,
		ReadHeaderTimeout: *readHeaderTimeoutFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
	}
	if ollama, ok := a.Ollama(); ok {
		srvCfg.ModelChecker = ollama
	}
	if *mcpFlag {
		mcpServer, err := mcptools.NewServer(mcptools.Config{
			Logger:    log,
			Version:   version,
			Asker:     a.Pipeline,
			Validator: a.Validator,
			Catalog:   a.Catalog,
		})
		if err != nil {
			return fmt.Errorf("failed to create mcp server: %w", err)
		}
		srvCfg.MCP = mcpServer
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		// Run drains in-flight requests before returning.
		return <-serverErrCh
	case err := <-serverErrCh:
		if err != nil {
			log.Error("server: server error causing shutdown", "error", err)
		}
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
