// Package app assembles the question-to-chart service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/internal/config"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartstore"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine/clickhouse"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine/duck"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/guard"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/render"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/sqlgen"
)

const defaultReadyTimeout = 30 * time.Second

// App holds the wired components. Close releases the backend.
type App struct {
	Log       *slog.Logger
	Config    *config.Config
	Catalog   *catalog.Catalog
	Guardrail *guard.Guardrail
	Engine    *engine.Engine
	Validator *guard.Validator
	LLM       llm.Client
	Renderer  *render.Renderer
	Store     *chartstore.Store
	Pipeline  *pipeline.Pipeline
}

// Build opens the backend and wires every component. The generation client
// is only required when cfg.UseLLMPipeline is set.
func Build(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	cat := catalog.Default()
	guardrail, err := guard.New(guard.Config{Catalog: cat})
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	if err := engine.WaitReady(ctx, log, backend, defaultReadyTimeout); err != nil {
		backend.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Backend:   backend,
		Guardrail: guardrail,
		Timeout:   cfg.QueryTimeout,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	a := &App{
		Log:       log,
		Config:    cfg,
		Catalog:   cat,
		Guardrail: guardrail,
		Engine:    eng,
	}
	if err := a.wire(ctx); err != nil {
		eng.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	log := a.Log

	validator, err := guard.NewValidator(guard.ValidatorConfig{
		Logger:    log,
		Guardrail: a.Guardrail,
		Prober:    a.Engine,
	})
	if err != nil {
		return err
	}
	a.Validator = validator

	renderer, err := render.New(render.Config{Logger: log})
	if err != nil {
		return err
	}
	a.Renderer = renderer

	storeCfg := chartstore.Config{Logger: log, Dir: cfg.ChartDir}
	if cfg.ChartS3Bucket != "" {
		client, err := chartstore.NewS3Client(ctx, chartstore.S3Config{
			Bucket:      cfg.ChartS3Bucket,
			Prefix:      cfg.ChartS3Prefix,
			Region:      cfg.ChartS3Region,
			EndpointURL: cfg.ChartS3Endpoint,
		})
		if err != nil {
			return err
		}
		mirror, err := chartstore.NewS3Mirror(client, cfg.ChartS3Bucket, cfg.ChartS3Prefix)
		if err != nil {
			return err
		}
		storeCfg.Mirror = mirror
		log.Info("app: chart mirror enabled", "bucket", cfg.ChartS3Bucket, "prefix", cfg.ChartS3Prefix)
	}
	store, err := chartstore.New(storeCfg)
	if err != nil {
		return err
	}
	a.Store = store

	pcfg := pipeline.Config{
		Logger:        log,
		Executor:      a.Engine,
		Renderer:      renderer,
		Store:         store,
		Catalog:       a.Catalog,
		UseGeneration: cfg.UseLLMPipeline,
		Model:         cfg.Model(),
	}

	if cfg.UseLLMPipeline {
		client, err := llm.New(llm.FactoryConfig{
			Logger:         log,
			Provider:       cfg.LLMProvider,
			Timeout:        cfg.LLMTimeout,
			OllamaBaseURL:  cfg.OllamaBaseURL,
			OllamaModel:    cfg.OllamaModel,
			AnthropicModel: cfg.AnthropicModel,
			GroqAPIKey:     cfg.GroqAPIKey,
			GroqModel:      cfg.GroqModel,
			OpenAIAPIKey:   cfg.OpenAIAPIKey,
			OpenAIBaseURL:  cfg.OpenAIBaseURL,
			OpenAIModel:    cfg.OpenAIModel,
		})
		if err != nil {
			return fmt.Errorf("failed to create llm client: %w", err)
		}
		a.LLM = client

		sqlGen, err := sqlgen.New(sqlgen.Config{
			Logger:      log,
			LLM:         client,
			Validator:   validator,
			Sampler:     a.Engine,
			Catalog:     a.Catalog,
			MaxAttempts: cfg.MaxSQLAttempts,
		})
		if err != nil {
			return err
		}
		specGen, err := chartspec.New(chartspec.Config{
			Logger:      log,
			LLM:         client,
			Catalog:     a.Catalog,
			MaxAttempts: cfg.MaxSpecAttempts,
		})
		if err != nil {
			return err
		}
		pcfg.SQL = sqlGen
		pcfg.Spec = specGen
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	a.Pipeline = p

	log.Info("app: components ready",
		"engine", a.Engine.Backend().Name(),
		"provider", cfg.LLMProvider,
		"model", cfg.Model(),
		"generation", cfg.UseLLMPipeline,
		"chart_dir", store.Dir(),
	)
	return nil
}

// Ollama returns the Ollama client when it is the active provider.
func (a *App) Ollama() (*llm.OllamaClient, bool) {
	c, ok := a.LLM.(*llm.OllamaClient)
	return c, ok
}

func (a *App) Close() error {
	return a.Engine.Close()
}

func openBackend(ctx context.Context, log *slog.Logger, cfg *config.Config) (engine.Backend, error) {
	switch cfg.Engine {
	case config.EngineClickHouse:
		b, err := clickhouse.Open(ctx, clickhouse.Config{
			Logger:           log,
			Addr:             cfg.ClickHouseAddr,
			Database:         cfg.ClickHouseDatabase,
			Username:         cfg.ClickHouseUsername,
			Password:         cfg.ClickHousePassword,
			MaxExecutionTime: int(cfg.QueryTimeout.Seconds()),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open clickhouse: %w", err)
		}
		return b, nil
	default:
		b, err := duck.Open(ctx, duck.Config{
			Logger: log,
			Path:   cfg.DuckDBPath,
			Setup: catalog.Setup(catalog.SetupConfig{
				DataDir:        cfg.DataDir,
				TaxiZoneLookup: cfg.TaxiZoneLookup,
				BaseLookup:     cfg.BaseLookup,
				HVFHSLookup:    cfg.HVFHSLookup,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb: %w", err)
		}
		return b, nil
	}
}
