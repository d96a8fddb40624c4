package chartspec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultSampleRows  = 10
)

type Config struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Catalog *catalog.Catalog
	Prompts *Prompts

	MaxAttempts int
	SampleRows  int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm client is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("max attempts must be non-negative")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = defaultSampleRows
	}
	if cfg.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return err
		}
		cfg.Prompts = p
	}
	return nil
}

type Generator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate chartspec config: %w", err)
	}
	return &Generator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Generate asks for a chart spec describing rs until one validates against
// the columns of rs. An unreachable generation service ends the loop at once.
func (g *Generator) Generate(ctx context.Context, question, sql string, rs *engine.ResultSet) (*Spec, error) {
	var (
		last    *Spec
		lastErr string
	)

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var prompt string
		if attempt == 1 {
			var err error
			prompt, err = g.cfg.Prompts.BuildSpecPrompt(question, sql, rs, g.cfg.SampleRows)
			if err != nil {
				g.log.Error("chartspec: failed to build spec prompt", "error", err)
				return nil, err
			}
		} else {
			prompt = g.cfg.Prompts.BuildCorrectionPrompt(question, attempt-1, last, lastErr, rs.Columns, g.cfg.Catalog.Columns())
		}

		raw, err := g.cfg.LLM.Complete(ctx, g.cfg.Prompts.System, prompt)
		if err != nil {
			metrics.LoopAttemptsTotal.WithLabelValues("chart", "generation_error").Inc()
			if llm.IsKind(err, llm.KindUnreachable) || ctx.Err() != nil {
				return nil, err
			}
			g.log.Warn("chartspec: generation failed", "attempt", attempt, "max_attempts", g.cfg.MaxAttempts, "error", err)
			lastErr = fmt.Sprintf("LLM call failed: %v", err)
			continue
		}

		spec, err := Parse(raw)
		last = spec
		if err == nil {
			err = Validate(spec, rs.Columns)
		}
		if err == nil {
			metrics.LoopAttemptsTotal.WithLabelValues("chart", "accepted").Inc()
			g.log.Info("chartspec: spec accepted", "attempt", attempt, "type", spec.Type, "x", spec.X.Col, "y", spec.Y.Col, "series", string(spec.Series))
			return spec, nil
		}

		metrics.LoopAttemptsTotal.WithLabelValues("chart", "rejected").Inc()
		g.log.Info("chartspec: spec rejected", "attempt", attempt, "max_attempts", g.cfg.MaxAttempts, "error", err)
		lastErr = err.Error()
	}

	return nil, &ExhaustedError{Attempts: g.cfg.MaxAttempts, Last: last, LastError: lastErr}
}

// ExhaustedError is returned when no spec validated within the attempt
// budget. Last is the most recently parsed spec, if any.
type ExhaustedError struct {
	Attempts  int
	Last      *Spec
	LastError string
}

func (e *ExhaustedError) Error() string {
	if e.LastError == "" {
		return fmt.Sprintf("no valid chart spec after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("no valid chart spec after %d attempts: %s", e.Attempts, e.LastError)
}
