// Package sqlgen drives the generation service to author SQL for a question,
// validating every candidate and feeding errors back until one passes or the
// attempt budget runs out.
package sqlgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/guard"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultSampleRows  = 5
)

// Candidate is one generated statement and the errors that rejected it.
type Candidate struct {
	SQL     string
	Attempt int
	Errors  []string
}

type Validator interface {
	Validate(ctx context.Context, sql string) guard.ValidationResult
}

type Sampler interface {
	Sample(ctx context.Context, sql string, n int) (*engine.ResultSet, error)
}

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Validator Validator
	Sampler   Sampler
	Catalog   *catalog.Catalog
	Prompts   *Prompts

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
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Sampler == nil {
		return errors.New("sampler is required")
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
		return nil, fmt.Errorf("failed to validate sqlgen config: %w", err)
	}
	return &Generator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Generate returns the first candidate that validates and executes. An
// unreachable generation service ends the loop at once; timeouts and other
// service failures only cost the current attempt.
func (g *Generator) Generate(ctx context.Context, question string) (*Candidate, error) {
	var (
		last       *Candidate
		lastGenErr error
	)

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := g.cfg.Prompts.BuildGeneratePrompt(question, g.cfg.Catalog)
		if last != nil {
			prompt = g.cfg.Prompts.BuildCorrectionPrompt(question, last, g.cfg.Catalog)
		}

		raw, err := g.cfg.LLM.Complete(ctx, g.cfg.Prompts.System, prompt)
		if err != nil {
			metrics.LoopAttemptsTotal.WithLabelValues("sql", "generation_error").Inc()
			if llm.IsKind(err, llm.KindUnreachable) || ctx.Err() != nil {
				return nil, err
			}
			g.log.Warn("sqlgen: generation failed", "attempt", attempt, "max_attempts", g.cfg.MaxAttempts, "error", err)
			lastGenErr = err
			continue
		}
		lastGenErr = nil

		cand := &Candidate{SQL: ExtractSQL(raw), Attempt: attempt}
		cand.Errors = g.check(ctx, cand.SQL)
		if len(cand.Errors) == 0 {
			metrics.LoopAttemptsTotal.WithLabelValues("sql", "accepted").Inc()
			g.log.Info("sqlgen: candidate accepted", "attempt", attempt, "sql", cand.SQL)
			return cand, nil
		}

		metrics.LoopAttemptsTotal.WithLabelValues("sql", "rejected").Inc()
		g.log.Info("sqlgen: candidate rejected", "attempt", attempt, "max_attempts", g.cfg.MaxAttempts, "errors", strings.Join(cand.Errors, "; "))
		last = cand
	}

	if last == nil && lastGenErr != nil {
		return nil, lastGenErr
	}
	return nil, &ValidationExhaustedError{Attempts: g.cfg.MaxAttempts, Last: last}
}

// check validates sql and runs it for a handful of rows.
func (g *Generator) check(ctx context.Context, sql string) []string {
	if sql == "" {
		return []string{"No SQL statement found in the response"}
	}

	res := g.cfg.Validator.Validate(ctx, sql)
	if !res.Valid {
		return res.Errors
	}

	if _, err := g.cfg.Sampler.Sample(ctx, sql, g.cfg.SampleRows); err != nil {
		var timeout *engine.ExecutionTimeoutError
		if errors.As(err, &timeout) {
			return []string{fmt.Sprintf("SQL execution error: %s. Aggregate more or narrow the time filter.", err)}
		}
		return []string{fmt.Sprintf("SQL execution error: %s", err)}
	}
	return nil
}

// ValidationExhaustedError is returned when no candidate passed within the
// attempt budget. Last is the most recent candidate.
type ValidationExhaustedError struct {
	Attempts int
	Last     *Candidate
}

func (e *ValidationExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("no valid SQL after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("no valid SQL after %d attempts: %s", e.Attempts, strings.Join(e.Last.Errors, "; "))
}
