// Package pipeline turns a natural-language question into an answer, the
// accepted SQL, result rows and a rendered chart.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/llm"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/render"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/sqlgen"
)

const (
	defaultResultRows  = 500
	defaultPreviewRows = 10
)

type Mode string

const (
	ModeSQL      Mode = "sql"
	ModeError    Mode = "error"
	ModeTemplate Mode = "template"
)

// Result is the outcome of one question. A successful run carries SQL, data
// and a chart; a partial run carries SQL and data without a chart.
type Result struct {
	Answer     string          `json:"answer"`
	SQL        *string         `json:"sql"`
	Columns    []string        `json:"columns,omitempty"`
	Data       []engine.Row    `json:"data"`
	Preview    []engine.Row    `json:"data_preview"`
	Chart      *chartspec.Spec `json:"chart"`
	ChartImage string          `json:"chart_image,omitempty"`
	Mode       Mode            `json:"mode"`
}

// Partial reports whether rows were returned without a chart.
func (r *Result) Partial() bool {
	return r.Mode != ModeError && len(r.Data) > 0 && r.ChartImage == ""
}

type SQLGenerator interface {
	Generate(ctx context.Context, question string) (*sqlgen.Candidate, error)
}

type SpecGenerator interface {
	Generate(ctx context.Context, question, sql string, rs *engine.ResultSet) (*chartspec.Spec, error)
}

type Executor interface {
	Sample(ctx context.Context, sql string, n int) (*engine.ResultSet, error)
}

type ChartRenderer interface {
	Render(rs *engine.ResultSet, spec *chartspec.Spec, path string) error
}

type ChartStore interface {
	Allocate() (name, path string)
	Publish(ctx context.Context, name string) error
}

type Config struct {
	Logger   *slog.Logger
	SQL      SQLGenerator
	Spec     SpecGenerator
	Executor Executor
	Renderer ChartRenderer
	Store    ChartStore
	Catalog  *catalog.Catalog

	// UseGeneration selects the generation loops; otherwise questions are
	// matched against Templates.
	UseGeneration bool
	Templates     []Template

	// Model is named in remediation hints.
	Model string

	ResultRows  int
	PreviewRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Renderer == nil {
		return errors.New("renderer is required")
	}
	if cfg.Store == nil {
		return errors.New("chart store is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.UseGeneration {
		if cfg.SQL == nil {
			return errors.New("sql generator is required")
		}
		if cfg.Spec == nil {
			return errors.New("spec generator is required")
		}
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	if cfg.Model == "" {
		cfg.Model = "llama3:latest"
	}
	if cfg.ResultRows <= 0 {
		cfg.ResultRows = defaultResultRows
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = defaultPreviewRows
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pipeline config: %w", err)
	}
	return &Pipeline{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (p *Pipeline) Templates() []Template {
	return p.cfg.Templates
}

// Run answers question. It never fails: every failure is reported in the
// returned Result with mode "error".
func (p *Pipeline) Run(ctx context.Context, question string) (res *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline: panic recovered", "panic", r, "stack", string(debug.Stack()))
			res = errorResult("An unexpected error occurred while answering your question. Please try again.")
		}
		metrics.PipelineRunsTotal.WithLabelValues(string(res.Mode), strconv.FormatBool(res.ChartImage != "")).Inc()
		metrics.PipelineRunDuration.Observe(time.Since(start).Seconds())
		p.log.Info("pipeline: run finished", "mode", res.Mode, "rows", len(res.Data), "chart", res.ChartImage, "duration", time.Since(start))
	}()

	if !p.cfg.UseGeneration {
		return p.runTemplate(ctx, question)
	}
	return p.runGenerated(ctx, question)
}

func (p *Pipeline) runGenerated(ctx context.Context, question string) *Result {
	cand, err := p.cfg.SQL.Generate(ctx, question)
	if err != nil {
		p.log.Warn("pipeline: sql generation failed", "error", err)
		return errorResult(p.generationAnswer(err))
	}
	sql := cand.SQL

	rs, err := p.cfg.Executor.Sample(ctx, sql, p.cfg.ResultRows)
	if err != nil {
		p.log.Warn("pipeline: execution failed", "sql", sql, "error", err)
		res := errorResult(fmt.Sprintf("Error executing SQL query: %s", err))
		res.SQL = &sql
		return res
	}

	res := dataResult(sql, rs, p.cfg.PreviewRows, ModeSQL)
	if rs.Len() == 0 {
		res.Answer = "The query executed successfully but returned no results."
		return res
	}

	spec, err := p.cfg.Spec.Generate(ctx, question, sql, rs)
	if err != nil {
		p.log.Warn("pipeline: chart spec generation failed", "error", err)
		return partial(res)
	}
	p.draw(ctx, res, rs, spec)
	if res.ChartImage == "" {
		return partial(res)
	}
	res.Answer = fmt.Sprintf("I found %d rows. Here's a visualization of the data.", rs.Len())
	return res
}

func (p *Pipeline) runTemplate(ctx context.Context, question string) *Result {
	tmpl := MatchTemplate(p.cfg.Templates, question)
	if tmpl == nil {
		return errorResult("No metric templates are configured.")
	}
	return p.RunTemplate(ctx, tmpl)
}

// RunTemplate executes a predefined metric and charts it with its own spec.
func (p *Pipeline) RunTemplate(ctx context.Context, tmpl *Template) *Result {
	sql := tmpl.Render(p.cfg.Catalog)
	p.log.Debug("pipeline: template selected", "template", tmpl.Name)

	rs, err := p.cfg.Executor.Sample(ctx, sql, p.cfg.ResultRows)
	if err != nil {
		p.log.Warn("pipeline: template execution failed", "template", tmpl.Name, "error", err)
		res := errorResult(fmt.Sprintf("Error executing SQL query: %s", err))
		res.SQL = &sql
		return res
	}

	res := dataResult(sql, rs, p.cfg.PreviewRows, ModeTemplate)
	if rs.Len() == 0 {
		res.Answer = "The query executed successfully but returned no results."
		return res
	}
	res.Answer = tmpl.Answer(rs, p.cfg.Catalog)
	if tmpl.Chart != nil {
		spec := *tmpl.Chart
		p.draw(ctx, res, rs, &spec)
	}
	return res
}

// draw renders spec into the chart store and records it on res. Render
// failures leave res without a chart.
func (p *Pipeline) draw(ctx context.Context, res *Result, rs *engine.ResultSet, spec *chartspec.Spec) {
	name, path := p.cfg.Store.Allocate()
	if err := p.cfg.Renderer.Render(rs, spec, path); err != nil {
		if errors.Is(err, render.ErrNoChart) {
			p.log.Info("pipeline: chart type none, returning data only")
		} else {
			p.log.Warn("pipeline: chart render failed", "type", spec.Type, "error", err)
		}
		return
	}
	if err := p.cfg.Store.Publish(ctx, name); err != nil {
		p.log.Warn("pipeline: chart publish failed", "name", name, "error", err)
	}
	p.log.Info("pipeline: chart rendered", "name", name, "type", spec.Type)
	res.Chart = spec
	res.ChartImage = name
}

func (p *Pipeline) generationAnswer(err error) string {
	var exhausted *sqlgen.ValidationExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return "Sorry, I couldn't generate a valid SQL query for your question. Please try rephrasing it. (Make sure Ollama is running with the model pulled)"
	case llm.IsKind(err, llm.KindUnreachable):
		return fmt.Sprintf("Cannot connect to Ollama: %s\n\nTo fix:\n1. Start Ollama: `ollama serve`\n2. Pull the model: `ollama pull %s`\n3. Check the health endpoint: `/api/health`", err, p.cfg.Model)
	case llm.IsKind(err, llm.KindTimeout):
		return fmt.Sprintf("%s\n\nThe model might be too slow. Try:\n1. Check Ollama is running: `ollama serve`\n2. Use a faster model or increase timeout", err)
	case llm.IsKind(err, llm.KindBadStatus) && isRateLimited(err):
		return "ERROR: Rate Limit Reached\n\nThe LLM API rate limit has been exceeded. Please wait a moment and try again."
	default:
		return fmt.Sprintf("Error generating SQL: %s\n\nCheck:\n1. Ollama is running: `ollama serve`\n2. Model is available: `ollama list`\n3. Health check: `/api/health`", err)
	}
}

func isRateLimited(err error) bool {
	var ue *llm.UnavailableError
	return errors.As(err, &ue) && ue.Status == 429
}

func errorResult(answer string) *Result {
	return &Result{
		Answer:  answer,
		Data:    []engine.Row{},
		Preview: []engine.Row{},
		Mode:    ModeError,
	}
}

func dataResult(sql string, rs *engine.ResultSet, previewRows int, mode Mode) *Result {
	rows := rs.Rows
	if rows == nil {
		rows = []engine.Row{}
	}
	preview := rs.Head(previewRows).Rows
	if preview == nil {
		preview = []engine.Row{}
	}
	return &Result{
		SQL:     &sql,
		Columns: rs.Columns,
		Data:    rows,
		Preview: preview,
		Mode:    mode,
	}
}

func partial(res *Result) *Result {
	res.Chart = nil
	res.ChartImage = ""
	res.Answer = fmt.Sprintf("I found %d rows. Unable to generate a chart, but here's the data.", len(res.Data))
	return res
}
