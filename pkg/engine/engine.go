// Package engine executes guarded statements against the analytical backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/guard"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMaxRows = 10000
)

// Row maps column name to value.
type Row map[string]any

// ResultSet is the tabular outcome of one execution. Column order is the
// order the backend reported.
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

func (rs *ResultSet) HasColumn(name string) bool {
	if rs == nil {
		return false
	}
	for _, c := range rs.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Head returns a result set holding at most n rows.
func (rs *ResultSet) Head(n int) *ResultSet {
	if rs == nil {
		return &ResultSet{}
	}
	if n < 0 || n >= len(rs.Rows) {
		return rs
	}
	return &ResultSet{Columns: rs.Columns, Rows: rs.Rows[:n], Truncated: true}
}

// Backend is a database the engine can send statements to.
type Backend interface {
	// Query runs sql and scans at most maxRows rows. A negative maxRows means
	// no cap. Truncated is set when more rows were available.
	Query(ctx context.Context, sql string, maxRows int) (*ResultSet, error)
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

type Config struct {
	Logger    *slog.Logger
	Backend   Backend
	Guardrail *guard.Guardrail

	// Timeout is the wall-clock ceiling for a single execution.
	Timeout time.Duration
	// MaxRows caps the rows kept from a single execution.
	MaxRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Guardrail == nil {
		return errors.New("guardrail is required")
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be non-negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRows < 0 {
		return errors.New("max rows must be non-negative")
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}
	return &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (e *Engine) Guardrail() *guard.Guardrail {
	return e.cfg.Guardrail
}

func (e *Engine) Backend() Backend {
	return e.cfg.Backend
}

// Run enforces the guardrail on sql and executes the result once.
func (e *Engine) Run(ctx context.Context, sql string) (*ResultSet, error) {
	return e.run(ctx, sql, e.cfg.MaxRows)
}

// Sample enforces the guardrail on sql and keeps at most n rows.
func (e *Engine) Sample(ctx context.Context, sql string, n int) (*ResultSet, error) {
	if n <= 0 || n > e.cfg.MaxRows {
		n = e.cfg.MaxRows
	}
	return e.run(ctx, sql, n)
}

func (e *Engine) run(ctx context.Context, sql string, maxRows int) (*ResultSet, error) {
	enforced, err := e.cfg.Guardrail.Enforce(sql)
	if err != nil {
		return nil, err
	}

	rs, err := e.execute(ctx, enforced, maxRows)
	if err != nil {
		return nil, err
	}
	if rs.Truncated {
		e.log.Warn("engine: result truncated", "max_rows", maxRows)
	}
	return rs, nil
}

// Explain plans sql without running it. The statement is not enforced; it
// is only ever reached after the static checks passed.
func (e *Engine) Explain(ctx context.Context, sql string) error {
	_, err := e.execute(ctx, "EXPLAIN "+guard.Clean(sql), -1)
	return err
}

// Probe runs sql and reports the columns it produced.
func (e *Engine) Probe(ctx context.Context, sql string) ([]string, error) {
	rs, err := e.execute(ctx, guard.Clean(sql), 0)
	if err != nil {
		return nil, err
	}
	return rs.Columns, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.cfg.Backend.Ping(ctx)
}

func (e *Engine) Close() error {
	return e.cfg.Backend.Close()
}

func (e *Engine) execute(ctx context.Context, sql string, maxRows int) (*ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	backend := e.cfg.Backend.Name()
	start := time.Now()
	e.log.Debug("engine: executing statement", "backend", backend, "sql", sql)

	rs, err := e.cfg.Backend.Query(ctx, sql, maxRows)
	duration := time.Since(start)
	metrics.QueryDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.QueriesTotal.WithLabelValues(backend, "timeout").Inc()
			return nil, &ExecutionTimeoutError{Timeout: e.cfg.Timeout, Err: err}
		}
		metrics.QueriesTotal.WithLabelValues(backend, "error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(backend, "success").Inc()
	e.log.Debug("engine: statement executed", "backend", backend, "rows", rs.Len(), "duration", duration)
	return rs, nil
}

// ExecutionTimeoutError is returned when a statement exceeds the wall-clock
// ceiling.
type ExecutionTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("query exceeded timeout of %s", e.Timeout)
}

func (e *ExecutionTimeoutError) Unwrap() error {
	return e.Err
}

// Transient reports that the same statement may succeed on another attempt.
func (e *ExecutionTimeoutError) Transient() bool {
	return true
}
