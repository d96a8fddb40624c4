// Package duck is the DuckDB backend. It owns the process-wide database
// handle and bootstraps the dataset views once on open.
package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

const name = "duckdb"

type Config struct {
	Logger *slog.Logger
	// Path is the database file; empty opens an in-memory database.
	Path string
	// Setup statements run once, in order, after the database is opened.
	Setup []string
	// Threads bounds DuckDB worker threads when positive.
	Threads int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Threads < 0 {
		return errors.New("threads must be non-negative")
	}
	return nil
}

type Backend struct {
	log *slog.Logger
	db  *sql.DB
}

// Open opens the database at cfg.Path and runs the setup statements.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate duckdb config: %w", err)
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	b, err := NewWithDB(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(ctx context.Context, cfg Config, db *sql.DB) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate duckdb config: %w", err)
	}

	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads = %d", cfg.Threads)); err != nil {
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}
	for i, stmt := range cfg.Setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to run setup statement %d: %w", i+1, err)
		}
	}
	if len(cfg.Setup) > 0 {
		cfg.Logger.Info("duckdb: dataset ready", "path", cfg.Path, "statements", len(cfg.Setup))
	}

	return &Backend{
		log: cfg.Logger,
		db:  db,
	}, nil
}

func (b *Backend) Name() string {
	return name
}

func (b *Backend) DB() *sql.DB {
	return b.db
}

func (b *Backend) Ping(ctx context.Context) error {
	var one int
	if err := b.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Query(ctx context.Context, query string, maxRows int) (*engine.ResultSet, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	rs := &engine.ResultSet{Columns: columns, Rows: []engine.Row{}}
	for rows.Next() {
		if maxRows >= 0 && len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(engine.Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// normalize converts driver-specific values into plain Go values. NaN and
// infinities become nil.
func normalize(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case []byte:
		return string(v)
	case *big.Int:
		if v.IsInt64() {
			return v.Int64()
		}
		f, _ := new(big.Float).SetInt(v).Float64()
		return finite(f)
	case duckdb.Decimal:
		return v.Float64()
	default:
		return val
	}
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
