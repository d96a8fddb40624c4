// Package clickhouse is a ClickHouse backend for deployments that load the
// trip dataset into a ClickHouse server instead of a local DuckDB file.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

const name = "clickhouse"

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string

	DialTimeout time.Duration
	// MaxExecutionTime is enforced server side, in seconds.
	MaxExecutionTime int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = 60
	}
	return nil
}

// Conn is the subset of driver.Conn the backend uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

type Backend struct {
	log  *slog.Logger
	conn Conn
}

func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.Info("clickhouse: client initialized", "addr", cfg.Addr, "database", cfg.Database)
	return New(cfg.Logger, conn), nil
}

func New(log *slog.Logger, conn Conn) *Backend {
	return &Backend{log: log, conn: conn}
}

func (b *Backend) Name() string {
	return name
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.conn.Ping(ctx)
}

func (b *Backend) Close() error {
	return b.conn.Close()
}

func (b *Backend) Query(ctx context.Context, query string, maxRows int) (*engine.ResultSet, error) {
	// Best effort: a server profile may already pin readonly or forbid
	// changing it, in which case the guardrail is the only line.
	if err := b.conn.Exec(ctx, "SET readonly = 1"); err != nil {
		b.log.Debug("clickhouse: readonly not applied", "error", err)
	}

	rows, err := b.conn.Query(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "readonly") && strings.Contains(err.Error(), "max_execution_time") {
			rows, err = b.conn.Query(ctx, query)
		}
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()

	rs := &engine.ResultSet{Columns: columns, Rows: []engine.Row{}}
	for rows.Next() {
		if maxRows >= 0 && len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}

		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(engine.Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(reflect.ValueOf(dest[i]).Elem())
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// normalize unwraps nullable pointers and converts driver types into plain
// Go values.
func normalize(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}

	switch val := v.Interface().(type) {
	case []byte:
		return string(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil
		}
		return float64(val)
	case time.Time, string, bool, int64:
		return val
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	}

	// Decimals, big integers and UUIDs render through their String method.
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return v.Interface()
}
