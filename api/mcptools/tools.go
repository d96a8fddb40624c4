// Package mcptools exposes the question-to-chart service as MCP tools.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oowenn/NYC-Taxi-Analysis/api/metrics"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/guard"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
)

// Asker answers a natural-language question.
type Asker interface {
	Run(ctx context.Context, question string) *pipeline.Result
}

type SQLValidator interface {
	Validate(ctx context.Context, sql string) guard.ValidationResult
}

type Config struct {
	Logger    *slog.Logger
	Version   string
	Asker     Asker
	Validator SQLValidator
	Catalog   *catalog.Catalog
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Asker == nil {
		return errors.New("asker is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

// NewServer builds an MCP server with every tool registered.
func NewServer(cfg Config) (*mcp.Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mcp config: %w", err)
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "NYC Taxi Analysis MCP Server",
		Version: cfg.Version,
	}, nil)

	if err := RegisterAskTool(cfg.Logger, server, cfg.Asker); err != nil {
		return nil, err
	}
	if err := RegisterValidateSQLTool(cfg.Logger, server, cfg.Validator); err != nil {
		return nil, err
	}
	if err := RegisterDescribeDatasetTool(cfg.Logger, server, cfg.Catalog); err != nil {
		return nil, err
	}
	return server, nil
}

type AskInput struct {
	Question string `json:"question" jsonschema:"natural-language question about NYC high-volume for-hire trips"`
}

type AskOutput struct {
	Answer        string          `json:"answer"`
	SQL           string          `json:"sql,omitempty"`
	Mode          string          `json:"mode"`
	Columns       []string        `json:"columns,omitempty"`
	RowCount      int             `json:"row_count"`
	Preview       []engine.Row    `json:"data_preview"`
	Chart         *chartspec.Spec `json:"chart,omitempty"`
	ChartImageURL string          `json:"chart_image_url,omitempty"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, asker Asker) error {
	req, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: "ask",
		Description: `
			Answer a question about NYC high-volume for-hire vehicle trips (Uber, Lyft, Via, Juno).
			The question is translated to a read-only SQL query, executed, and charted.
			Returns the answer, the SQL that ran, a preview of the rows, and a chart image URL when a chart was drawn.
		`,
		InputSchema: req,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling ask", "question", in.Question)
		out, err := handleAsk(ctx, asker, in)
		metrics.ObserveToolCall("ask", start, err)
		if err != nil {
			return nil, AskOutput{}, err
		}
		return nil, out, nil
	})
	return nil
}

func handleAsk(ctx context.Context, asker Asker, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, errors.New("question is required")
	}
	res := asker.Run(ctx, question)
	out := AskOutput{
		Answer:   res.Answer,
		Mode:     string(res.Mode),
		Columns:  res.Columns,
		RowCount: len(res.Data),
		Preview:  res.Preview,
		Chart:    res.Chart,
	}
	if res.SQL != nil {
		out.SQL = *res.SQL
	}
	if res.ChartImage != "" {
		out.ChartImageURL = ChartImageURL(res.ChartImage)
	}
	return out, nil
}

// ChartImageURL is the API path serving the named chart.
func ChartImageURL(name string) string {
	return "/api/chart-image?name=" + url.QueryEscape(name)
}

type ValidateSQLInput struct {
	SQL string `json:"sql" jsonschema:"SQL statement to check against the dataset guardrails"`
}

type ValidateSQLOutput struct {
	Valid  bool     `json:"valid"`
	Unsafe bool     `json:"unsafe"`
	Errors []string `json:"errors"`
}

func RegisterValidateSQLTool(log *slog.Logger, server *mcp.Server, validator SQLValidator) error {
	req, err := jsonschema.For[ValidateSQLInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create validate_sql input schema: %w", err)
	}
	res, err := jsonschema.For[ValidateSQLOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create validate_sql output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: "validate_sql",
		Description: `
			Check a SQL statement without returning data.
			Reports forbidden keywords, reads outside the allowed views, unknown columns, and planning errors.
		`,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ValidateSQLInput) (*mcp.CallToolResult, ValidateSQLOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling validate_sql", "sql", in.SQL)
		if strings.TrimSpace(in.SQL) == "" {
			err := errors.New("sql is required")
			metrics.ObserveToolCall("validate_sql", start, err)
			return nil, ValidateSQLOutput{}, err
		}
		vr := validator.Validate(ctx, in.SQL)
		metrics.ObserveToolCall("validate_sql", start, nil)
		errs := vr.Errors
		if errs == nil {
			errs = []string{}
		}
		return nil, ValidateSQLOutput{Valid: vr.Valid, Unsafe: vr.Unsafe, Errors: errs}, nil
	})
	return nil
}

type DescribeDatasetInput struct{}

type DescribeDatasetOutput struct {
	PrimaryView string           `json:"primary_view"`
	Views       []catalog.View   `json:"views"`
	Columns     []catalog.Column `json:"columns"`
	DataWindow  catalog.Window   `json:"data_window"`
}

func RegisterDescribeDatasetTool(log *slog.Logger, server *mcp.Server, cat *catalog.Catalog) error {
	req, err := jsonschema.For[DescribeDatasetInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe_dataset input schema: %w", err)
	}
	res, err := jsonschema.For[DescribeDatasetOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe_dataset output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "describe_dataset",
		Description:  "List the queryable views, the trip columns with their types, and the date range the data covers.",
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ DescribeDatasetInput) (*mcp.CallToolResult, DescribeDatasetOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling describe_dataset")
		out := describeDataset(cat)
		metrics.ObserveToolCall("describe_dataset", start, nil)
		return nil, out, nil
	})
	return nil
}

func describeDataset(cat *catalog.Catalog) DescribeDatasetOutput {
	return DescribeDatasetOutput{
		PrimaryView: cat.PrimaryView(),
		Views:       cat.Views(),
		Columns:     cat.ColumnDefs(),
		DataWindow:  cat.DataWindow(),
	}
}
