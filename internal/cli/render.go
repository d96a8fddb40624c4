package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/render"
	"github.com/spf13/cobra"
)

const renderRows = 500

type RenderCmd struct{}

func NewRenderCmd() *RenderCmd {
	return &RenderCmd{}
}

func (c *RenderCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render --spec <file> [sql]",
		Short: "Run a query and draw it with a chart spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, err := cmd.Flags().GetString("spec")
			if err != nil {
				return fmt.Errorf("failed to get spec flag: %w", err)
			}
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return fmt.Errorf("failed to get out flag: %w", err)
			}
			sql, err := sqlArg(cmd, args)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("failed to read spec %s: %w", specPath, err)
			}
			spec, err := chartspec.Parse(string(raw))
			if err != nil {
				return fmt.Errorf("failed to parse spec: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rs, err := a.Engine.Sample(ctx, sql, renderRows)
			if err != nil {
				return fmt.Errorf("failed to execute query: %w", err)
			}
			if err := chartspec.Validate(spec, rs.Columns); err != nil {
				return fmt.Errorf("spec does not fit the result: %w", err)
			}

			name := ""
			if out == "" {
				name, out = a.Store.Allocate()
			}
			if err := a.Renderer.Render(rs, spec, out); err != nil {
				if errors.Is(err, render.ErrNoChart) {
					fmt.Fprintln(cmd.OutOrStdout(), "spec type is none; nothing drawn")
					return nil
				}
				return fmt.Errorf("failed to render chart: %w", err)
			}
			if name != "" {
				if err := a.Store.Publish(ctx, name); err != nil {
					a.Log.Warn("cli: failed to publish chart", "name", name, "error", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rows drawn as %s chart: %s\n", rs.Len(), spec.Type, out)
			return nil
		},
	}
	cmd.Flags().String("spec", "", "chart spec JSON file")
	cmd.Flags().StringP("out", "o", "", "output image path (.png, .svg, .pdf); defaults to the chart directory")
	cmd.Flags().StringP("file", "f", "", "read the SQL from a file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}
