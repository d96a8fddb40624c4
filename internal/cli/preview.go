package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type PreviewCmd struct{}

func NewPreviewCmd() *PreviewCmd {
	return &PreviewCmd{}
}

func (c *PreviewCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show a few rows of the primary trip view",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := cmd.Flags().GetInt("rows")
			if err != nil {
				return fmt.Errorf("failed to get rows flag: %w", err)
			}
			if rows <= 0 {
				return fmt.Errorf("rows must be positive")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cols := a.Catalog.PreviewColumns()
			if len(cols) == 0 {
				cols = []string{"*"}
			}
			sql := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(cols, ", "), a.Catalog.PrimaryView(), rows)
			rs, err := a.Engine.Run(ctx, sql)
			if err != nil {
				return fmt.Errorf("failed to preview %s: %w", a.Catalog.PrimaryView(), err)
			}
			printRows(cmd.OutOrStdout(), rs.Columns, rs.Rows)
			return nil
		},
	}
	cmd.Flags().IntP("rows", "n", 5, "number of rows to show")
	return cmd
}
