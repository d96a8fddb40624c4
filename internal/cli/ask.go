package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/spf13/cobra"
)

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question with SQL, data and a chart",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Pipeline.Run(ctx, question)
			if asJSON {
				return writeResultJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res, a.Store.Dir())
			if res.Mode == pipeline.ModeError {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the full result as JSON")
	return cmd
}

func writeResultJSON(w io.Writer, res *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func printResult(w io.Writer, res *pipeline.Result, chartDir string) {
	fmt.Fprintln(w, res.Answer)
	if res.SQL != nil {
		fmt.Fprintf(w, "\nSQL:\n%s\n", *res.SQL)
	}
	if len(res.Preview) > 0 {
		fmt.Fprintf(w, "\nFirst %d of %d rows:\n", len(res.Preview), len(res.Data))
		printRows(w, res.Columns, res.Preview)
	}
	if res.ChartImage != "" {
		fmt.Fprintf(w, "\nChart: %s/%s\n", strings.TrimRight(chartDir, "/"), res.ChartImage)
	}
}
