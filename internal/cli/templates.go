package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/spf13/cobra"
)

type TemplatesCmd struct{}

func NewTemplatesCmd() *TemplatesCmd {
	return &TemplatesCmd{}
}

func (c *TemplatesCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates [name]",
		Short: "List the metric templates, or run one by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				printTemplates(cmd.OutOrStdout(), pipeline.DefaultTemplates())
				return nil
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tmpl, ok := pipeline.FindTemplate(a.Pipeline.Templates(), args[0])
			if !ok {
				return fmt.Errorf("template %q not found", args[0])
			}
			res := a.Pipeline.RunTemplate(ctx, tmpl)
			printResult(cmd.OutOrStdout(), res, a.Store.Dir())
			if res.Mode == pipeline.ModeError {
				return errReported
			}
			return nil
		},
	}
	return cmd
}

func printTemplates(w io.Writer, templates []pipeline.Template) {
	table := newTable(w, []string{"Name", "Description", "Keywords", "Chart"})
	for _, t := range templates {
		chart := ""
		if t.Chart != nil {
			chart = string(t.Chart.Type)
		}
		table.Append([]string{t.Name, t.Description, strings.Join(t.Keywords, ", "), chart})
	}
	table.Render()
}
