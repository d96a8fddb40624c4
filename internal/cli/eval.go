package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/pipeline"
	"github.com/spf13/cobra"
)

type EvalCmd struct{}

func NewEvalCmd() *EvalCmd {
	return &EvalCmd{}
}

// Asker answers one question.
type Asker interface {
	Run(ctx context.Context, question string) *pipeline.Result
}

type EvalResult struct {
	Question string
	Mode     pipeline.Mode
	Rows     int
	Chart    bool
	Answer   string
	Duration time.Duration
}

func (c *EvalCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <questions-file>",
		Short: "Run a batch of questions concurrently and summarize the outcomes",
		Long:  "Run every question in the file (one per line, '#' starts a comment; '-' reads stdin) and print a table of modes, row counts and charts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, err := cmd.Flags().GetInt("concurrency")
			if err != nil {
				return fmt.Errorf("failed to get concurrency flag: %w", err)
			}
			if concurrency <= 0 {
				return errors.New("concurrency must be positive")
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}
			questions, err := readQuestions(r)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				return errors.New("no questions found")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Log.Info("cli: running eval", "questions", len(questions), "concurrency", concurrency)
			results, err := runEval(ctx, a.Pipeline, questions, concurrency)
			if err != nil {
				return err
			}
			printEval(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().IntP("concurrency", "c", 2, "questions answered at once")
	return cmd
}

func readQuestions(r io.Reader) ([]string, error) {
	var questions []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return questions, nil
}

// runEval answers questions on a bounded pool. Results keep input order.
func runEval(ctx context.Context, asker Asker, questions []string, concurrency int) ([]EvalResult, error) {
	pool := pond.NewResultPool[EvalResult](concurrency)
	defer pool.StopAndWait()

	tasks := make([]pond.Result[EvalResult], 0, len(questions))
	for _, q := range questions {
		tasks = append(tasks, pool.Submit(func() EvalResult {
			start := time.Now()
			res := asker.Run(ctx, q)
			return EvalResult{
				Question: q,
				Mode:     res.Mode,
				Rows:     len(res.Data),
				Chart:    res.ChartImage != "",
				Answer:   res.Answer,
				Duration: time.Since(start),
			}
		}))
	}

	results := make([]EvalResult, 0, len(tasks))
	for i, task := range tasks {
		res, err := task.Wait()
		if err != nil {
			return nil, fmt.Errorf("question %d failed: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func printEval(w io.Writer, results []EvalResult) {
	table := newTable(w, []string{"#", "Question", "Mode", "Rows", "Chart", "Duration"})
	var charts, errored int
	for i, r := range results {
		chart := "no"
		if r.Chart {
			chart = "yes"
			charts++
		}
		if r.Mode == pipeline.ModeError {
			errored++
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			r.Question,
			string(r.Mode),
			fmt.Sprintf("%d", r.Rows),
			chart,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	fmt.Fprintf(w, "%d questions, %d charts, %d errors\n", len(results), charts, errored)
}
