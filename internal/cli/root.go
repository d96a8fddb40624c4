// Package cli is the taxi command line: ask questions, check SQL, render
// chart specs and run question batches against the dataset.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/oowenn/NYC-Taxi-Analysis/internal/app"
	"github.com/oowenn/NYC-Taxi-Analysis/internal/config"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/logger"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("failed")

// Run executes the root command with the process arguments.
func Run(version string) ExitCode {
	rootCmd := NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "taxi",
		Short:         "Ask questions about NYC high-volume for-hire trips and chart the answers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().String("engine", "", "query engine to use (duckdb, clickhouse); overrides $ENGINE")
	rootCmd.PersistentFlags().String("provider", "", "generation provider (ollama, anthropic, groq, openai); overrides $LLM_PROVIDER")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the trip parquet files; overrides $DATA_DIR")
	rootCmd.PersistentFlags().String("chart-dir", "", "directory charts are written to; overrides $CHART_DIR")

	rootCmd.AddCommand(
		NewAskCmd().Command(),
		NewValidateCmd().Command(),
		NewRenderCmd().Command(),
		NewPreviewCmd().Command(),
		NewTemplatesCmd().Command(),
		NewEvalCmd().Command(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies the root flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Root().PersistentFlags()
	overrides := map[string]*string{
		"engine":    &cfg.Engine,
		"provider":  &cfg.LLMProvider,
		"data-dir":  &cfg.DataDir,
		"chart-dir": &cfg.ChartDir,
	}
	for name, dst := range overrides {
		v, err := flags.GetString(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		if v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	// Logs go to stderr so command output stays pipeable.
	return logger.NewWithWriter(os.Stderr, verbose), nil
}

// buildApp wires the service. Generation is only wired when withLLM is set
// and the configuration enables it.
func buildApp(ctx context.Context, cmd *cobra.Command, withLLM bool) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !withLLM {
		cfg.UseLLMPipeline = false
	}
	log, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, log, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build app: %w", err)
	}
	return a, nil
}
