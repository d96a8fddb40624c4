package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/guard"
	"github.com/spf13/cobra"
)

type ValidateCmd struct{}

func NewValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [sql]",
		Short: "Check a SQL statement against the guardrails and the engine planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := sqlArg(cmd, args)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			vr := a.Validator.Validate(ctx, sql)
			printValidation(cmd.OutOrStdout(), vr)
			if !vr.Valid {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "read the SQL from a file ('-' for stdin)")
	return cmd
}

// sqlArg takes the statement from the arguments or from --file.
func sqlArg(cmd *cobra.Command, args []string) (string, error) {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return "", fmt.Errorf("failed to get file flag: %w", err)
	}
	var sql string
	switch {
	case path == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		sql = string(data)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		sql = string(data)
	default:
		sql = strings.Join(args, " ")
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", errors.New("sql is required")
	}
	return sql, nil
}

func printValidation(w io.Writer, vr guard.ValidationResult) {
	if vr.Valid {
		fmt.Fprintln(w, "valid")
		return
	}
	if vr.Unsafe {
		fmt.Fprintln(w, "invalid (unsafe)")
	} else {
		fmt.Fprintln(w, "invalid")
	}
	for _, e := range vr.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}
