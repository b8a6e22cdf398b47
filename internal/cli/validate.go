package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/config"
)

// ConfigValidation holds the result of validate-config.
type ConfigValidation struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
	Field string `json:"field,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewValidateConfigCommand creates the validate-config command.
func NewValidateConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config <file>",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the configuration schema,
after applying SCENESYNC_* environment overrides.

Exit codes:
  0 - Valid
  1 - Invalid configuration
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateConfig(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidateConfig(opts *RootOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "config file not found", err)
	}

	cfg, err := config.Load(path)
	if err == nil {
		if opts.Verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "[verbose] log level %s, tick rate %s\n", cfg.Log.Level, cfg.Loop.TickRate)
		}
		if opts.Format == "json" {
			return respond(cmd.OutOrStdout(), ConfigValidation{Valid: true, Path: path}, nil)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid\n", path)
		return nil
	}

	result := ConfigValidation{Path: path, Error: err.Error()}
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		result.Field = ve.Field
		result.Error = ve.Err.Error()
	}
	if opts.Format == "json" {
		return respond(cmd.OutOrStdout(), result, &CLIError{
			Code:    ErrCodeInvalidConfig,
			Message: "invalid configuration",
			Details: result,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✗ %s is invalid\n", path)
	if result.Field != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Field: %s\n", result.Field)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", result.Error)
	return NewExitError(ExitFailure, "invalid configuration")
}
