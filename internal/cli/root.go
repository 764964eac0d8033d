package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string // empty reads config.DefaultPath when present
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the xrmsim CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "xrmsim",
		Short: "xrmsim - plugin pipeline simulator",
		Long: `Simulate the plugin execution pipeline of a business platform.

Requests run through Prevalidation, Preoperation, the core operation and
Postoperation, with pre/post entity images and an optional step audit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeGeneric,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./"+config.DefaultPath+" if present)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig reads configuration and builds the command logger. Logs go
// to stderr so they never mix with command output.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Log.Logger(cmd.ErrOrStderr(), o.Verbose), nil
}
