package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/apsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to apsync.toml; empty searches the default locations
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the apsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "apsync",
		Short: "apsync - cloud file tree sync client",
		Long: `A client-side sync engine for a cloud file tree.

apsync applies the server's action-packet stream to an in-memory tree and
an encrypted local cache, in strict arrival order, and keeps the cache
consistent with the server's commit markers.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (default ./apsync.toml or $HOME/.config/apsync/apsync.toml)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// cacheFlags registers the flags that override the cache section of the
// config file. Their names match the keys config.Load binds.
func cacheFlags(fs *pflag.FlagSet) {
	fs.String("backend", "", "cache backend (sqlite|leveldb|memory)")
	fs.String("db", "", "cache database path")
	fs.String("cache-key", "", "file holding the cache master key")
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		if opts.Format == "json" {
			_ = newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()).Error(ErrCodeConfig, err.Error(), nil)
		}
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}
