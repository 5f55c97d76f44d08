package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/apsync/internal/config"
)

// NewConfigCommand creates the config command and its subcommands.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the apsync configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Long: `Write the built-in defaults as TOML to path (default apsync.toml).
Use "-" to print them instead. An existing file is kept unless --force
is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "apsync.toml"
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigInit(rootOpts, path, force, cmd)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func runConfigInit(opts *RootOptions, path string, force bool, cmd *cobra.Command) error {
	if path == "-" {
		return config.Write(cmd.OutOrStdout(), config.Default())
	}

	if _, err := os.Stat(path); err == nil && !force {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to overwrite)", path))
	}

	var buf bytes.Buffer
	if err := config.Write(&buf, config.Default()); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}

	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return formatter.Success(map[string]string{"path": path})
	}
	return formatter.Success(fmt.Sprintf("✓ Wrote %s", path))
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after the file, APSYNC_* environment
variables and flags have been applied.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(cfg)
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}
	cacheFlags(cmd.Flags())
	return cmd
}
