package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/apsync/internal/apply"
	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
	"github.com/roach88/apsync/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Table  string
	Handle string
}

// TableCount is the number of cached rows of one table.
type TableCount struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// InspectResult describes a local cache.
type InspectResult struct {
	Backend     string          `json:"backend"`
	Path        string          `json:"path,omitempty"`
	Watermark   string          `json:"watermark"`
	NeedsResync bool            `json:"needs_resync"`
	Tables      []TableCount    `json:"tables,omitempty"`
	Rows        []record.Object `json:"rows,omitempty"`
}

func (r InspectResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend:   %s", r.Backend)
	if r.Path != "" {
		fmt.Fprintf(&b, " (%s)", r.Path)
	}
	b.WriteByte('\n')
	if r.NeedsResync {
		b.WriteString("Watermark: none (cache needs a resync)")
		return b.String()
	}
	fmt.Fprintf(&b, "Watermark: %s\n", r.Watermark)
	for _, t := range r.Tables {
		fmt.Fprintf(&b, "  %-3s %d rows\n", t.Name, t.Rows)
	}
	for _, row := range r.Rows {
		data, err := record.MarshalCanonical(row)
		if err != nil {
			fmt.Fprintf(&b, "  <%v>\n", err)
			continue
		}
		fmt.Fprintf(&b, "  %s\n", data)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// tableAliases maps readable names onto cache table names.
var tableAliases = map[string]string{
	"nodes":      apply.TableNodes,
	"shares":     apply.TableShares,
	"user-attrs": apply.TableUserAttrs,
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the state of the local cache",
		Long: `Show the watermark and row counts of the local cache.

The cache is opened without its flusher and is never modified, even when
its watermark is unreadable.

Exit codes:
  0 - Cache is valid
  1 - Cache needs a resync
  2 - Command error (bad config, missing key, etc.)

Examples:
  apsync inspect
  apsync inspect --table nodes
  apsync inspect --table nodes --handle AAAAAAAA --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "", "dump the rows of a table (nodes|shares|user-attrs)")
	cmd.Flags().StringVar(&opts.Handle, "handle", "", "dump one row by key (requires --table)")
	cacheFlags(cmd.Flags())

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Handle != "" && opts.Table == "" {
		return NewExitError(ExitCommandError, "--handle requires --table")
	}
	table := opts.Table
	if alias, ok := tableAliases[table]; ok {
		table = alias
	}

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	key, err := feed.ReadCacheKey(cfg.Keys.CacheKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load cache key", err)
	}
	c, err := codec.New(key)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid cache key", err)
	}
	b, err := backend.Open(backend.Kind(cfg.Cache.Backend), cfg.Cache.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	sopts := session.StoreOptions(cfg)
	sopts.Tables = apply.Tables()
	sopts.ManualFlush = true
	sopts.KeepInvalid = true
	sopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		sopts.Logger = slog.New(slog.NewTextHandler(formatter.GetErrWriter(), nil))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(ctx, b, c, sopts)
	if err != nil {
		_ = b.Close()
		return WrapExitError(ExitCommandError, "failed to open cache", err)
	}
	defer st.Close(context.Background())

	result := InspectResult{
		Backend:     b.Name(),
		Watermark:   st.Watermark(),
		NeedsResync: st.NeedsResync(),
	}
	if result.Backend != string(backend.KindMemory) {
		result.Path = cfg.Cache.Path
	}

	if result.NeedsResync {
		if err := formatter.Success(result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "cache needs a resync")
	}

	if err := inspectTables(ctx, st, table, opts.Handle, &result); err != nil {
		if errors.Is(err, store.ErrUnknownTable) {
			return WrapExitError(ExitCommandError, "unknown table", err)
		}
		_ = formatter.Error(ErrCodeCache, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read cache", err)
	}
	return formatter.Success(result)
}

func inspectTables(ctx context.Context, st *store.Store, table, handle string, result *InspectResult) error {
	if table != "" && handle != "" {
		row, err := st.GetRow(ctx, table, handle)
		if err != nil {
			return err
		}
		result.Rows = []record.Object{row}
		return nil
	}

	for _, t := range apply.Tables() {
		if table != "" && t.Name != table {
			continue
		}
		rows, err := st.Get(ctx, t.Name)
		if err != nil {
			return err
		}
		result.Tables = append(result.Tables, TableCount{Name: t.Name, Rows: len(rows)})
		if table != "" {
			result.Rows = rows
		}
	}
	if table != "" && len(result.Tables) == 0 {
		return fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	return nil
}
