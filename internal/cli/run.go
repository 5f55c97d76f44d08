package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/engine"
	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Snapshot string
	Packets  string
	Follow   bool

	// RequestIDs overrides the request id generator (for testing).
	// If nil, the sequencer uses UUIDv7 ids.
	RequestIDs engine.RequestIDGenerator
}

// RunSummary is reported when the run command exits.
type RunSummary struct {
	Watermark string `json:"watermark"`
	Slots     int64  `json:"slots"`
	Failed    int64  `json:"failed"`
	Resyncs   int64  `json:"resyncs"`
	State     string `json:"state"`
	Nodes     int    `json:"nodes"`
}

func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Watermark: %s\n", s.Watermark)
	fmt.Fprintf(&b, "Slots:     %d (%d with errors)\n", s.Slots, s.Failed)
	fmt.Fprintf(&b, "Nodes:     %d\n", s.Nodes)
	fmt.Fprintf(&b, "Resyncs:   %d\n", s.Resyncs)
	fmt.Fprintf(&b, "Cache:     %s", s.State)
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply an action-packet feed to the local cache",
		Long: `Open the local cache and apply an action-packet feed to it.

If the cache holds no valid watermark it is first repopulated from the
snapshot file. Packets are then read from --packets and applied in order.
With --follow the feed file is tailed until interrupted, resuming after the
cache's durable watermark.

Example:
  apsync run --snapshot tree.jsonl --packets feed.jsonl
  apsync run --snapshot tree.jsonl --packets feed.jsonl --follow --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "snapshot file served as the remote authority (required)")
	cmd.Flags().StringVar(&opts.Packets, "packets", "", "action-packet feed file")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep tailing the feed file")
	_ = cmd.MarkFlagRequired("snapshot")

	cacheFlags(cmd.Flags())
	cmd.Flags().Int("workers", 0, "decryption workers")
	cmd.Flags().String("keyring", "", "key ring file (JSON owner -> key)")
	cmd.Flags().String("log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().String("log-file", "", "write logs to a rotated file")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")

	return cmd
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Follow && opts.Packets == "" {
		return NewExitError(ExitCommandError, "--follow requires --packets")
	}

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	log, closer, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	defer closer.Close()

	resolver, err := feed.LoadSnapshot(opts.Snapshot)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load snapshot", err)
	}
	ring, err := loadKeyRing(cfg.Keys.Ring, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load key ring", err)
	}
	cacheKey, err := feed.EnsureCacheKey(cfg.Keys.CacheKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load cache key", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("opening cache", "backend", cfg.Cache.Backend, "path", cfg.Cache.Path)
	s, err := session.Open(ctx, cfg, session.Deps{
		Resolver:   resolver,
		KeyRing:    ring,
		CacheKey:   cacheKey,
		RequestIDs: opts.RequestIDs,
		Logger:     log,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open session", err)
	}
	defer func() {
		if err := s.Close(context.Background()); err != nil {
			log.Error("error closing session", "error", err)
		}
	}()

	var committed, failed atomic.Int64
	s.OnDispatch(func(e engine.DispatchEvent) {
		committed.Add(1)
		if len(e.Errors) > 0 {
			failed.Add(1)
		}
	})

	if err := drive(ctx, s, opts, &committed, log); err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	if err := s.Store().Flush(context.Background()); err != nil {
		log.Warn("final flush failed", "error", err)
	}
	h := s.Health()
	summary := RunSummary{
		Watermark: s.Watermark(),
		Slots:     committed.Load(),
		Failed:    failed.Load(),
		Resyncs:   h.Resyncs,
		State:     h.Crashed,
		Nodes:     s.Tree().Len(),
	}
	if err := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(summary); err != nil {
		return err
	}
	if h.Crashed != "ok" {
		return NewExitError(ExitFailure, fmt.Sprintf("cache is %s", h.Crashed))
	}
	return nil
}

// drive runs the session while packets are fed to it. In batch mode it
// returns once every submitted packet has committed; with --follow it
// returns when ctx is cancelled.
func drive(ctx context.Context, s *session.Session, opts *RunOptions, committed *atomic.Int64, log *slog.Logger) error {
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.Run(gctx)
	})

	var submitted atomic.Int64
	submit := func(d record.Delta) error {
		if _, err := s.Submit(d); err != nil {
			return err
		}
		submitted.Add(1)
		return nil
	}

	g.Go(func() error {
		if opts.Follow {
			return feed.Follow(gctx, opts.Packets, s.Watermark(), submit, log)
		}
		defer stopRun()
		if opts.Packets != "" {
			if err := submitFile(opts.Packets, s.Watermark(), submit, log); err != nil {
				return err
			}
		}
		return waitCommitted(gctx, committed, submitted.Load())
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// submitFile submits every packet of path after the watermark.
func submitFile(path, watermark string, submit func(record.Delta) error, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open packets: %w", err)
	}
	defer f.Close()

	packets, err := feed.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, d := range feed.ResumeAfter(packets, watermark, log) {
		if err := submit(d); err != nil {
			return err
		}
	}
	return nil
}

func waitCommitted(ctx context.Context, committed *atomic.Int64, want int64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for committed.Load() < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func loadKeyRing(path string, log *slog.Logger) (codec.KeyRing, error) {
	if path == "" {
		log.Warn("no key ring configured, nodes will be quarantined until keys arrive")
		return codec.NewMemoryKeyRing(), nil
	}
	return feed.LoadKeyRing(path)
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
