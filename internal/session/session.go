// Package session wires the sync pipeline together: cache, tree, handler
// registry, decryption pool, prefetch scheduler and sequencer.
//
// A Session is opened from a config.Config plus the collaborators that live
// outside the pipeline (the remote resolver and the key ring). When the cache
// holds no valid watermark, Open repopulates it from a full snapshot before
// returning. Later invalidations requested by the cache are served on the
// sequencer goroutine while Run is active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/apsync/internal/apply"
	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/config"
	"github.com/roach88/apsync/internal/decrypt"
	"github.com/roach88/apsync/internal/dispatch"
	"github.com/roach88/apsync/internal/engine"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/prefetch"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/schema"
	"github.com/roach88/apsync/internal/store"
	"github.com/roach88/apsync/internal/tree"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("session: closed")

// Snapshot is a complete copy of the remote tree as of Marker.
type Snapshot struct {
	Nodes  []record.SealedNode
	Marker string
}

// Resolver is the remote authority.
type Resolver interface {
	prefetch.Resolver
	FetchTree(ctx context.Context) (Snapshot, error)
}

// Deps are the collaborators a session cannot build from config.
type Deps struct {
	Resolver Resolver
	KeyRing  codec.KeyRing
	// CacheKey is the master key of the local cache.
	CacheKey []byte
	// Backend overrides the backend named in the config.
	Backend backend.Backend
	// Reissuer re-runs superseded local requests. Optional.
	Reissuer   engine.Reissuer
	RequestIDs engine.RequestIDGenerator
	// Register adds handlers beyond the reference set. Optional.
	Register func(*dispatch.Builder) *dispatch.Builder
	Logger   *slog.Logger
}

// Health combines the cache and pipeline signals.
type Health struct {
	Cache store.Health
	// Busy is true while the cache applies backpressure.
	Busy bool
	// Crashed is the cache failure state: "ok", "read-only" or "unusable".
	Crashed         string
	DecryptBacklog  int
	PrefetchPending int
	Resyncs         int64
}

// Session is one running sync pipeline.
type Session struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger

	codec    *codec.Codec
	store    *store.Store
	tree     *tree.Tree
	registry *dispatch.Registry
	handlers *apply.Handlers
	pool     *decrypt.Pool
	prefetch *prefetch.Scheduler
	seq      *engine.Sequencer

	reloads   chan error
	running   atomic.Bool
	started   atomic.Bool
	resyncs   atomic.Int64
	closeOnce sync.Once
}

// Open builds a session and makes sure the cache is usable.
func Open(ctx context.Context, cfg config.Config, deps Deps) (*Session, error) {
	if deps.Resolver == nil {
		return nil, errors.New("session: resolver is required")
	}
	if deps.KeyRing == nil {
		return nil, errors.New("session: key ring is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c, err := codec.New(deps.CacheKey)
	if err != nil {
		return nil, fmt.Errorf("session: cache key: %w", err)
	}

	b := deps.Backend
	if b == nil {
		b, err = backend.Open(backend.Kind(cfg.Cache.Backend), cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("session: open backend: %w", err)
		}
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "session"),
		codec:   c,
		reloads: make(chan error, 1),
	}

	opts := StoreOptions(cfg)
	opts.Tables = apply.Tables()
	opts.OnReload = s.requestResync
	opts.Logger = deps.Logger
	s.store, err = store.Open(ctx, b, c, opts)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	if err := s.build(); err != nil {
		_ = s.store.Close(ctx)
		return nil, err
	}

	if s.store.NeedsResync() {
		if err := s.resync(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

// build assembles everything above the cache.
func (s *Session) build() error {
	var v *schema.Schema
	var err error
	if dir := s.cfg.Pipeline.SchemaDir; dir != "" {
		v, err = schema.Load(dir)
	} else {
		v, err = schema.Default()
	}
	if err != nil {
		return fmt.Errorf("session: payload schema: %w", err)
	}

	s.tree = tree.New()
	s.handlers = apply.New(s.tree, s.store, s.deps.Logger)

	b := s.handlers.Register(dispatch.NewBuilder(
		dispatch.WithValidator(v),
		dispatch.WithLogger(s.deps.Logger),
	))
	if s.deps.Register != nil {
		b = s.deps.Register(b)
	}
	s.registry, err = b.Build()
	if err != nil {
		return fmt.Errorf("session: handlers: %w", err)
	}

	opts := []engine.Option{
		engine.WithBurst(s.cfg.Pipeline.Burst),
		engine.WithBusyBackoff(s.cfg.Pipeline.BusyBackoff),
		engine.WithNodeSink(s.handlers.Mirror),
		engine.WithLogger(s.deps.Logger),
	}
	if s.deps.Reissuer != nil {
		opts = append(opts, engine.WithReissuer(s.deps.Reissuer))
	}
	if s.deps.RequestIDs != nil {
		opts = append(opts, engine.WithRequestIDs(s.deps.RequestIDs))
	}
	s.seq = engine.New(engine.Deps{
		Tree:       s.tree,
		Dispatcher: s.registry,
		Store:      s.store,
		Codec:      s.codec,
		KeyRing:    s.deps.KeyRing,
	}, opts...)

	s.pool = decrypt.New(s.cfg.Pipeline.Workers, s.codec, s.deps.KeyRing, s.seq.DecryptDone, s.deps.Logger)
	s.prefetch = prefetch.New(PrefetchConfig(s.cfg), s.tree.Resident, apply.Loader{Cache: s.store},
		s.deps.Resolver, s.store.Busy, s.seq.PrefetchDone, s.deps.Logger)
	s.seq.Attach(s.pool, s.prefetch)

	// New keys may unlock quarantined nodes.
	s.seq.OnDispatch(func(e engine.DispatchEvent) {
		if e.Kind == record.KindKeyUpdate {
			s.seq.RetryKeyMissing()
		}
	})
	return nil
}

// StoreOptions maps the cache section of cfg onto store options.
func StoreOptions(cfg config.Config) store.Options {
	opts := store.DefaultOptions()
	c := cfg.Cache
	if c.TableLimit > 0 {
		opts.TableLimit = c.TableLimit
	}
	if c.BusyLimit > 0 {
		opts.BusyLimit = c.BusyLimit
	}
	if c.RetryInitial > 0 {
		opts.Retry.Initial = c.RetryInitial
	}
	if c.RetryMax > 0 {
		opts.Retry.Max = c.RetryMax
	}
	if c.CrashAfter > 0 {
		opts.Retry.DisableBackpressureAfter = c.DisableBackpressureAfter
		opts.Retry.ReloadAfter = c.ReloadAfter
		opts.Retry.CrashAfter = c.CrashAfter
	}
	return opts
}

// PrefetchConfig maps the prefetch section of cfg onto scheduler settings.
func PrefetchConfig(cfg config.Config) prefetch.Config {
	return prefetch.Config{
		Window:      cfg.Prefetch.Window,
		BatchSize:   cfg.Prefetch.BatchSize,
		MaxAttempts: cfg.Prefetch.MaxAttempts,
		Timeout:     cfg.Prefetch.Timeout,
	}
}

// Start launches the decryption workers. Run calls it; callers that drive
// the sequencer with Poll call it themselves.
func (s *Session) Start(ctx context.Context) {
	if s.started.CompareAndSwap(false, true) {
		s.pool.Start(ctx)
	}
}

// Run drives the pipeline until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.Start(ctx)
	s.running.Store(true)
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		err := s.seq.Run(gctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.watchReloads(gctx)
		return nil
	})
	return g.Wait()
}

// Poll runs one sequencer iteration on the calling goroutine. It must not
// be mixed with Run.
func (s *Session) Poll(ctx context.Context) int {
	return s.seq.Poll(ctx)
}

func (s *Session) watchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.reloads:
			s.log.Warn("cache requested a full reload", "reason", reason)
			if err := s.seq.Exec(ctx, s.resync); err != nil {
				s.log.Error("resync failed", "error", err)
			}
		}
	}
}

// requestResync is the cache's OnReload callback. Requests coalesce while
// one is queued.
func (s *Session) requestResync(reason error) {
	select {
	case s.reloads <- reason:
	default:
	}
}

// Submit sequences d and returns its slot.
func (s *Session) Submit(d record.Delta) (uint64, error) {
	slot, ok := s.seq.SubmitDelta(d)
	if !ok {
		return slot, ErrClosed
	}
	return slot, nil
}

// TrackRequest records a local request against target and returns its id.
func (s *Session) TrackRequest(target record.Handle) string {
	return s.seq.TrackRequest(target)
}

// OnDispatch registers an observer for committed slots.
func (s *Session) OnDispatch(fn func(engine.DispatchEvent)) {
	s.seq.OnDispatch(fn)
}

// Resync reloads the whole tree from the resolver. While Run is active the
// reload runs on the sequencer goroutine.
func (s *Session) Resync(ctx context.Context) error {
	if s.running.Load() {
		return s.seq.Exec(ctx, s.resync)
	}
	return s.resync(ctx)
}

// resync replaces the cache and the tree with a fresh snapshot and closes
// one generation with the snapshot's marker. Must run on the goroutine that
// owns the tree.
func (s *Session) resync(ctx context.Context) error {
	snap, err := s.deps.Resolver.FetchTree(ctx)
	if err != nil {
		metrics.Resyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("resync: fetch tree: %w", err)
	}
	if snap.Marker == "" {
		metrics.Resyncs.WithLabelValues("failed").Inc()
		return errors.New("resync: snapshot has no marker")
	}

	nodes, missing := s.decryptAll(ctx, snap.Nodes)

	if err := s.store.Reset(ctx); err != nil {
		metrics.Resyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("resync: %w", err)
	}
	s.tree.Reset()
	for i, n := range nodes {
		if n.KeyMissing {
			s.tree.QuarantineKeyMissing(snap.Nodes[i])
		}
		s.tree.Put(n)
		s.handlers.Mirror(n)
	}
	if err := s.store.SetWatermark(snap.Marker); err != nil {
		metrics.Resyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("resync: %w", err)
	}
	if err := s.store.Flush(ctx); err != nil {
		metrics.Resyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("resync: %w", err)
	}

	s.resyncs.Add(1)
	metrics.Resyncs.WithLabelValues("ok").Inc()
	s.log.Info("resync complete", "nodes", len(nodes), "key_missing", missing, "watermark", snap.Marker)
	return nil
}

// decryptAll opens snapshot nodes in parallel. Nodes that fail keep their
// plaintext fields.
func (s *Session) decryptAll(ctx context.Context, sealed []record.SealedNode) ([]record.Node, int) {
	out := make([]record.Node, len(sealed))
	var missing atomic.Int64

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Pipeline.Workers, 1))
	for i, sn := range sealed {
		i, sn := i, sn // per-iteration copies (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			n, err := codec.DecryptNode(sn, s.deps.KeyRing)
			switch {
			case errors.Is(err, codec.ErrKeyMissing):
				n.KeyMissing = true
				missing.Add(1)
			case err != nil:
				s.log.Warn("snapshot node unreadable", "node", sn.Handle, "error", err)
			}
			out[i] = n
			return nil
		})
	}
	_ = g.Wait()
	return out, int(missing.Load())
}

// Health reports the current cache and pipeline state.
func (s *Session) Health() Health {
	h := s.store.Health()
	return Health{
		Cache:           h,
		Busy:            h.Busy,
		Crashed:         h.State.String(),
		DecryptBacklog:  s.pool.Backlog(),
		PrefetchPending: s.prefetch.Pending(),
		Resyncs:         s.resyncs.Load(),
	}
}

// Watermark returns the durable commit marker the feed should resume from.
func (s *Session) Watermark() string {
	return s.store.Watermark()
}

// Store returns the local cache.
func (s *Session) Store() *store.Store { return s.store }

// Sequencer returns the sequencer.
func (s *Session) Sequencer() *engine.Sequencer { return s.seq }

// Tree returns the in-memory tree. Only touch it from the sequencer
// goroutine, through Exec, or while the session is not running.
func (s *Session) Tree() *tree.Tree { return s.tree }

// Close stops the pipeline and flushes the cache.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.seq.Stop()
		s.prefetch.Stop()
		if perr := s.pool.Stop(); perr != nil && !errors.Is(perr, context.Canceled) {
			s.log.Warn("worker pool stopped with error", "error", perr)
		}
		err = s.store.Close(ctx)
	})
	return err
}
