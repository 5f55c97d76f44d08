package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/apply"
	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/config"
	"github.com/roach88/apsync/internal/engine"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
	"github.com/roach88/apsync/internal/testutil"
)

type fixture struct {
	mem      *backend.Memory
	resolver *testutil.FakeResolver
	ring     *codec.MemoryKeyRing
	cfg      config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Backend = string(backend.KindMemory)
	cfg.Cache.RetryInitial = time.Millisecond
	cfg.Cache.RetryMax = 5 * time.Millisecond
	cfg.Pipeline.Workers = 2
	cfg.Prefetch.Window = time.Millisecond
	return &fixture{
		mem: backend.NewMemory(true),
		resolver: testutil.NewFakeResolver("sn-0",
			testutil.Seal(t, "RRRRRRRR", "", record.TypeRoot, ""),
			testutil.Seal(t, "AAAAAAAA", "RRRRRRRR", record.TypeFolder, "docs"),
		),
		ring: testutil.KeyRing(),
		cfg:  cfg,
	}
}

func (f *fixture) deps() session.Deps {
	return session.Deps{
		Resolver:   f.resolver,
		KeyRing:    f.ring,
		CacheKey:   testutil.CacheKey,
		Backend:    f.mem,
		RequestIDs: testutil.NewSequentialIDs("req"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (f *fixture) open(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), f.cfg, f.deps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// pollUntil drives the sequencer on the test goroutine until cond holds.
func pollUntil(t *testing.T, s *session.Session, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll(ctx)
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestOpenRequiresCollaborators(t *testing.T) {
	f := newFixture(t)

	deps := f.deps()
	deps.Resolver = nil
	_, err := session.Open(context.Background(), f.cfg, deps)
	assert.ErrorContains(t, err, "resolver is required")

	deps = f.deps()
	deps.KeyRing = nil
	_, err = session.Open(context.Background(), f.cfg, deps)
	assert.ErrorContains(t, err, "key ring is required")

	deps = f.deps()
	deps.CacheKey = []byte("short")
	_, err = session.Open(context.Background(), f.cfg, deps)
	assert.ErrorContains(t, err, "cache key")
}

func TestOpenResyncsEmptyCache(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	assert.Equal(t, 1, f.resolver.Calls("FetchTree"))
	assert.Equal(t, "sn-0", s.Watermark())
	assert.Equal(t, 2, s.Tree().Len())

	n, ok := s.Tree().Get("AAAAAAAA")
	require.True(t, ok)
	assert.Equal(t, "docs", n.Name())

	row, err := s.Store().GetRow(context.Background(), apply.TableNodes, "AAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "docs", record.NodeFromRow(row).Name())

	h := s.Health()
	assert.Equal(t, int64(1), h.Resyncs)
	assert.Equal(t, "ok", h.Crashed)
	assert.False(t, h.Busy)
}

func TestOpenKeepsValidCache(t *testing.T) {
	f := newFixture(t)
	s, err := session.Open(context.Background(), f.cfg, f.deps())
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	f.mem.Reopen()
	again := f.open(t)
	assert.Equal(t, 1, f.resolver.Calls("FetchTree"), "no second snapshot")
	assert.Equal(t, "sn-0", again.Watermark())
	assert.Equal(t, int64(0), again.Health().Resyncs)
}

func TestOpenFailsWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	f.resolver.FailNext(errors.New("offline"))

	_, err := session.Open(context.Background(), f.cfg, f.deps())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch tree")
}

func TestOpenQuarantinesSnapshotNodesWithoutKey(t *testing.T) {
	f := newFixture(t)
	f.resolver.Put(testutil.SealForeign(t, "SSSSSSSS", "RRRRRRRR", "theirs"))
	s := f.open(t)

	n, ok := s.Tree().Get("SSSSSSSS")
	require.True(t, ok)
	assert.True(t, n.KeyMissing)
	require.Len(t, s.Tree().KeyMissing(), 1)
}

func TestPollDispatchesInSlotOrder(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	s.Start(context.Background())

	var events []engine.DispatchEvent
	s.OnDispatch(func(e engine.DispatchEvent) { events = append(events, e) })

	create := record.Delta{
		Kind:         record.KindNodeCreate,
		CommitMarker: "sn-1",
		Nodes:        []record.SealedNode{testutil.Seal(t, "BBBBBBBB", "AAAAAAAA", record.TypeFile, "a.txt")},
	}
	move := record.Delta{
		Kind:         record.KindMove,
		CommitMarker: "sn-2",
		Target:       "BBBBBBBB",
		Payload:      record.Object{"p": record.String("RRRRRRRR")},
	}
	slot, err := s.Submit(create)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slot)
	slot, err = s.Submit(move)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot)

	pollUntil(t, s, func() bool { return len(events) == 2 })
	assert.Equal(t, record.KindNodeCreate, events[0].Kind)
	assert.Equal(t, 1, events[0].Nodes)
	assert.Equal(t, record.KindMove, events[1].Kind)
	assert.Empty(t, events[1].Errors)

	n, ok := s.Tree().Get("BBBBBBBB")
	require.True(t, ok)
	assert.Equal(t, record.Handle("RRRRRRRR"), n.Parent)

	require.NoError(t, s.Store().Flush(context.Background()))
	assert.Equal(t, "sn-2", s.Watermark())
}

func TestBusyCacheDrainsWithoutMarkers(t *testing.T) {
	f := newFixture(t)
	f.cfg.Cache.BusyLimit = 2
	f.cfg.Pipeline.BusyBackoff = time.Millisecond
	s := f.open(t)
	s.Start(context.Background())

	var events []engine.DispatchEvent
	s.OnDispatch(func(e engine.DispatchEvent) { events = append(events, e) })

	for _, h := range []record.Handle{"B0000000", "B1111111", "B2222222", "B3333333", "B4444444", "B5555555"} {
		_, err := s.Submit(record.Delta{
			Kind:  record.KindNodeCreate,
			Nodes: []record.SealedNode{testutil.Seal(t, h, "AAAAAAAA", record.TypeFile, string(h))},
		})
		require.NoError(t, err)
	}

	pollUntil(t, s, func() bool { return len(events) == 6 })
	for _, e := range events {
		assert.Empty(t, e.Errors)
	}
	assert.Equal(t, 8, s.Tree().Len())
	require.Eventually(t, func() bool { return !s.Health().Busy }, 3*time.Second, 5*time.Millisecond)
}

func TestKeyUpdateRecoversQuarantinedNodes(t *testing.T) {
	f := newFixture(t)
	f.ring = codec.NewMemoryKeyRing()
	s := f.open(t)
	s.Start(context.Background())

	n, ok := s.Tree().Get("AAAAAAAA")
	require.True(t, ok)
	require.True(t, n.KeyMissing)

	f.ring.Set(testutil.Owner, testutil.OwnerKey)
	_, err := s.Submit(record.Delta{Kind: record.KindKeyUpdate})
	require.NoError(t, err)

	pollUntil(t, s, func() bool {
		n, ok := s.Tree().Get("AAAAAAAA")
		return ok && !n.KeyMissing
	})
	n, _ = s.Tree().Get("AAAAAAAA")
	assert.Equal(t, "docs", n.Name())
	assert.Equal(t, record.Handle("RRRRRRRR"), n.Parent)
}

func TestResyncReplacesTree(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	f.resolver.Put(testutil.Seal(t, "CCCCCCCC", "RRRRRRRR", record.TypeFolder, "new"))
	f.resolver.SetMarker("sn-5")
	require.NoError(t, s.Resync(context.Background()))

	assert.True(t, s.Tree().Resident("CCCCCCCC"))
	assert.Equal(t, "sn-5", s.Watermark())
	assert.Equal(t, int64(2), s.Health().Resyncs)
}

func TestResyncRejectsSnapshotWithoutMarker(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	f.resolver.SetMarker("")
	err := s.Resync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no marker")
	assert.Equal(t, "sn-0", s.Watermark())
}

func TestRunServesCacheReloads(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// A non-transient write failure invalidates the cache.
	f.mem.FailNext(errors.New("disk corrupted"))
	f.resolver.SetMarker("sn-9")
	_, err := s.Submit(record.Delta{Kind: record.KindAcknowledge, CommitMarker: "sn-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Health().Resyncs == 2 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Watermark() == "sn-9" }, 3*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	s, err := session.Open(context.Background(), f.cfg, f.deps())
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "close is idempotent")

	_, err = s.Submit(record.Delta{Kind: record.KindAcknowledge})
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestStoreOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.TableLimit = 7
	cfg.Cache.BusyLimit = 70
	cfg.Cache.RetryInitial = time.Second
	cfg.Cache.RetryMax = 2 * time.Second
	cfg.Cache.DisableBackpressureAfter = 1
	cfg.Cache.ReloadAfter = 2
	cfg.Cache.CrashAfter = 3

	opts := session.StoreOptions(cfg)
	assert.Equal(t, 7, opts.TableLimit)
	assert.Equal(t, 70, opts.BusyLimit)
	assert.Equal(t, time.Second, opts.Retry.Initial)
	assert.Equal(t, 2*time.Second, opts.Retry.Max)
	assert.Equal(t, 1, opts.Retry.DisableBackpressureAfter)
	assert.Equal(t, 2, opts.Retry.ReloadAfter)
	assert.Equal(t, 3, opts.Retry.CrashAfter)

	pf := session.PrefetchConfig(cfg)
	assert.Equal(t, cfg.Prefetch.Window, pf.Window)
	assert.Equal(t, cfg.Prefetch.BatchSize, pf.BatchSize)
	assert.Equal(t, cfg.Prefetch.MaxAttempts, pf.MaxAttempts)
	assert.Equal(t, cfg.Prefetch.Timeout, pf.Timeout)
}
