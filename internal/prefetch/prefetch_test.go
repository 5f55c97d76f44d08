package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/record"
)

type fakeLoader struct {
	mu    sync.Mutex
	nodes map[record.Handle]record.Node
	calls [][]record.Handle
}

func (l *fakeLoader) LoadNodes(_ context.Context, hs []record.Handle) ([]record.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]record.Handle(nil), hs...))
	var out []record.Node
	for _, h := range hs {
		if n, ok := l.nodes[h]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (l *fakeLoader) LoadSubtree(_ context.Context, roots []record.Handle) ([]record.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []record.Node
	for _, r := range roots {
		root, ok := l.nodes[r]
		if !ok {
			continue
		}
		out = append(out, root)
		for _, n := range l.nodes {
			if n.Parent == r {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	nodes    map[record.Handle]record.SealedNode
	failures int
	fetched  [][]record.Handle
	subtrees [][]record.Handle
	block    chan struct{}
}

func (r *fakeResolver) FetchNodes(ctx context.Context, hs []record.Handle) ([]record.SealedNode, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, append([]record.Handle(nil), hs...))
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("authority unavailable")
	}
	var out []record.SealedNode
	for _, h := range hs {
		if n, ok := r.nodes[h]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeResolver) FetchSubtree(_ context.Context, roots []record.Handle) ([]record.SealedNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subtrees = append(r.subtrees, append([]record.Handle(nil), roots...))
	var out []record.SealedNode
	for _, root := range roots {
		for _, n := range r.nodes {
			if n.Handle == root || n.Parent == root {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

type harness struct {
	sched    *Scheduler
	loader   *fakeLoader
	resolver *fakeResolver
	done     chan Completion
	resident map[record.Handle]bool
	busy     atomic.Bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		loader:   &fakeLoader{nodes: make(map[record.Handle]record.Node)},
		resolver: &fakeResolver{nodes: make(map[record.Handle]record.SealedNode)},
		done:     make(chan Completion, 16),
		resident: make(map[record.Handle]bool),
	}
	if cfg.Window == 0 {
		cfg.Window = 5 * time.Millisecond
	}
	h.sched = New(cfg,
		func(x record.Handle) bool { return h.resident[x] },
		h.loader, h.resolver, h.busy.Load,
		func(c Completion) { h.done <- c }, nil)
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) next(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
		return Completion{}
	}
}

func TestRequireNodeResidentIsImmediate(t *testing.T) {
	h := newHarness(t, Config{})
	h.resident["AAAAAAAA"] = true

	assert.True(t, h.sched.RequireNode("AAAAAAAA", 1))
	assert.Equal(t, 0, h.sched.Pending())
}

func TestRoundPrefersCacheThenAuthority(t *testing.T) {
	h := newHarness(t, Config{})
	h.loader.nodes["AAAAAAAA"] = record.Node{Handle: "AAAAAAAA"}
	h.resolver.nodes["BBBBBBBB"] = record.SealedNode{Handle: "BBBBBBBB"}

	assert.False(t, h.sched.RequireNode("AAAAAAAA", 1))
	assert.False(t, h.sched.RequireNode("BBBBBBBB", 1))
	assert.False(t, h.sched.RequireNode("BBBBBBBB", 2))

	c := h.next(t)
	require.Len(t, c.Nodes, 1)
	assert.Equal(t, record.Handle("AAAAAAAA"), c.Nodes[0].Handle)
	require.Len(t, c.Sealed, 1)
	assert.Equal(t, record.Handle("BBBBBBBB"), c.Sealed[0].Handle)
	assert.Equal(t, map[uint64]int{1: 2, 2: 1}, c.Slots)
	assert.Empty(t, c.Failed)
	assert.Equal(t, 3, c.Released())

	require.Len(t, h.resolver.fetched, 1, "requests inside one window coalesce")
	assert.Equal(t, []record.Handle{"BBBBBBBB"}, h.resolver.fetched[0])
}

func TestRoundSplitsIntoBatches(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	for _, x := range []record.Handle{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC", "DDDDDDDD", "EEEEEEEE"} {
		h.resolver.nodes[x] = record.SealedNode{Handle: x}
		h.sched.RequireNode(x, 1)
	}

	c := h.next(t)
	assert.Len(t, c.Sealed, 5)
	assert.Equal(t, 5, c.Slots[1])
	require.Len(t, h.loader.calls, 3)
	assert.Len(t, h.loader.calls[0], 2)
	assert.Len(t, h.loader.calls[2], 1)
}

func TestUnknownHandleIsReportedFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.RequireNode("ZZZZZZZZ", 4)

	c := h.next(t)
	assert.Equal(t, []record.Handle{"ZZZZZZZZ"}, c.Failed)
	assert.Equal(t, map[uint64]int{4: 1}, c.Slots, "waiters are released even on failure")
}

func TestFetchErrorsAreRetried(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.resolver.failures = 1
	h.resolver.nodes["AAAAAAAA"] = record.SealedNode{Handle: "AAAAAAAA"}
	h.sched.RequireNode("AAAAAAAA", 1)

	c := h.next(t)
	require.Len(t, c.Sealed, 1)
	assert.Equal(t, map[uint64]int{1: 1}, c.Slots)
	assert.Len(t, h.resolver.fetched, 2)
}

func TestFetchErrorsGiveUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	h.resolver.failures = 10
	h.sched.RequireNode("AAAAAAAA", 1)

	c := h.next(t)
	assert.Equal(t, []record.Handle{"AAAAAAAA"}, c.Failed)
	assert.Equal(t, map[uint64]int{1: 1}, c.Slots)
	assert.Len(t, h.resolver.fetched, 2)
}

func TestSubtreeRequests(t *testing.T) {
	h := newHarness(t, Config{})
	h.loader.nodes["AAAAAAAA"] = record.Node{Handle: "AAAAAAAA"}
	h.loader.nodes["A1A1A1A1"] = record.Node{Handle: "A1A1A1A1", Parent: "AAAAAAAA"}
	h.resolver.nodes["BBBBBBBB"] = record.SealedNode{Handle: "BBBBBBBB"}
	h.resolver.nodes["B1B1B1B1"] = record.SealedNode{Handle: "B1B1B1B1", Parent: "BBBBBBBB"}

	h.resident["AAAAAAAA"] = true
	h.sched.RequireSubtree("AAAAAAAA", 2)
	h.sched.RequireSubtree("BBBBBBBB", 2)

	c := h.next(t)
	assert.Len(t, c.Nodes, 2, "cached subtree served locally")
	assert.Len(t, c.Sealed, 2)
	assert.Equal(t, map[uint64]int{2: 2}, c.Slots)
	assert.Equal(t, [][]record.Handle{{"BBBBBBBB"}}, h.resolver.subtrees)
}

func TestBusyPostponesRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.nodes["AAAAAAAA"] = record.SealedNode{Handle: "AAAAAAAA"}
	h.busy.Store(true)
	h.sched.RequireNode("AAAAAAAA", 1)

	select {
	case <-h.done:
		t.Fatal("round ran while busy")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, h.sched.Pending())

	h.busy.Store(false)
	c := h.next(t)
	assert.Len(t, c.Sealed, 1)
}

func TestSupersedeDropsInFlightResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.block = make(chan struct{})
	h.resolver.nodes["AAAAAAAA"] = record.SealedNode{Handle: "AAAAAAAA"}
	h.sched.RequireNode("AAAAAAAA", 1)

	require.Eventually(t, func() bool { return h.sched.Pending() == 0 }, time.Second, time.Millisecond)
	h.sched.Supersede("AAAAAAAA")
	close(h.resolver.block)

	c := h.next(t)
	assert.Empty(t, c.Sealed, "stale result discarded")
	assert.Empty(t, c.Failed)
	assert.Equal(t, map[uint64]int{1: 1}, c.Slots)
}

func TestSupersedeIgnoresUnknownHandles(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Supersede("AAAAAAAA")
	h.resolver.nodes["AAAAAAAA"] = record.SealedNode{Handle: "AAAAAAAA"}
	h.sched.RequireNode("AAAAAAAA", 1)

	c := h.next(t)
	assert.Len(t, c.Sealed, 1)
}
