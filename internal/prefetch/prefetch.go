// Package prefetch makes node records resident before the deltas that
// reference them are dispatched.
//
// Requests are coalesced for a short window and then resolved in bulk, first
// against the local cache and then against the remote authority. The
// scheduler never mutates the tree: it hands one Completion per round to the
// deliver callback and the sequencer applies it on its own goroutine.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// NodeLoader reads node records from the local cache.
type NodeLoader interface {
	// LoadNodes returns the records it holds for handles; misses are
	// simply absent from the result.
	LoadNodes(ctx context.Context, handles []record.Handle) ([]record.Node, error)
	// LoadSubtree returns the records of every cached subtree rooted at
	// one of handles, roots included.
	LoadSubtree(ctx context.Context, handles []record.Handle) ([]record.Node, error)
}

// Resolver fetches node records from the remote authority.
type Resolver interface {
	FetchNodes(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error)
	FetchSubtree(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error)
}

// Config tunes the scheduler.
type Config struct {
	// Window is the coalescing delay between the first request and the
	// bulk fetch.
	Window time.Duration
	// BatchSize caps the number of handles per bulk fetch.
	BatchSize int
	// MaxAttempts bounds the fetch attempts per handle before its waiters
	// are released with the handle reported as failed.
	MaxAttempts int
	// Timeout bounds a single fetch round.
	Timeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Window:      90 * time.Millisecond,
		BatchSize:   8192,
		MaxAttempts: 3,
		Timeout:     30 * time.Second,
	}
}

// Completion is the outcome of one fetch round.
type Completion struct {
	// Nodes were found in the local cache.
	Nodes []record.Node
	// Sealed were fetched from the remote authority and still need
	// decrypting.
	Sealed []record.SealedNode
	// Slots counts, per waiting slot, the requirements this round released.
	Slots map[uint64]int
	// Failed lists handles given up on.
	Failed []record.Handle
}

// Released reports the total number of requirements released.
func (c Completion) Released() int {
	n := 0
	for _, v := range c.Slots {
		n += v
	}
	return n
}

// Scheduler batches dependency fetches.
type Scheduler struct {
	cfg      Config
	resident func(record.Handle) bool
	loader   NodeLoader
	resolver Resolver
	busy     func() bool
	deliver  func(Completion)
	log      *slog.Logger

	mu         sync.Mutex
	nodes      map[record.Handle][]uint64
	subtrees   map[record.Handle][]uint64
	attempts   map[record.Handle]int
	inflight   map[record.Handle]int
	superseded map[record.Handle]struct{}
	timer      *time.Timer
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a scheduler. resident is only called from the goroutine that
// calls RequireNode. busy may be nil.
func New(cfg Config, resident func(record.Handle) bool, loader NodeLoader, resolver Resolver,
	busy func() bool, deliver func(Completion), log *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		resident:   resident,
		loader:     loader,
		resolver:   resolver,
		busy:       busy,
		deliver:    deliver,
		log:        log.With("component", "prefetch"),
		nodes:      make(map[record.Handle][]uint64),
		subtrees:   make(map[record.Handle][]uint64),
		attempts:   make(map[record.Handle]int),
		inflight:   make(map[record.Handle]int),
		superseded: make(map[record.Handle]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RequireNode reports whether h is resident. If not, h is queued for the
// next fetch round on behalf of slot and the caller must wait for a
// Completion releasing it.
func (s *Scheduler) RequireNode(h record.Handle, slot uint64) bool {
	if s.resident(h) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[h] = append(s.nodes[h], slot)
	s.armLocked()
	return false
}

// RequireSubtree queues the whole subtree rooted at h. It always needs a
// Completion, even when h itself is resident, since descendants may not be.
func (s *Scheduler) RequireSubtree(h record.Handle, slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subtrees[h] = append(s.subtrees[h], slot)
	s.armLocked()
}

// Supersede discards any queued or in-flight result for h. Waiters are
// still released. Callers use it once a fresher version of h is resident.
func (s *Scheduler) Supersede(h record.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, queued := s.nodes[h]
	_, sub := s.subtrees[h]
	if queued || sub || s.inflight[h] > 0 {
		s.superseded[h] = struct{}{}
	}
}

// Pending returns the number of handles waiting for a fetch round.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes) + len(s.subtrees)
}

// Stop cancels in-flight fetches and waits for them. Queued requests are
// dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armLocked() {
	if s.timer != nil || s.stopped {
		return
	}
	s.timer = time.AfterFunc(s.cfg.Window, s.flush)
}

type round struct {
	nodes    map[record.Handle][]uint64
	subtrees map[record.Handle][]uint64
}

func (s *Scheduler) take() (round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.stopped || (len(s.nodes) == 0 && len(s.subtrees) == 0) {
		return round{}, false
	}
	if s.busy() {
		metrics.BurstYields.WithLabelValues("prefetch_busy").Inc()
		s.armLocked()
		return round{}, false
	}

	r := round{nodes: s.nodes, subtrees: s.subtrees}
	s.nodes = make(map[record.Handle][]uint64)
	s.subtrees = make(map[record.Handle][]uint64)
	for h := range r.nodes {
		s.inflight[h]++
	}
	for h := range r.subtrees {
		s.inflight[h]++
	}
	s.wg.Add(1)
	return r, true
}

// flush runs one fetch round. It is the timer callback.
func (s *Scheduler) flush() {
	r, ok := s.take()
	if !ok {
		return
	}
	defer s.wg.Done()
	metrics.PrefetchFlushes.Inc()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	var (
		comp  = Completion{Slots: make(map[uint64]int)}
		retry = make(map[record.Handle]bool)
		found = make(map[record.Handle]bool)
	)

	for _, batch := range chunk(sortedKeys(r.nodes), s.cfg.BatchSize) {
		s.fetchNodes(ctx, batch, &comp, found, retry)
	}
	for _, batch := range chunk(sortedKeys(r.subtrees), s.cfg.BatchSize) {
		s.fetchSubtrees(ctx, batch, &comp, found, retry)
	}

	s.settle(r, &comp, found, retry)
	if len(comp.Slots) == 0 {
		return
	}
	s.deliver(comp)
}

func (s *Scheduler) fetchNodes(ctx context.Context, batch []record.Handle, comp *Completion,
	found, retry map[record.Handle]bool) {
	cached, err := s.loader.LoadNodes(ctx, batch)
	if err != nil {
		// The cache is an optimization; fall through to the authority.
		s.log.Warn("cache lookup failed", "handles", len(batch), "error", err)
		cached = nil
	}
	for _, n := range cached {
		if found[n.Handle] {
			continue
		}
		found[n.Handle] = true
		comp.Nodes = append(comp.Nodes, n)
	}
	metrics.PrefetchHandles.WithLabelValues("cache").Add(float64(len(cached)))

	misses := missing(batch, found)
	if len(misses) == 0 {
		return
	}
	remote, err := s.resolver.FetchNodes(ctx, misses)
	if err != nil {
		s.log.Warn("remote fetch failed", "handles", len(misses), "error", err)
		for _, h := range misses {
			retry[h] = !errors.Is(err, context.Canceled)
		}
		return
	}
	s.collectRemote(remote, comp, found)
}

func (s *Scheduler) fetchSubtrees(ctx context.Context, batch []record.Handle, comp *Completion,
	found, retry map[record.Handle]bool) {
	roots := make(map[record.Handle]bool, len(batch))
	cached, err := s.loader.LoadSubtree(ctx, batch)
	if err != nil {
		s.log.Warn("cache subtree lookup failed", "roots", len(batch), "error", err)
		cached = nil
	}
	for _, n := range cached {
		if slices.Contains(batch, n.Handle) {
			roots[n.Handle] = true
		}
		if found[n.Handle] {
			continue
		}
		found[n.Handle] = true
		comp.Nodes = append(comp.Nodes, n)
	}
	metrics.PrefetchHandles.WithLabelValues("cache").Add(float64(len(cached)))

	var misses []record.Handle
	for _, h := range batch {
		if !roots[h] {
			misses = append(misses, h)
		}
	}
	if len(misses) == 0 {
		return
	}
	remote, err := s.resolver.FetchSubtree(ctx, misses)
	if err != nil {
		s.log.Warn("remote subtree fetch failed", "roots", len(misses), "error", err)
		for _, h := range misses {
			retry[h] = !errors.Is(err, context.Canceled)
		}
		return
	}
	s.collectRemote(remote, comp, found)
}

func (s *Scheduler) collectRemote(remote []record.SealedNode, comp *Completion, found map[record.Handle]bool) {
	for _, sn := range remote {
		if found[sn.Handle] {
			continue
		}
		found[sn.Handle] = true
		comp.Sealed = append(comp.Sealed, sn)
	}
	metrics.PrefetchHandles.WithLabelValues("remote").Add(float64(len(remote)))
}

// settle releases waiters, re-queues retriable handles and drops
// superseded results.
func (s *Scheduler) settle(r round, comp *Completion, found, retry map[record.Handle]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.superseded) > 0 {
		comp.Nodes = slices.DeleteFunc(comp.Nodes, func(n record.Node) bool {
			_, ok := s.superseded[n.Handle]
			return ok
		})
		comp.Sealed = slices.DeleteFunc(comp.Sealed, func(n record.SealedNode) bool {
			_, ok := s.superseded[n.Handle]
			return ok
		})
	}

	release := func(set map[record.Handle][]uint64, requeue map[record.Handle][]uint64) {
		for h, slots := range set {
			s.inflight[h]--
			if s.inflight[h] <= 0 {
				delete(s.inflight, h)
			}
			if _, sup := s.superseded[h]; sup && s.inflight[h] == 0 {
				delete(s.superseded, h)
			}

			if retry[h] && !s.stopped {
				s.attempts[h]++
				if s.attempts[h] < s.cfg.MaxAttempts {
					requeue[h] = append(requeue[h], slots...)
					continue
				}
			}
			if !found[h] {
				comp.Failed = append(comp.Failed, h)
			}
			delete(s.attempts, h)
			for _, slot := range slots {
				comp.Slots[slot]++
			}
		}
	}
	release(r.nodes, s.nodes)
	release(r.subtrees, s.subtrees)

	if len(comp.Failed) > 0 {
		slices.Sort(comp.Failed)
		comp.Failed = slices.Compact(comp.Failed)
		metrics.PrefetchHandles.WithLabelValues("failed").Add(float64(len(comp.Failed)))
	}
	if len(s.nodes) > 0 || len(s.subtrees) > 0 {
		s.armLocked()
	}
}

func sortedKeys(m map[record.Handle][]uint64) []record.Handle {
	keys := make([]record.Handle, 0, len(m))
	for h := range m {
		keys = append(keys, h)
	}
	slices.Sort(keys)
	return keys
}

func chunk(hs []record.Handle, size int) [][]record.Handle {
	var out [][]record.Handle
	for len(hs) > size {
		out = append(out, hs[:size])
		hs = hs[size:]
	}
	if len(hs) > 0 {
		out = append(out, hs)
	}
	return out
}

func missing(batch []record.Handle, found map[record.Handle]bool) []record.Handle {
	var out []record.Handle
	for _, h := range batch {
		if !found[h] {
			out = append(out, h)
		}
	}
	return out
}
