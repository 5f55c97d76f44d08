package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/decrypt"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/prefetch"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/tree"
)

// ErrStopped is returned by Exec once the sequencer has been stopped.
var ErrStopped = errors.New("engine: sequencer stopped")

// Dispatcher runs the handler for a delta. *dispatch.Registry implements it.
type Dispatcher interface {
	Invoke(ctx context.Context, d record.Delta) error
}

// Store is the part of the local cache the sequencer drives.
type Store interface {
	Busy() bool
	SetWatermark(sn string) error
}

// Decrypter is the worker pool. *decrypt.Pool implements it.
type Decrypter interface {
	SubmitNode(slot uint64, index int, sn record.SealedNode)
	RetryNode(sn record.SealedNode)
	SubmitPacket(d record.Delta)
	Idle() int
}

// Prefetcher makes referenced nodes resident. *prefetch.Scheduler
// implements it.
type Prefetcher interface {
	RequireNode(h record.Handle, slot uint64) bool
	RequireSubtree(h record.Handle, slot uint64)
	Supersede(h record.Handle)
}

// Reissuer re-runs a superseded local request against live server state.
type Reissuer interface {
	Reissue(ctx context.Context, d record.Delta) error
}

// DefaultBurst is the wall-clock budget of one dispatch burst.
const DefaultBurst = 200 * time.Millisecond

// DefaultBusyBackoff is how long a burst waits when the cache is busy.
const DefaultBusyBackoff = 50 * time.Millisecond

// SlotState is the lifecycle position of a slot.
type SlotState int

const (
	StateUnknown SlotState = iota
	StateArrived
	StateAwaiting
	StateReady
	StateDispatched
	StateCommitted
)

func (s SlotState) String() string {
	switch s {
	case StateArrived:
		return "arrived"
	case StateAwaiting:
		return "awaiting"
	case StateReady:
		return "ready"
	case StateDispatched:
		return "dispatched"
	case StateCommitted:
		return "committed"
	}
	return "unknown"
}

// DispatchEvent is reported to observers once per committed slot.
type DispatchEvent struct {
	Slot   uint64
	Kind   record.Kind
	Target record.Handle
	// Nodes is the number of node records made resident by the delta.
	Nodes int
	// Invoked is false when the handler was skipped.
	Invoked bool
	// Errors lists everything that went wrong for the slot.
	Errors []*Error
}

// Superseded reports whether the slot lost to a server-triggered delta.
func (e DispatchEvent) Superseded() bool {
	for _, err := range e.Errors {
		if err.Code == ErrCodeSuperseded {
			return true
		}
	}
	return false
}

// Deps are the collaborators a Sequencer needs.
type Deps struct {
	Tree       *tree.Tree
	Dispatcher Dispatcher
	// Store is optional; without it there is no backpressure and no
	// watermark.
	Store Store
	// Codec and KeyRing are used for inline decryption when no worker is
	// idle or no pool is attached.
	Codec   *codec.Codec
	KeyRing codec.KeyRing
}

// slot is the per-slot pipeline state.
type slot struct {
	delta   record.Delta
	state   SlotState
	waiting int
	nodes   []*decrypt.Result
	local   bool
	errs    []*Error
}

// Sequencer orders deltas and dispatches them.
//
// Thread-safety model:
//   - SubmitDelta, TrackRequest, DecryptDone, PrefetchDone, RetryKeyMissing,
//     Exec and Stop are safe from any goroutine.
//   - Poll and Run must be called from exactly one goroutine. Observers,
//     handlers and the tree run on it.
type Sequencer struct {
	tree     *tree.Tree
	dispatch Dispatcher
	store    Store
	codec    *codec.Codec
	ring     codec.KeyRing
	pool     Decrypter
	prefetch Prefetcher
	reissuer Reissuer
	sink     func(record.Node)

	clock       *Clock
	queue       *eventQueue
	ids         RequestIDGenerator
	burst       time.Duration
	busyBackoff time.Duration
	now         func() time.Time
	log         *slog.Logger
	observers   []func(DispatchEvent)

	// Owned by the loop goroutine.
	slots        map[uint64]*slot
	next         uint64
	pendingNodes map[record.Handle]int
	resumeArmed  bool

	// Outstanding local requests, keyed by request id.
	reqMu     sync.Mutex
	requests  map[string]record.Handle
	contested map[string]bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithBurst sets the wall-clock budget of a dispatch burst.
func WithBurst(d time.Duration) Option {
	return func(s *Sequencer) { s.burst = d }
}

// WithBusyBackoff sets how long to wait before resuming when the cache
// reports backpressure.
func WithBusyBackoff(d time.Duration) Option {
	return func(s *Sequencer) { s.busyBackoff = d }
}

// WithRequestIDs sets the request id generator used by TrackRequest.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(s *Sequencer) { s.ids = g }
}

// WithReissuer sets the collaborator that re-runs superseded local requests.
func WithReissuer(r Reissuer) Option {
	return func(s *Sequencer) { s.reissuer = r }
}

// WithNodeSink sets a callback for nodes that become resident outside a
// dispatch: nodes fetched from the authority and recovered key-missing
// nodes. The session uses it to mirror them into the cache.
func WithNodeSink(fn func(record.Node)) Option {
	return func(s *Sequencer) { s.sink = fn }
}

// WithStartSlot makes the first assigned slot start.
func WithStartSlot(start uint64) Option {
	return func(s *Sequencer) {
		s.clock = NewClockAt(start)
		s.next = start
	}
}

// WithNow replaces the wall clock used to bound bursts.
func WithNow(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.log = l }
}

// New creates a Sequencer. Attach the worker pool and prefetch scheduler
// before the first SubmitDelta; without them node records are decrypted
// inline and dependencies are assumed resident.
func New(deps Deps, opts ...Option) *Sequencer {
	if deps.Tree == nil {
		deps.Tree = tree.New()
	}
	s := &Sequencer{
		tree:         deps.Tree,
		dispatch:     deps.Dispatcher,
		store:        deps.Store,
		codec:        deps.Codec,
		ring:         deps.KeyRing,
		clock:        NewClock(),
		queue:        newEventQueue(),
		ids:          UUIDv7Generator{},
		burst:        DefaultBurst,
		busyBackoff:  DefaultBusyBackoff,
		now:          time.Now,
		log:          slog.Default(),
		slots:        make(map[uint64]*slot),
		pendingNodes: make(map[record.Handle]int),
		requests:     make(map[string]record.Handle),
		contested:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "sequencer")
	return s
}

// Attach sets the worker pool and prefetch scheduler. Either may be nil.
func (s *Sequencer) Attach(pool Decrypter, pf Prefetcher) {
	s.pool = pool
	s.prefetch = pf
}

// Tree returns the tree owned by the sequencer. Only touch it from the
// loop goroutine or through Exec.
func (s *Sequencer) Tree() *tree.Tree { return s.tree }

// OnDispatch registers an observer called once per committed slot, on the
// loop goroutine.
func (s *Sequencer) OnDispatch(fn func(DispatchEvent)) {
	s.observers = append(s.observers, fn)
}

// SubmitDelta assigns d the next slot and queues it. It returns the slot,
// or false if the sequencer has been stopped.
func (s *Sequencer) SubmitDelta(d record.Delta) (uint64, bool) {
	slot := s.clock.Next()
	d = d.WithSlot(slot)
	if !s.queue.Enqueue(Event{Type: EventTypeDelta, Delta: &d}) {
		return slot, false
	}
	metrics.DeltasSubmitted.Inc()
	return slot, true
}

// TrackRequest records a locally issued request against target and returns
// the request id to send with it.
func (s *Sequencer) TrackRequest(target record.Handle) string {
	id := s.ids.Generate()
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.requests[id] = target
	return id
}

// DecryptDone hands a worker pool result to the loop.
func (s *Sequencer) DecryptDone(r decrypt.Result) {
	s.queue.Enqueue(Event{Type: EventTypeDecrypted, Result: &r})
}

// PrefetchDone hands a prefetch completion to the loop.
func (s *Sequencer) PrefetchDone(c prefetch.Completion) {
	s.queue.Enqueue(Event{Type: EventTypePrefetched, Completion: &c})
}

// RetryKeyMissing resubmits every quarantined node for decryption. Call it
// after new keys have been added to the key ring.
func (s *Sequencer) RetryKeyMissing() {
	s.queue.Enqueue(Event{Type: EventTypeRetryKeys})
}

// Exec runs fn on the loop goroutine and waits for it. The loop must be
// running.
func (s *Sequencer) Exec(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if !s.queue.Enqueue(Event{Type: EventTypeCall, Call: fn, Done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of uncommitted slots. Loop goroutine only.
func (s *Sequencer) Pending() int { return len(s.slots) }

// NextSlot returns the lowest uncommitted slot. Loop goroutine only.
func (s *Sequencer) NextSlot() uint64 { return s.next }

// State returns the lifecycle state of slot. Loop goroutine only.
func (s *Sequencer) State(n uint64) SlotState {
	if n < s.next {
		return StateCommitted
	}
	if sl, ok := s.slots[n]; ok {
		return sl.state
	}
	return StateUnknown
}

// Run polls until ctx is cancelled or Stop is called.
//
// Must be called from exactly ONE goroutine.
func (s *Sequencer) Run(ctx context.Context) error {
	s.log.Info("sequencer starting", "next_slot", s.next)

	for {
		s.Poll(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("sequencer stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			if s.queue.Closed() && s.queue.Len() == 0 {
				s.log.Info("sequencer stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue; Run returns once it is drained.
func (s *Sequencer) Stop() {
	s.queue.Close()
}

// Poll processes every queued event and then runs one dispatch burst. It
// returns the number of slots committed.
func (s *Sequencer) Poll(ctx context.Context) int {
	for {
		ev, ok := s.queue.TryDequeue()
		if !ok {
			break
		}
		if err := s.processEvent(ctx, ev); err != nil {
			s.log.Error("event failed", "type", ev.Type, "error", err)
		}
	}
	n := s.burstDispatch(ctx)
	metrics.PendingSlots.Set(float64(len(s.slots)))
	return n
}

func (s *Sequencer) processEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTypeDelta:
		if ev.Delta == nil {
			return fmt.Errorf("delta event missing delta")
		}
		s.arrive(*ev.Delta)
	case EventTypeDecrypted:
		if ev.Result == nil {
			return fmt.Errorf("decrypted event missing result")
		}
		s.decrypted(*ev.Result)
	case EventTypePrefetched:
		if ev.Completion == nil {
			return fmt.Errorf("prefetched event missing completion")
		}
		s.prefetched(*ev.Completion)
	case EventTypeResume:
		s.resumeArmed = false
	case EventTypeRetryKeys:
		s.retryKeyMissing()
	case EventTypeCall:
		err := ev.Call(ctx)
		if ev.Done != nil {
			ev.Done <- err
		}
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
	return nil
}

// arrive registers a new slot and starts the work it waits on.
func (s *Sequencer) arrive(d record.Delta) {
	sl := &slot{delta: d, state: StateArrived}
	s.slots[d.Slot] = sl

	s.classify(sl)

	if len(d.Nodes) > 0 {
		sl.nodes = make([]*decrypt.Result, len(d.Nodes))
		for i, sn := range d.Nodes {
			s.pendingNodes[sn.Handle]++
			if s.pool != nil {
				sl.waiting++
				s.pool.SubmitNode(d.Slot, i, sn)
				continue
			}
			res := s.decryptInline(d.Slot, i, sn)
			sl.nodes[i] = &res
		}
	}

	if d.Sealed != "" {
		if s.pool != nil && s.pool.Idle() > 0 {
			sl.waiting++
			s.pool.SubmitPacket(d)
		} else {
			s.openInline(sl)
		}
	}

	if s.prefetch != nil {
		for _, h := range d.Dependencies() {
			// An earlier slot is about to create it.
			if s.pendingNodes[h] > 0 {
				continue
			}
			if h == d.Target && d.Kind.Subtree() {
				sl.waiting++
				s.prefetch.RequireSubtree(h, d.Slot)
				continue
			}
			if s.tree.Resident(h) {
				continue
			}
			if !s.prefetch.RequireNode(h, d.Slot) {
				sl.waiting++
			}
		}
	}

	if sl.waiting > 0 {
		sl.state = StateAwaiting
	} else {
		sl.state = StateReady
	}
	s.log.Debug("delta arrived", "slot", d.Slot, "kind", d.Kind, "waiting", sl.waiting)
}

// classify decides whether d answers a local request, and marks
// outstanding local requests contested by a server-triggered delta for the
// same node.
func (s *Sequencer) classify(sl *slot) {
	d := sl.delta
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	if d.IsLocalEcho(s.requests) {
		sl.local = true
		return
	}
	if d.Target.IsZero() {
		return
	}
	for id, target := range s.requests {
		if target == d.Target {
			s.contested[id] = true
		}
	}
}

func (s *Sequencer) decryptInline(slotN uint64, index int, sn record.SealedNode) decrypt.Result {
	res := decrypt.Result{Slot: slotN, Index: index, Sealed: sn}
	if s.ring == nil {
		res.Node = sealedToNode(sn)
		res.KeyMissing = true
		return res
	}
	n, err := codec.DecryptNode(sn, s.ring)
	res.Node = n
	switch {
	case errors.Is(err, codec.ErrKeyMissing):
		res.KeyMissing = true
		res.Node.KeyMissing = true
		metrics.KeyMissing.Inc()
	case err != nil:
		res.Err = err
	default:
		metrics.NodesDecrypted.Inc()
	}
	return res
}

func (s *Sequencer) openInline(sl *slot) {
	if s.codec == nil {
		sl.errs = append(sl.errs, newError(ErrCodePacketCorrupt, sl.delta, "", "no codec to open sealed packet", nil))
		return
	}
	d, err := decrypt.OpenPacket(s.codec, sl.delta)
	if err != nil {
		sl.errs = append(sl.errs, newError(ErrCodePacketCorrupt, sl.delta, "", "open packet", err))
		return
	}
	sl.delta = d
}

func (s *Sequencer) decrypted(r decrypt.Result) {
	if r.Retry {
		s.recovered(r)
		return
	}
	sl, ok := s.slots[r.Slot]
	if !ok {
		s.log.Warn("decrypt result for unknown slot", "slot", r.Slot)
		return
	}

	if r.Packet != nil {
		if r.Err != nil {
			sl.errs = append(sl.errs, newError(ErrCodePacketCorrupt, sl.delta, "", "open packet", r.Err))
		} else {
			sl.delta = *r.Packet
		}
	} else if r.Index >= 0 && r.Index < len(sl.nodes) && sl.nodes[r.Index] == nil {
		res := r
		sl.nodes[r.Index] = &res
	} else {
		s.log.Warn("unexpected decrypt result", "slot", r.Slot, "index", r.Index)
		return
	}
	s.release(sl, 1)
}

func (s *Sequencer) prefetched(c prefetch.Completion) {
	for _, n := range c.Nodes {
		if !s.tree.Resident(n.Handle) {
			s.tree.Put(n)
		}
	}
	for _, sn := range c.Sealed {
		if s.tree.Resident(sn.Handle) {
			continue
		}
		res := s.decryptInline(0, 0, sn)
		if res.KeyMissing {
			s.tree.QuarantineKeyMissing(sn)
		}
		s.tree.Put(res.Node)
		if s.sink != nil {
			s.sink(res.Node)
		}
	}

	for n, count := range c.Slots {
		if sl, ok := s.slots[n]; ok {
			s.release(sl, count)
		}
	}
}

func (s *Sequencer) release(sl *slot, n int) {
	sl.waiting -= n
	if sl.waiting <= 0 {
		sl.waiting = 0
		sl.state = StateReady
	}
}

// recovered handles the result of an out-of-band key retry.
func (s *Sequencer) recovered(r decrypt.Result) {
	if r.KeyMissing || r.Err != nil {
		return
	}
	cur, ok := s.tree.Get(r.Node.Handle)
	if !ok || !cur.KeyMissing {
		return
	}
	n := r.Node
	n.Parent = cur.Parent
	n.KeyMissing = false
	s.tree.Put(n)
	s.log.Info("recovered key-missing node", "node", n.Handle)
	if s.sink != nil {
		s.sink(n)
	}
}

func (s *Sequencer) retryKeyMissing() {
	for _, sn := range s.tree.KeyMissing() {
		if s.pool != nil {
			s.pool.RetryNode(sn)
			continue
		}
		res := s.decryptInline(0, 0, sn)
		res.Retry = true
		s.recovered(res)
	}
}

// burstDispatch commits Ready slots in order until the budget runs out,
// the cache is busy, or the lowest slot is not Ready.
func (s *Sequencer) burstDispatch(ctx context.Context) int {
	start := s.now()
	n := 0
	for {
		sl, ok := s.slots[s.next]
		if !ok || sl.state != StateReady {
			return n
		}
		if ctx.Err() != nil {
			return n
		}
		if s.store != nil && s.store.Busy() {
			s.yield("busy", s.busyBackoff)
			return n
		}
		if n > 0 && s.now().Sub(start) >= s.burst {
			s.yield("budget", 0)
			return n
		}

		s.dispatchSlot(ctx, sl)
		n++
	}
}

// yield schedules a resume event. With no delay the event is queued
// immediately so other events interleave before the next burst.
func (s *Sequencer) yield(reason string, after time.Duration) {
	metrics.BurstYields.WithLabelValues(reason).Inc()
	if s.resumeArmed {
		return
	}
	s.resumeArmed = true
	if after <= 0 {
		s.queue.Enqueue(Event{Type: EventTypeResume})
		return
	}
	time.AfterFunc(after, func() {
		s.queue.Enqueue(Event{Type: EventTypeResume})
	})
}

func (s *Sequencer) dispatchSlot(ctx context.Context, sl *slot) {
	d := sl.delta
	ev := DispatchEvent{Slot: d.Slot, Kind: d.Kind, Target: d.Target}

	superseded := s.settleRequest(sl)

	if s.prefetch != nil {
		for _, h := range d.Dependencies() {
			if !s.tree.Resident(h) && !slotCarries(d, h) {
				sl.errs = append(sl.errs, newError(ErrCodePrefetchFailed, d, h, "dependency not resident", nil))
			}
		}
	}

	if !superseded {
		ev.Nodes = s.installNodes(sl)
	} else {
		s.dropNodes(sl)
	}

	sl.state = StateDispatched
	switch {
	case superseded:
		sl.errs = append(sl.errs, newError(ErrCodeSuperseded, d, d.Target,
			"server-triggered delta for the same node won", nil))
		metrics.DeltasSuperseded.Inc()
		if s.reissuer != nil {
			if err := s.reissuer.Reissue(ctx, d); err != nil {
				s.log.Warn("reissue failed", "slot", d.Slot, "request", d.RequestID, "error", err)
			}
		}
	case s.dispatch != nil:
		ev.Invoked = true
		metrics.DeltasDispatched.WithLabelValues(string(d.Kind)).Inc()
		if err := s.dispatch.Invoke(ctx, d); err != nil {
			sl.errs = append(sl.errs, newError(ErrCodeHandlerFailed, d, d.Target, "handler failed", err))
		}
	}

	if d.CommitMarker != "" && s.store != nil {
		if err := s.store.SetWatermark(d.CommitMarker); err != nil {
			s.log.Warn("watermark not queued", "slot", d.Slot, "sn", d.CommitMarker, "error", err)
		}
	}

	sl.state = StateCommitted
	delete(s.slots, d.Slot)
	s.next++

	ev.Errors = sl.errs
	for _, err := range sl.errs {
		s.log.Warn("slot committed with error", "slot", d.Slot, "kind", d.Kind, "code", err.Code, "error", err)
	}
	s.log.Debug("slot committed", "slot", d.Slot, "kind", d.Kind, "invoked", ev.Invoked)
	for _, fn := range s.observers {
		fn(ev)
	}
}

// settleRequest retires the local request d answers, if any, and reports
// whether it lost to a server-triggered delta.
func (s *Sequencer) settleRequest(sl *slot) bool {
	if !sl.local {
		return false
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	id := sl.delta.RequestID
	lost := s.contested[id]
	delete(s.requests, id)
	delete(s.contested, id)
	return lost
}

// installNodes puts the slot's decrypted nodes into the tree in intra-slot
// order.
func (s *Sequencer) installNodes(sl *slot) int {
	count := 0
	var missing []record.Handle
	for i, res := range sl.nodes {
		sn := sl.delta.Nodes[i]
		s.unpend(sn.Handle)
		if res == nil {
			continue
		}
		n := res.Node
		switch {
		case res.KeyMissing:
			s.tree.QuarantineKeyMissing(sn)
			n.KeyMissing = true
			missing = append(missing, sn.Handle)
		case res.Err != nil:
			s.log.Warn("node attributes unreadable", "slot", sl.delta.Slot, "node", sn.Handle, "error", res.Err)
			n = sealedToNode(sn)
		}
		s.tree.Put(n)
		if s.prefetch != nil {
			s.prefetch.Supersede(n.Handle)
		}
		count++
	}
	for _, h := range missing {
		sl.errs = append(sl.errs, newError(ErrCodeKeyMissing, sl.delta, h, "node quarantined", codec.ErrKeyMissing))
	}
	return count
}

// dropNodes discards the nodes of a superseded slot. Later slots that
// skipped prefetch because this slot was going to create a node now fetch
// it themselves and wait for it.
func (s *Sequencer) dropNodes(sl *slot) {
	for _, sn := range sl.delta.Nodes {
		h := sn.Handle
		s.unpend(h)
		if s.prefetch == nil || s.pendingNodes[h] > 0 || s.tree.Resident(h) {
			continue
		}
		for n, later := range s.slots {
			if n <= sl.delta.Slot || later.state == StateDispatched || later.state == StateCommitted {
				continue
			}
			if !dependsOn(later.delta, h) || slotCarries(later.delta, h) {
				continue
			}
			if !s.prefetch.RequireNode(h, n) {
				later.waiting++
				later.state = StateAwaiting
			}
		}
	}
}

func dependsOn(d record.Delta, h record.Handle) bool {
	for _, dep := range d.Dependencies() {
		if dep == h {
			return true
		}
	}
	return false
}

func (s *Sequencer) unpend(h record.Handle) {
	if s.pendingNodes[h] <= 1 {
		delete(s.pendingNodes, h)
		return
	}
	s.pendingNodes[h]--
}

func slotCarries(d record.Delta, h record.Handle) bool {
	for _, sn := range d.Nodes {
		if sn.Handle == h {
			return true
		}
	}
	return false
}

// sealedToNode keeps the plaintext fields of a node whose key or
// attributes are unusable.
func sealedToNode(sn record.SealedNode) record.Node {
	return record.Node{
		Handle:      sn.Handle,
		Parent:      sn.Parent,
		Type:        sn.Type,
		Size:        sn.Size,
		Timestamp:   sn.Timestamp,
		ContentHash: sn.ContentHash,
		Owner:       sn.Owner,
		Share:       sn.Share,
	}
}
