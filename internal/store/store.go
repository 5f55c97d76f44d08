package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// WatermarkTable holds the single commit watermark row.
const WatermarkTable = "_sn"

const (
	watermarkKeyField = "k"
	watermarkKey      = "sn"
	watermarkField    = "sn"
)

// Sentinel errors.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrUnknownTable = errors.New("store: unknown table")
	ErrUnknownIndex = errors.New("store: unknown index")
	ErrMissingKey   = errors.New("store: row has no primary key")
	// ErrReadOnly is returned by writes once the backend refused a write.
	ErrReadOnly = errors.New("store: read-only")
	// ErrUnusable is returned by writes once the retry budget is exhausted.
	// The cache stays unusable until Reset.
	ErrUnusable = errors.New("store: unusable")
)

// MergeFunc combines a pending row with a newer row for the same key.
type MergeFunc func(prev, next record.Object) record.Object

// TableSchema describes one cache table.
type TableSchema struct {
	Name string
	// Key is the primary key field. Its value must be a string or int.
	Key string
	// Indexes are the secondary index fields usable with GetByKey.
	Indexes []string
	// WriteThrough tables trigger a flush on every write.
	WriteThrough bool
	// Merge, if set, is applied when a row is added while an older pending
	// row for the same key exists.
	Merge MergeFunc
}

// RetryPolicy bounds transient-failure handling. The thresholds count
// consecutive failed flush attempts in the session.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// DisableBackpressureAfter turns Busy off so ingestion is not starved
	// by a flusher that cannot make progress.
	DisableBackpressureAfter int
	// ReloadAfter calls Options.OnReload to request a full resync.
	ReloadAfter int
	// CrashAfter marks the cache unusable.
	CrashAfter int
}

// Options configures a Store.
type Options struct {
	Tables []TableSchema
	// TableLimit is the number of pending rows per table in the current
	// generation above which a flush is triggered.
	TableLimit int
	// BusyLimit is the pending weight above which Busy reports true.
	// Crossing it also wakes the background flusher, so it need not be
	// ordered against TableLimit.
	BusyLimit int
	Retry     RetryPolicy
	// ManualFlush disables the background flusher. Writes still record
	// flush triggers but nothing is written until Flush is called.
	ManualFlush bool
	// KeepInvalid leaves the rows of an invalid cache in place on Open.
	// NeedsResync still reports true.
	KeepInvalid bool
	// OnReload is called (on its own goroutine) when the cache decided a
	// full resync is required.
	OnReload func(reason error)
	Logger   *slog.Logger
}

// DefaultOptions returns production defaults with no tables.
func DefaultOptions() Options {
	return Options{
		TableLimit: 1000,
		BusyLimit:  20000,
		Retry: RetryPolicy{
			Initial:                  50 * time.Millisecond,
			Max:                      5 * time.Second,
			DisableBackpressureAfter: 3,
			ReloadAfter:              6,
			CrashAfter:               9,
		},
	}
}

// State is the cache's failure state.
type State int

const (
	StateOK State = iota
	StateReadOnly
	StateUnusable
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateReadOnly:
		return "read-only"
	case StateUnusable:
		return "unusable"
	}
	return "unknown"
}

// Health is a point-in-time view of the cache.
type Health struct {
	State                State
	Busy                 bool
	PendingOps           int
	PendingWeight        int
	Generations          int
	Retries              int
	BackpressureDisabled bool
	NeedsResync          bool
	Watermark            string
}

// op is one pending write. A nil row is a delete.
type op struct {
	table  string
	key    string
	row    record.Object
	weight int
}

// generation is an ordered bag of pending writes. It is complete once the
// watermark has been set; begun records that its watermark delete is
// already durable.
type generation struct {
	id        uint64
	ops       []op
	counts    map[string]int
	watermark string
	complete  bool
	begun     bool
}

func newGeneration(id uint64) *generation {
	return &generation{id: id, counts: make(map[string]int)}
}

// Store is the transactional local cache.
//
// Writes are queued into the current generation and never touch the
// backend directly. Reads overlay pending generations (newest first) on
// top of durable rows. Generations flush in order; within one flush the
// watermark is deleted first, tables follow in first-touch order, and the
// new watermark is written last.
//
// Thread-safety: all methods are safe for concurrent use. The sync
// pipeline is the only writer.
type Store struct {
	backend backend.Backend
	codec   *codec.Codec
	opts    Options
	log     *slog.Logger

	mu              sync.Mutex
	tables          map[string]TableSchema
	gens            []*generation // oldest first, last is open
	nextGen         uint64
	weight          int
	state           State
	needsResync     bool
	retries         int
	backpressureOff bool
	reloadRequested bool
	watermark       string

	flushMu sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open reads the watermark from b. A missing or unreadable watermark
// invalidates the whole cache: every row is discarded and NeedsResync
// reports true until Reset.
func Open(ctx context.Context, b backend.Backend, c *codec.Codec, opts Options) (*Store, error) {
	defaults := DefaultOptions()
	if opts.TableLimit <= 0 {
		opts.TableLimit = defaults.TableLimit
	}
	if opts.BusyLimit <= 0 {
		opts.BusyLimit = defaults.BusyLimit
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry = defaults.Retry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		backend: b,
		codec:   c,
		opts:    opts,
		log:     opts.Logger.With("component", "store", "backend", b.Name()),
		tables:  make(map[string]TableSchema),
		kick:    make(chan struct{}, 1),
	}
	s.tables[WatermarkTable] = TableSchema{Name: WatermarkTable, Key: watermarkKeyField}
	for _, t := range opts.Tables {
		if err := s.addTable(t); err != nil {
			return nil, err
		}
	}
	s.gens = []*generation{newGeneration(s.nextGenID())}

	if err := s.loadWatermark(ctx); err != nil {
		return nil, err
	}

	flushCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if !opts.ManualFlush {
		s.wg.Add(1)
		go s.runFlusher(flushCtx)
	}
	return s, nil
}

func (s *Store) addTable(t TableSchema) error {
	if t.Name == "" || t.Key == "" {
		return fmt.Errorf("store: table %q needs a name and a key field", t.Name)
	}
	if t.Name == WatermarkTable {
		return fmt.Errorf("store: table name %q is reserved", t.Name)
	}
	if _, dup := s.tables[t.Name]; dup {
		return fmt.Errorf("store: table %q registered twice", t.Name)
	}
	s.tables[t.Name] = t
	return nil
}

// RegisterMerge installs fn as the merge callback for table.
func (s *Store) RegisterMerge(table string, fn MergeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	t.Merge = fn
	s.tables[table] = t
	return nil
}

func (s *Store) nextGenID() uint64 {
	s.nextGen++
	return s.nextGen
}

func (s *Store) watermarkRowKey() string {
	return s.codec.EncryptIndex(WatermarkTable, watermarkKeyField, watermarkKey)
}

func (s *Store) loadWatermark(ctx context.Context) error {
	row, ok, err := s.backend.Get(ctx, WatermarkTable, s.watermarkRowKey())
	if err != nil {
		return fmt.Errorf("store: read watermark: %w", err)
	}
	if !ok {
		return s.invalidateOnOpen(ctx, "missing watermark")
	}
	obj, err := s.codec.OpenRow(row.Value)
	if err != nil {
		return s.invalidateOnOpen(ctx, "unreadable watermark")
	}
	sn, ok := obj.Str(watermarkField)
	if !ok || sn == "" {
		return s.invalidateOnOpen(ctx, "empty watermark")
	}
	s.watermark = sn
	s.log.Info("cache opened", "watermark", sn)
	return nil
}

func (s *Store) invalidateOnOpen(ctx context.Context, reason string) error {
	s.needsResync = true
	if s.opts.KeepInvalid {
		s.log.Warn("cache invalid", "reason", reason)
		return nil
	}
	s.log.Warn("cache invalid, discarding all rows", "reason", reason)
	metrics.StoreInvalidations.WithLabelValues("open").Inc()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("store: clear invalid cache: %w", err)
	}
	return nil
}

// Close stops the background flusher, flushes what is pending and closes
// the backend.
func (s *Store) Close(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()

	var flushErr error
	if s.Health().State == StateOK {
		flushErr = s.Flush(ctx)
	}
	if err := s.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

// NeedsResync reports whether the cache was invalidated and must be
// repopulated from the remote authority.
func (s *Store) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsResync
}

// Watermark returns the durable watermark, or "" if there is none.
func (s *Store) Watermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// PendingWatermark returns the newest watermark that has been set, durable
// or not.
func (s *Store) PendingWatermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.gens) - 1; i >= 0; i-- {
		if s.gens[i].complete {
			return s.gens[i].watermark
		}
	}
	return s.watermark
}

// Busy reports whether pending writes exceed the configured weight.
// Producers are expected to throttle while it is true.
func (s *Store) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

func (s *Store) busyLocked() bool {
	return s.state == StateOK && !s.backpressureOff && s.weight > s.opts.BusyLimit
}

// Health returns a snapshot of the cache state.
func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := 0
	for _, g := range s.gens {
		pending += len(g.ops)
	}
	return Health{
		State:                s.state,
		Busy:                 s.busyLocked(),
		PendingOps:           pending,
		PendingWeight:        s.weight,
		Generations:          len(s.gens),
		Retries:              s.retries,
		BackpressureDisabled: s.backpressureOff,
		NeedsResync:          s.needsResync,
		Watermark:            s.watermark,
	}
}

// Reset discards every durable and pending row and returns the cache to
// the OK state. Call it before repopulating from a full resync.
func (s *Store) Reset(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("store: reset: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens = []*generation{newGeneration(s.nextGenID())}
	s.weight = 0
	s.state = StateOK
	s.needsResync = false
	s.retries = 0
	s.backpressureOff = false
	s.reloadRequested = false
	s.watermark = ""
	metrics.StorePendingWeight.Set(0)
	s.log.Info("cache reset")
	return nil
}

// Backend returns the underlying backend.
func (s *Store) Backend() backend.Backend {
	return s.backend
}

// Tables returns the registered user tables sorted by name.
func (s *Store) Tables() []TableSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TableSchema, 0, len(s.tables))
	for _, t := range s.tables {
		if t.Name != WatermarkTable {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b TableSchema) int { return strings.Compare(a.Name, b.Name) })
	return out
}
