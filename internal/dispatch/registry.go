package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// Sentinel errors.
var (
	ErrDuplicateHandler = errors.New("dispatch: handler already registered")
	ErrUnknownKind      = errors.New("dispatch: unknown kind")
	// ErrOutOfOrder is returned when Invoke is called with a slot that is
	// not greater than the last invoked one. The handler is not called.
	ErrOutOfOrder = errors.New("dispatch: slot already invoked")
)

// Handler applies one delta. Handlers may mutate the tree and queue cache
// writes; they must not block.
type Handler interface {
	Handle(ctx context.Context, d record.Delta) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d record.Delta) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d record.Delta) error {
	return f(ctx, d)
}

// Validator checks a delta before its handler runs.
type Validator interface {
	Validate(d record.Delta) error
}

// HandlerError wraps a failed or panicking handler.
type HandlerError struct {
	Kind  record.Kind
	Slot  uint64
	Panic bool
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler %s (slot %d) panicked: %v", e.Kind, e.Slot, e.Err)
	}
	return fmt.Sprintf("handler %s (slot %d): %v", e.Kind, e.Slot, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Registry maps delta kinds to handlers.
//
// Invoke is the only way handlers run. It guarantees:
//   - strictly increasing slots (a repeated or older slot is refused)
//   - handler errors and panics are contained and logged
//   - an unregistered kind is a no-op
type Registry struct {
	mu        sync.RWMutex
	handlers  map[record.Kind]Handler
	validator Validator
	log       *slog.Logger

	invokeMu sync.Mutex
	lastSlot uint64
	invoked  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidator runs v before every handler.
func WithValidator(v Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// WithLogger sets the logger used for contained handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[record.Kind]Handler),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds h to kind. Registering a kind twice is an error.
func (r *Registry) Register(kind record.Kind, h Handler) error {
	if !kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register that panics on error. For startup wiring.
func (r *Registry) MustRegister(kind record.Kind, h Handler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

// Handler returns the handler for kind.
func (r *Registry) Handler(kind record.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []record.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]record.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Invoke runs the handler for d. The returned error is informational: the
// caller must treat the slot as dispatched whatever happens.
func (r *Registry) Invoke(ctx context.Context, d record.Delta) (err error) {
	r.invokeMu.Lock()
	defer r.invokeMu.Unlock()

	if r.invoked && d.Slot <= r.lastSlot {
		return fmt.Errorf("%w: slot %d (last %d)", ErrOutOfOrder, d.Slot, r.lastSlot)
	}
	r.invoked = true
	r.lastSlot = d.Slot

	h, ok := r.Handler(d.Kind)
	if !ok {
		r.log.Debug("no handler for delta", "slot", d.Slot, "kind", d.Kind)
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Kind: d.Kind, Slot: d.Slot, Panic: true, Err: fmt.Errorf("%v", p)}
			r.log.Error("handler panicked", "slot", d.Slot, "kind", d.Kind, "panic", p, "stack", string(debug.Stack()))
			metrics.HandlerFailures.WithLabelValues(string(d.Kind)).Inc()
		}
	}()

	if r.validator != nil {
		if verr := r.validator.Validate(d); verr != nil {
			return r.failed(d, verr)
		}
	}
	if herr := h.Handle(ctx, d); herr != nil {
		return r.failed(d, herr)
	}
	return nil
}

func (r *Registry) failed(d record.Delta, cause error) error {
	r.log.Error("handler failed", "slot", d.Slot, "kind", d.Kind, "error", cause)
	metrics.HandlerFailures.WithLabelValues(string(d.Kind)).Inc()
	return &HandlerError{Kind: d.Kind, Slot: d.Slot, Err: cause}
}

// Reset forgets the last invoked slot. Used after a full resync restarts
// slot numbering.
func (r *Registry) Reset() {
	r.invokeMu.Lock()
	defer r.invokeMu.Unlock()
	r.invoked = false
	r.lastSlot = 0
}
