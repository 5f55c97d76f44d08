package dispatch

import (
	"context"
	"errors"

	"github.com/roach88/apsync/internal/record"
)

// Builder collects handler registrations and reports every conflict at
// once from Build.
//
//	reg, err := dispatch.NewBuilder().
//	    Handle(record.KindNodeCreate, createHandler).
//	    HandleFunc(record.KindNodeDelete, deleteNode).
//	    Build()
type Builder struct {
	reg  *Registry
	errs []error
}

// NewBuilder starts a registry.
func NewBuilder(opts ...Option) *Builder {
	return &Builder{reg: NewRegistry(opts...)}
}

// Handle registers h for kind.
func (b *Builder) Handle(kind record.Kind, h Handler) *Builder {
	if err := b.reg.Register(kind, h); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// HandleFunc registers fn for kind.
func (b *Builder) HandleFunc(kind record.Kind, fn func(context.Context, record.Delta) error) *Builder {
	return b.Handle(kind, HandlerFunc(fn))
}

// Build returns the registry, or the joined registration errors.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.reg, nil
}
