package backend

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
var (
	// ErrTransient marks a failure worth retrying (lock contention, timeouts,
	// aborted transactions).
	ErrTransient = errors.New("backend: transient failure")
	// ErrReadOnly means the backend refuses writes. Reads keep working.
	ErrReadOnly = errors.New("backend: read-only")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("backend: closed")
)

// Op is the kind of a single write.
type Op int

const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Row is a persisted row. Key and Index values are opaque to the backend
// (the cache encrypts them deterministically before they get here); Value
// is the sealed row body.
type Row struct {
	Key   string
	Index map[string]string
	Value string
}

// Write is one put or delete. Deletes only use Row.Key.
type Write struct {
	Op  Op
	Row Row
}

// Batch is the ordered writes for one table.
type Batch struct {
	Table  string
	Writes []Write
}

// Backend is a persistent row store with per-table key and secondary index
// lookups.
//
// Apply is the only write path. Atomic backends commit every batch passed to
// a single Apply call in one transaction. Non-atomic backends commit one
// batch at a time in slice order; a failure part way leaves the earlier
// batches durable.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Atomic reports whether Apply is all-or-nothing across batches.
	Atomic() bool
	Apply(ctx context.Context, batches []Batch) error
	Get(ctx context.Context, table, key string) (Row, bool, error)
	// Scan returns every row of table.
	Scan(ctx context.Context, table string) ([]Row, error)
	// ScanIndex returns the rows of table whose index value is one of values.
	ScanIndex(ctx context.Context, table, index string, values []string) ([]Row, error)
	// Clear drops every row of every table.
	Clear(ctx context.Context) error
	Close() error
}

// IsTransient reports whether err should be retried. Context deadline and
// cancellation count as transient: the write did not happen and can be
// repeated.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Kind names the available backend implementations.
type Kind string

const (
	KindSQLite  Kind = "sqlite"
	KindLevelDB Kind = "leveldb"
	KindMemory  Kind = "memory"
)

// Open opens a backend by kind. path is ignored for the memory backend.
func Open(kind Kind, path string) (Backend, error) {
	switch kind {
	case KindSQLite:
		return OpenSQLite(path)
	case KindLevelDB:
		return OpenLevelDB(path)
	case KindMemory:
		return NewMemory(true), nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

func matchesAny(v string, values []string) bool {
	for _, want := range values {
		if v == want {
			return true
		}
	}
	return false
}

func cloneRow(r Row) Row {
	out := Row{Key: r.Key, Value: r.Value}
	if r.Index != nil {
		out.Index = make(map[string]string, len(r.Index))
		for k, v := range r.Index {
			out.Index[k] = v
		}
	}
	return out
}
