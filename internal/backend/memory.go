package backend

import (
	"context"
	"sync"
)

// Memory is an in-process backend. It can behave atomically or not, and it
// supports fault injection so crash and retry paths can be exercised
// without a real disk.
type Memory struct {
	mu     sync.Mutex
	atomic bool
	tables map[string]*memTable
	closed bool

	// failures, when non-empty, is consumed one entry per committed batch:
	// a non-nil entry fails that batch instead of committing it.
	failures []error
	// applied counts committed batches.
	applied int
}

type memTable struct {
	order []string
	rows  map[string]Row
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty memory backend.
func NewMemory(atomic bool) *Memory {
	return &Memory{atomic: atomic, tables: make(map[string]*memTable)}
}

// Name implements Backend.
func (m *Memory) Name() string { return "memory" }

// Atomic implements Backend.
func (m *Memory) Atomic() bool { return m.atomic }

// Close implements Backend. A closed memory backend keeps its contents so
// tests can reopen a cache over it.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen clears the closed flag.
func (m *Memory) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// FailNext queues errors for the next batches. A nil entry lets that batch
// through; FailNext(nil, ErrTransient) fails the second batch only.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Applied returns the number of batches committed so far.
func (m *Memory) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Apply implements Backend.
func (m *Memory) Apply(ctx context.Context, batches []Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if m.atomic {
		snapshot := m.snapshot()
		for _, b := range batches {
			if err := m.nextFailure(); err != nil {
				m.tables = snapshot
				return err
			}
			m.applyBatch(b)
		}
		m.applied += len(batches)
		return nil
	}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.nextFailure(); err != nil {
			return err
		}
		m.applyBatch(b)
		m.applied++
	}
	return nil
}

func (m *Memory) nextFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *Memory) applyBatch(b Batch) {
	t := m.tables[b.Table]
	if t == nil {
		t = &memTable{rows: make(map[string]Row)}
		m.tables[b.Table] = t
	}
	for _, w := range b.Writes {
		_, exists := t.rows[w.Row.Key]
		switch w.Op {
		case OpPut:
			if !exists {
				t.order = append(t.order, w.Row.Key)
			}
			t.rows[w.Row.Key] = cloneRow(w.Row)
		case OpDelete:
			if exists {
				delete(t.rows, w.Row.Key)
				t.order = removeKey(t.order, w.Row.Key)
			}
		}
	}
}

func (m *Memory) snapshot() map[string]*memTable {
	out := make(map[string]*memTable, len(m.tables))
	for name, t := range m.tables {
		cp := &memTable{
			order: append([]string(nil), t.order...),
			rows:  make(map[string]Row, len(t.rows)),
		}
		for k, r := range t.rows {
			cp.rows[k] = r
		}
		out[name] = cp
	}
	return out
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i:i], keys[i+1:]...)
		}
	}
	return keys
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, table, key string) (Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Row{}, false, ErrClosed
	}
	t := m.tables[table]
	if t == nil {
		return Row{}, false, nil
	}
	r, ok := t.rows[key]
	return cloneRow(r), ok, nil
}

// Scan implements Backend. Rows come back in insertion order.
func (m *Memory) Scan(ctx context.Context, table string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t := m.tables[table]
	if t == nil {
		return nil, nil
	}
	out := make([]Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, cloneRow(t.rows[k]))
	}
	return out, nil
}

// ScanIndex implements Backend.
func (m *Memory) ScanIndex(ctx context.Context, table, index string, values []string) ([]Row, error) {
	rows, err := m.Scan(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		if v, ok := r.Index[index]; ok && matchesAny(v, values) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Clear implements Backend.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tables = make(map[string]*memTable)
	return nil
}

// Tables returns the names of non-empty tables. Used by inspection tooling.
func (m *Memory) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, t := range m.tables {
		if len(t.rows) > 0 {
			out = append(out, name)
		}
	}
	return out
}
