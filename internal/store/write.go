package store

import (
	"fmt"
	"strconv"

	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// Add queues row for table in the current generation. It never touches the
// backend. If the table has a merge callback and an older pending row for
// the same key exists, the merged row is queued instead.
func (s *Store) Add(table string, row record.Object) error {
	s.mu.Lock()
	schema, ok := s.tables[table]
	s.mu.Unlock()
	if !ok || table == WatermarkTable {
		return fmt.Errorf("add: %w: %q", ErrUnknownTable, table)
	}
	key, ok := fieldString(row, schema.Key)
	if !ok {
		return fmt.Errorf("add %s: %w (%q)", table, ErrMissingKey, schema.Key)
	}
	row = row.Clone()
	encoded, err := record.MarshalCanonical(row)
	if err != nil {
		return fmt.Errorf("add %s: %w", table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	if schema.Merge != nil {
		if prev, found := s.pendingLocked(table, key); found && prev != nil {
			row = schema.Merge(prev.Clone(), row)
		}
	}
	s.enqueueLocked(schema, op{table: table, key: key, row: row, weight: 1 + len(encoded)/1024})
	return nil
}

// Delete queues a delete of key from table in the current generation.
// Until flushed, the pending delete masks any durable row for key.
func (s *Store) Delete(table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.tables[table]
	if !ok || table == WatermarkTable {
		return fmt.Errorf("delete: %w: %q", ErrUnknownTable, table)
	}
	if err := s.writableLocked(); err != nil {
		return err
	}
	s.enqueueLocked(schema, op{table: table, key: key, weight: 1})
	return nil
}

// SetWatermark closes the current generation with sn as its commit marker
// and opens a new one. The watermark is always the last write of its
// generation; once it is durable, every earlier write is too.
func (s *Store) SetWatermark(sn string) error {
	if sn == "" {
		return fmt.Errorf("set watermark: empty marker")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	open := s.gens[len(s.gens)-1]
	open.watermark = sn
	open.complete = true
	s.gens = append(s.gens, newGeneration(s.nextGenID()))
	s.log.Debug("generation closed", "generation", open.id, "watermark", sn, "ops", len(open.ops))
	s.triggerFlush()
	return nil
}

func (s *Store) writableLocked() error {
	switch s.state {
	case StateReadOnly:
		return ErrReadOnly
	case StateUnusable:
		return ErrUnusable
	}
	return nil
}

func (s *Store) enqueueLocked(schema TableSchema, o op) {
	g := s.gens[len(s.gens)-1]
	g.ops = append(g.ops, o)
	g.counts[o.table]++
	s.weight += o.weight
	metrics.StorePendingWeight.Set(float64(s.weight))

	if schema.WriteThrough || g.counts[o.table] > s.opts.TableLimit || s.weight > s.opts.BusyLimit {
		s.triggerFlush()
	}
}

// pendingLocked returns the newest pending op for (table, key). A nil row
// with found=true means the key is pending deletion.
func (s *Store) pendingLocked(table, key string) (record.Object, bool) {
	for i := len(s.gens) - 1; i >= 0; i-- {
		ops := s.gens[i].ops
		for j := len(ops) - 1; j >= 0; j-- {
			if ops[j].table == table && ops[j].key == key {
				return ops[j].row, true
			}
		}
	}
	return nil, false
}

// triggerFlush wakes the background flusher without blocking.
func (s *Store) triggerFlush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// fieldString renders an index or key field as the string the backend
// indexes on.
func fieldString(row record.Object, field string) (string, bool) {
	switch v := row[field].(type) {
	case record.String:
		return string(v), true
	case record.Int:
		return strconv.FormatInt(int64(v), 10), true
	case record.Bool:
		return strconv.FormatBool(bool(v)), true
	}
	return "", false
}
