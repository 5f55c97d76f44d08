package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/record"
)

// rowSet keeps rows keyed by primary key in first-seen order.
type rowSet struct {
	order []string
	rows  map[string]record.Object
}

func newRowSet() *rowSet {
	return &rowSet{rows: make(map[string]record.Object)}
}

func (rs *rowSet) set(key string, row record.Object) {
	if _, ok := rs.rows[key]; !ok {
		rs.order = append(rs.order, key)
	}
	rs.rows[key] = row
}

func (rs *rowSet) remove(key string) {
	if _, ok := rs.rows[key]; !ok {
		return
	}
	delete(rs.rows, key)
	rs.order = slices.DeleteFunc(rs.order, func(k string) bool { return k == key })
}

func (rs *rowSet) list() []record.Object {
	out := make([]record.Object, 0, len(rs.order))
	for _, k := range rs.order {
		out = append(out, rs.rows[k].Clone())
	}
	return out
}

// Get returns every row of table: durable rows overlaid with pending
// writes. An unusable cache returns nothing.
func (s *Store) Get(ctx context.Context, table string) ([]record.Object, error) {
	schema, overlay, usable, err := s.readSnapshot(table)
	if err != nil || !usable {
		return nil, err
	}

	durable, err := s.backend.Scan(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	rs, err := s.decryptRows(schema, durable)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}

	for _, o := range overlay {
		if o.row == nil {
			rs.remove(o.key)
		} else {
			rs.set(o.key, o.row)
		}
	}
	return rs.list(), nil
}

// GetByKey returns the rows of table whose index field equals one of
// values. index may be the primary key field or a declared secondary index.
// Pending writes win over durable rows: a pending delete hides the key, a
// pending put is included only if its new value still matches.
func (s *Store) GetByKey(ctx context.Context, table, index string, values ...string) ([]record.Object, error) {
	schema, overlay, usable, err := s.readSnapshot(table)
	if err != nil || !usable {
		return nil, err
	}
	if index != schema.Key && !slices.Contains(schema.Indexes, index) {
		return nil, fmt.Errorf("get %s: %w: %q", table, ErrUnknownIndex, index)
	}

	var durable []backend.Row
	if index == schema.Key {
		for _, v := range values {
			row, ok, err := s.backend.Get(ctx, table, s.codec.EncryptIndex(table, index, v))
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", table, err)
			}
			if ok {
				durable = append(durable, row)
			}
		}
	} else {
		enc := make([]string, len(values))
		for i, v := range values {
			enc[i] = s.codec.EncryptIndex(table, index, v)
		}
		durable, err = s.backend.ScanIndex(ctx, table, index, enc)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", table, err)
		}
	}

	rs, err := s.decryptRows(schema, durable)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}

	for _, o := range overlay {
		if o.row == nil {
			rs.remove(o.key)
			continue
		}
		if v, ok := fieldString(o.row, index); ok && slices.Contains(values, v) {
			rs.set(o.key, o.row)
		} else {
			rs.remove(o.key)
		}
	}
	return rs.list(), nil
}

// GetRow returns the row of table with primary key key, or ErrNotFound.
func (s *Store) GetRow(ctx context.Context, table, key string) (record.Object, error) {
	s.mu.Lock()
	schema, ok := s.tables[table]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", table, ErrUnknownTable)
	}
	rows, err := s.GetByKey(ctx, table, schema.Key, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// readSnapshot copies the pending ops for table, oldest first. Taking the
// overlay before reading the backend means a flush that completes in
// between is seen twice rather than not at all.
func (s *Store) readSnapshot(table string) (TableSchema, []op, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, ok := s.tables[table]
	if !ok {
		return TableSchema{}, nil, false, fmt.Errorf("get: %w: %q", ErrUnknownTable, table)
	}
	if s.state == StateUnusable {
		return schema, nil, false, nil
	}

	var overlay []op
	for _, g := range s.gens {
		for _, o := range g.ops {
			if o.table == table {
				overlay = append(overlay, o)
			}
		}
	}
	return schema, overlay, true, nil
}

func (s *Store) decryptRows(schema TableSchema, rows []backend.Row) (*rowSet, error) {
	rs := newRowSet()
	for _, r := range rows {
		obj, err := s.codec.OpenRow(r.Value)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", r.Key, err)
		}
		key, ok := fieldString(obj, schema.Key)
		if !ok {
			return nil, fmt.Errorf("row %s: %w", r.Key, ErrMissingKey)
		}
		rs.set(key, obj)
	}
	return rs, nil
}
