package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	R <table> 0x00 <key>                          -> encoded Row
//	I <table> 0x00 <index> 0x00 <value> 0x00 <key> -> empty
const (
	prefixRow   = "R"
	prefixIndex = "I"
	sep         = "\x00"
)

// LevelDB is the non-atomic backend. Each batch handed to Apply is one
// leveldb.Batch, written in order; there is no transaction spanning tables.
type LevelDB struct {
	db   *leveldb.DB
	sync bool
}

var _ Backend = (*LevelDB)(nil)

// OpenLevelDB opens or creates a LevelDB database directory at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDB{db: db, sync: true}, nil
}

// Name implements Backend.
func (l *LevelDB) Name() string { return "leveldb" }

// Atomic implements Backend.
func (l *LevelDB) Atomic() bool { return false }

// Close implements Backend.
func (l *LevelDB) Close() error { return l.db.Close() }

func rowKey(table, key string) []byte {
	return []byte(prefixRow + table + sep + key)
}

func indexKey(table, index, value, key string) []byte {
	return []byte(prefixIndex + table + sep + index + sep + value + sep + key)
}

type storedRow struct {
	I map[string]string `json:"i,omitempty"`
	V string            `json:"v"`
}

// Apply implements Backend. Batches commit one at a time.
func (l *LevelDB) Apply(ctx context.Context, batches []Batch) error {
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.applyBatch(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *LevelDB) applyBatch(b Batch) error {
	batch := new(leveldb.Batch)
	// Rows touched earlier in this batch are not visible to db.Get yet.
	staged := make(map[string]*storedRow)

	for _, w := range b.Writes {
		prev, err := l.current(b.Table, w.Row.Key, staged)
		if err != nil {
			return err
		}
		if prev != nil {
			for idx, v := range prev.I {
				batch.Delete(indexKey(b.Table, idx, v, w.Row.Key))
			}
		}

		switch w.Op {
		case OpDelete:
			batch.Delete(rowKey(b.Table, w.Row.Key))
			staged[w.Row.Key] = nil
		case OpPut:
			sr := &storedRow{I: w.Row.Index, V: w.Row.Value}
			data, err := json.Marshal(sr)
			if err != nil {
				return fmt.Errorf("leveldb encode row: %w", err)
			}
			batch.Put(rowKey(b.Table, w.Row.Key), data)
			for idx, v := range w.Row.Index {
				batch.Put(indexKey(b.Table, idx, v, w.Row.Key), nil)
			}
			staged[w.Row.Key] = sr
		default:
			return fmt.Errorf("unknown op %d", w.Op)
		}
	}

	if err := l.db.Write(batch, &opt.WriteOptions{Sync: l.sync}); err != nil {
		return classifyLevelDB("write "+b.Table, err)
	}
	return nil
}

func (l *LevelDB) current(table, key string, staged map[string]*storedRow) (*storedRow, error) {
	if sr, ok := staged[key]; ok {
		return sr, nil
	}
	data, err := l.db.Get(rowKey(table, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classifyLevelDB("get", err)
	}
	var sr storedRow
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("leveldb decode row: %w", err)
	}
	return &sr, nil
}

// Get implements Backend.
func (l *LevelDB) Get(ctx context.Context, table, key string) (Row, bool, error) {
	sr, err := l.current(table, key, nil)
	if err != nil || sr == nil {
		return Row{}, false, err
	}
	return Row{Key: key, Index: sr.I, Value: sr.V}, true, nil
}

// Scan implements Backend. Rows come back in key order.
func (l *LevelDB) Scan(ctx context.Context, table string) ([]Row, error) {
	prefix := []byte(prefixRow + table + sep)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []Row
	for it.Next() {
		var sr storedRow
		if err := json.Unmarshal(it.Value(), &sr); err != nil {
			return nil, fmt.Errorf("leveldb decode row: %w", err)
		}
		out = append(out, Row{
			Key:   string(it.Key()[len(prefix):]),
			Index: sr.I,
			Value: sr.V,
		})
	}
	if err := it.Error(); err != nil {
		return nil, classifyLevelDB("scan", err)
	}
	return out, nil
}

// ScanIndex implements Backend.
func (l *LevelDB) ScanIndex(ctx context.Context, table, index string, values []string) ([]Row, error) {
	var out []Row
	seen := make(map[string]bool)
	for _, v := range values {
		prefix := []byte(prefixIndex + table + sep + index + sep + v + sep)
		it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			key := string(it.Key()[len(prefix):])
			if seen[key] {
				continue
			}
			seen[key] = true
			row, ok, err := l.Get(ctx, table, key)
			if err != nil {
				it.Release()
				return nil, err
			}
			if ok {
				out = append(out, row)
			}
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, classifyLevelDB("scan index", err)
		}
	}
	return out, nil
}

// Clear implements Backend.
func (l *LevelDB) Clear(ctx context.Context) error {
	it := l.db.NewIterator(nil, nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return classifyLevelDB("clear", err)
	}
	return classifyLevelDB("clear", l.db.Write(batch, &opt.WriteOptions{Sync: l.sync}))
}

func classifyLevelDB(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return fmt.Errorf("leveldb %s: %w", op, ErrClosed)
	case errors.Is(err, leveldb.ErrReadOnly):
		return fmt.Errorf("leveldb %s: %w", op, ErrReadOnly)
	case lerrors.IsCorrupted(err):
		return fmt.Errorf("leveldb %s: %w", op, err)
	}
	return fmt.Errorf("leveldb %s: %w: %v", op, ErrTransient, err)
}
