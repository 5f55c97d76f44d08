package store

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/record"
)

var testTables = []TableSchema{
	{Name: "f", Key: "h", Indexes: []string{"p"}},
	{Name: "s", Key: "h"},
	{Name: "ua", Key: "k", WriteThrough: true},
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return c
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Tables = testTables
	opts.ManualFlush = true
	opts.Retry = RetryPolicy{
		Initial:                  time.Millisecond,
		Max:                      time.Millisecond,
		DisableBackpressureAfter: 2,
		ReloadAfter:              3,
		CrashAfter:               4,
	}
	return opts
}

// openTestStore opens a store over b with manual flushing.
func openTestStore(t *testing.T, b backend.Backend, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), b, testCodec(t), opts)
	require.NoError(t, err)
	return s
}

// committedStore returns a store over b that already holds one durable
// generation with watermark "1".
func committedStore(t *testing.T, b backend.Backend) *Store {
	t.Helper()
	s := openTestStore(t, b, testOptions())
	require.NoError(t, s.Add("f", node("R", "")))
	require.NoError(t, s.SetWatermark("1"))
	require.NoError(t, s.Flush(context.Background()))
	return s
}

func node(h, p string) record.Object {
	return record.Object{"h": record.String(h), "p": record.String(p)}
}

func keys(rows []record.Object) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		h, _ := r.Str("h")
		out = append(out, h)
	}
	return out
}

// recordingBackend logs the table sequence of every batch it commits.
type recordingBackend struct {
	*backend.Memory
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingBackend) Apply(ctx context.Context, batches []backend.Batch) error {
	var seq []string
	for _, b := range batches {
		op := b.Table
		if b.Table == WatermarkTable {
			op += ":" + b.Writes[0].Op.String()
		}
		seq = append(seq, op)
	}
	r.mu.Lock()
	r.calls = append(r.calls, seq)
	r.mu.Unlock()
	return r.Memory.Apply(ctx, batches)
}

func otherCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return c
}
