package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/record"
)

func TestOpenEmptyBackendNeedsResync(t *testing.T) {
	s := openTestStore(t, backend.NewMemory(true), testOptions())
	assert.True(t, s.NeedsResync())
	assert.Equal(t, "", s.Watermark())
}

func TestAddFlushGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sq, err := backend.OpenSQLite(filepath.Join(dir, "c.db"))
	require.NoError(t, err)
	ldb, err := backend.OpenLevelDB(filepath.Join(dir, "c.ldb"))
	require.NoError(t, err)

	for _, b := range []backend.Backend{sq, ldb, backend.NewMemory(false)} {
		t.Run(b.Name(), func(t *testing.T) {
			s := openTestStore(t, b, testOptions())
			defer s.Close(ctx)

			require.NoError(t, s.Add("f", node("A", "R")))
			require.NoError(t, s.Add("f", node("B", "R")))
			require.NoError(t, s.SetWatermark("7"))
			require.NoError(t, s.Flush(ctx))

			assert.Equal(t, "7", s.Watermark())
			assert.Equal(t, 0, s.Health().PendingOps)

			rows, err := s.GetByKey(ctx, "f", "h", "A")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, record.String("R"), rows[0]["p"])

			rows, err = s.GetByKey(ctx, "f", "p", "R")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"A", "B"}, keys(rows))
		})
	}
}

func TestDirtyReadSeesPendingWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())

	require.NoError(t, s.Add("f", node("A", "R")))

	row, err := s.GetRow(ctx, "f", "A")
	require.NoError(t, err)
	assert.Equal(t, record.String("R"), row["p"])

	rows, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, keys(rows))
}

func TestAddThenDeleteInSameGenerationIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())

	require.NoError(t, s.Add("f", node("A", "root")))
	require.NoError(t, s.Delete("f", "A"))

	rows, err := s.GetByKey(ctx, "f", "h", "A")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = s.GetRow(ctx, "f", "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingDeleteMasksDurableRow(t *testing.T) {
	ctx := context.Background()
	s := committedStore(t, backend.NewMemory(true))

	require.NoError(t, s.Delete("f", "R"))

	rows, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Still durable underneath until flushed.
	require.NoError(t, s.SetWatermark("2"))
	require.NoError(t, s.Flush(ctx))
	rows, err = s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOverlayFollowsIndexChanges(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())
	require.NoError(t, s.Add("f", node("A", "X")))
	require.NoError(t, s.SetWatermark("1"))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Add("f", node("A", "Y")))

	rows, err := s.GetByKey(ctx, "f", "p", "X")
	require.NoError(t, err)
	assert.Empty(t, rows, "pending move away from X hides the durable row")

	rows, err = s.GetByKey(ctx, "f", "p", "Y")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, keys(rows))
}

func TestNewestGenerationWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())

	require.NoError(t, s.Add("f", record.Object{"h": record.String("A"), "v": record.Int(1)}))
	require.NoError(t, s.SetWatermark("1"))
	require.NoError(t, s.Add("f", record.Object{"h": record.String("A"), "v": record.Int(2)}))

	row, err := s.GetRow(ctx, "f", "A")
	require.NoError(t, err)
	assert.Equal(t, record.Int(2), row["v"])
}

func TestUnknownTableAndIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())

	assert.ErrorIs(t, s.Add("nope", node("A", "")), ErrUnknownTable)
	assert.ErrorIs(t, s.Add(WatermarkTable, node("A", "")), ErrUnknownTable)
	assert.ErrorIs(t, s.Add("f", record.Object{"p": record.String("x")}), ErrMissingKey)

	_, err := s.GetByKey(ctx, "f", "zz", "A")
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestFlushOrdersWatermarkAroundTables(t *testing.T) {
	ctx := context.Background()
	rec := &recordingBackend{Memory: backend.NewMemory(false)}
	s := openTestStore(t, rec, testOptions())

	require.NoError(t, s.Add("s", record.Object{"h": record.String("S1")}))
	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.Add("s", record.Object{"h": record.String("S2")}))
	require.NoError(t, s.SetWatermark("9"))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []string{"_sn:delete", "s", "f", "_sn:put"}, rec.calls[0])
}

func TestPartialFlushDeletesWatermarkOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recordingBackend{Memory: backend.NewMemory(false)}
	s := openTestStore(t, rec, testOptions())

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Add("f", node("B", "R")))
	require.NoError(t, s.SetWatermark("3"))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, []string{"_sn:delete", "f"}, rec.calls[0])
	assert.Equal(t, []string{"f", "_sn:put"}, rec.calls[1])
	assert.Equal(t, "3", s.Watermark())
}

func TestCrashBeforeWatermarkInvalidatesNonAtomic(t *testing.T) {
	mem := backend.NewMemory(false)
	s := committedStore(t, mem)

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.SetWatermark("2"))

	// The table batch lands, the watermark batch hits a transient error,
	// and the process dies while backing off.
	mem.FailNext(nil, nil, backend.ErrTransient)
	s.opts.Retry.Initial = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, s.Flush(ctx))

	reopened := openTestStore(t, mem, testOptions())
	assert.True(t, reopened.NeedsResync())

	rows, err := reopened.Get(context.Background(), "f")
	require.NoError(t, err)
	assert.Empty(t, rows, "cache must be empty, not partially populated")
}

func TestCrashOnAtomicBackendKeepsPreviousGeneration(t *testing.T) {
	mem := backend.NewMemory(true)
	s := committedStore(t, mem)

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.SetWatermark("2"))

	mem.FailNext(nil, nil, backend.ErrTransient)
	s.opts.Retry.Initial = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, s.Flush(ctx))

	reopened := openTestStore(t, mem, testOptions())
	assert.False(t, reopened.NeedsResync())
	assert.Equal(t, "1", reopened.Watermark())

	rows, err := reopened.Get(context.Background(), "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"R"}, keys(rows))
}

func TestReopenWithWrongKeyInvalidates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.db")

	b, err := backend.OpenSQLite(path)
	require.NoError(t, err)
	s := committedStore(t, b)
	require.NoError(t, s.Close(ctx))

	b, err = backend.OpenSQLite(path)
	require.NoError(t, err)
	s, err = Open(ctx, b, otherCodec(t), testOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.True(t, s.NeedsResync())
}

func TestKeepInvalidLeavesRowsInPlace(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	s := committedStore(t, mem)
	require.NoError(t, s.Close(ctx))

	mem.Reopen()
	opts := testOptions()
	opts.KeepInvalid = true
	s, err := Open(ctx, mem, otherCodec(t), opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.True(t, s.NeedsResync())
	rows, err := mem.Scan(ctx, "f")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "rows survive an invalid open")
}

func TestReopenKeepsWatermarkAndRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.db")

	b, err := backend.OpenSQLite(path)
	require.NoError(t, err)
	s := committedStore(t, b)
	require.NoError(t, s.Close(ctx))

	b, err = backend.OpenSQLite(path)
	require.NoError(t, err)
	s = openTestStore(t, b, testOptions())
	defer s.Close(ctx)

	assert.False(t, s.NeedsResync())
	assert.Equal(t, "1", s.Watermark())
	row, err := s.GetRow(ctx, "f", "R")
	require.NoError(t, err)
	assert.Equal(t, record.String("R"), row["h"])
}

func TestBusyTracksPendingWeight(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.BusyLimit = 3
	s := openTestStore(t, backend.NewMemory(true), opts)

	for _, h := range []string{"A", "B", "C"} {
		require.NoError(t, s.Add("f", node(h, "R")))
	}
	assert.False(t, s.Busy())

	require.NoError(t, s.Add("f", node("D", "R")))
	assert.True(t, s.Busy())

	require.NoError(t, s.SetWatermark("1"))
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Busy())
	assert.Equal(t, 0, s.Health().PendingWeight)
}

func TestBusyTriggersBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	opts := testOptions()
	opts.ManualFlush = false
	opts.BusyLimit = 3
	s := openTestStore(t, mem, opts)
	defer s.Close(ctx)

	// Every table stays under its limit and no watermark is set: only the
	// pending weight can start a flush.
	for _, h := range []string{"A", "B", "C", "D", "E", "F"} {
		require.NoError(t, s.Add("f", node(h, "R")))
	}

	require.Eventually(t, func() bool {
		return !s.Busy() && s.Health().PendingOps == 0
	}, time.Second, 5*time.Millisecond)

	rows, err := mem.Scan(ctx, "f")
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestPartialFlushClearsReportedWatermark(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(false)
	s := committedStore(t, mem)
	require.Equal(t, "1", s.Watermark())

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.Flush(ctx))

	_, found, err := mem.Get(ctx, WatermarkTable, s.watermarkRowKey())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", s.Watermark())
	assert.Equal(t, "", s.Health().Watermark)

	require.NoError(t, s.SetWatermark("2"))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, "2", s.Watermark())
}

func TestTablesAreSortedByName(t *testing.T) {
	opts := testOptions()
	opts.Tables = []TableSchema{
		{Name: "ua", Key: "k"},
		{Name: "f", Key: "h"},
		{Name: "s", Key: "h"},
	}
	s := openTestStore(t, backend.NewMemory(true), opts)

	var names []string
	for _, table := range s.Tables() {
		names = append(names, table.Name)
	}
	assert.Equal(t, []string{"f", "s", "ua"}, names)
}

func TestRetryEscalationLadder(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	opts := testOptions()
	opts.BusyLimit = 1
	reloads := make(chan error, 4)
	opts.OnReload = func(err error) { reloads <- err }
	s := committedStore(t, mem)
	s.opts = opts
	s.opts.Tables = nil

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.Add("f", node("B", "R")))
	require.NoError(t, s.SetWatermark("2"))
	assert.True(t, s.Busy())

	mem.FailNext(backend.ErrTransient, backend.ErrTransient, backend.ErrTransient, backend.ErrTransient)
	err := s.Flush(ctx)
	require.ErrorIs(t, err, ErrUnusable)

	h := s.Health()
	assert.Equal(t, StateUnusable, h.State)
	assert.True(t, h.BackpressureDisabled)
	assert.False(t, s.Busy())

	select {
	case <-reloads:
	case <-time.After(time.Second):
		t.Fatal("expected a reload request")
	}

	rows, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, rows, "unusable cache serves no rows")
	assert.ErrorIs(t, s.Add("f", node("C", "R")), ErrUnusable)

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, StateOK, s.Health().State)
	require.NoError(t, s.Add("f", node("C", "R")))
}

func TestTransientFailureRecovers(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	s := openTestStore(t, mem, testOptions())

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.SetWatermark("5"))

	mem.FailNext(backend.ErrTransient)
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, "5", s.Watermark())
	assert.Equal(t, 0, s.Health().Retries)
}

func TestReadOnlyBackendDropsWrites(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	s := committedStore(t, mem)

	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.SetWatermark("2"))
	mem.FailNext(backend.ErrReadOnly)

	require.ErrorIs(t, s.Flush(ctx), backend.ErrReadOnly)
	assert.Equal(t, StateReadOnly, s.Health().State)
	assert.ErrorIs(t, s.Add("f", node("B", "R")), ErrReadOnly)

	rows, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"R"}, keys(rows))
}

func TestIntegrityFailureInvalidates(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	reloads := make(chan error, 1)
	opts := testOptions()
	opts.OnReload = func(err error) { reloads <- err }

	s := openTestStore(t, mem, opts)
	require.NoError(t, s.Add("f", node("A", "R")))
	require.NoError(t, s.SetWatermark("1"))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Add("f", node("B", "R")))
	require.NoError(t, s.SetWatermark("2"))
	mem.FailNext(errors.New("disk corrupted"))
	require.Error(t, s.Flush(ctx))

	assert.True(t, s.NeedsResync())
	rows, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, rows)

	select {
	case err := <-reloads:
		assert.Contains(t, err.Error(), "disk corrupted")
	case <-time.After(time.Second):
		t.Fatal("expected a reload request")
	}
}

func TestWriteThroughTableFlushesInBackground(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(true)
	opts := testOptions()
	opts.ManualFlush = false
	s := openTestStore(t, mem, opts)
	defer s.Close(ctx)

	require.NoError(t, s.Add("ua", record.Object{"k": record.String("^!prd"), "v": record.String("1")}))

	require.Eventually(t, func() bool {
		return s.Health().PendingOps == 0 && mem.Applied() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestTableLimitTriggersFlush(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(false)
	opts := testOptions()
	opts.ManualFlush = false
	opts.TableLimit = 2
	s := openTestStore(t, mem, opts)
	defer s.Close(ctx)

	for _, h := range []string{"A", "B", "C"} {
		require.NoError(t, s.Add("f", node(h, "R")))
	}

	require.Eventually(t, func() bool {
		rows, err := mem.Scan(ctx, "f")
		return err == nil && len(rows) == 3
	}, time.Second, 5*time.Millisecond)

	// Rows are durable but the generation is not complete yet.
	assert.Equal(t, "", s.Watermark())
}

func TestMergeCallback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, backend.NewMemory(true), testOptions())
	require.NoError(t, s.RegisterMerge("s", func(prev, next record.Object) record.Object {
		a, _ := prev.Int("n")
		b, _ := next.Int("n")
		return next.With("n", record.Int(a+b))
	}))

	require.NoError(t, s.Add("s", record.Object{"h": record.String("X"), "n": record.Int(2)}))
	require.NoError(t, s.Add("s", record.Object{"h": record.String("X"), "n": record.Int(3)}))

	row, err := s.GetRow(ctx, "s", "X")
	require.NoError(t, err)
	assert.Equal(t, record.Int(5), row["n"])

	assert.ErrorIs(t, s.RegisterMerge("nope", nil), ErrUnknownTable)
}

func TestPendingWatermark(t *testing.T) {
	s := openTestStore(t, backend.NewMemory(true), testOptions())
	require.NoError(t, s.SetWatermark("4"))
	assert.Equal(t, "4", s.PendingWatermark())
	assert.Equal(t, "", s.Watermark())
	require.Error(t, s.SetWatermark(""))
}
