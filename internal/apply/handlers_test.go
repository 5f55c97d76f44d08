package apply

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/dispatch"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/store"
	"github.com/roach88/apsync/internal/tree"
)

type fixture struct {
	tree  *tree.Tree
	cache *store.Store
	reg   *dispatch.Registry
	h     *Handlers
	slot  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := codec.New(bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)

	opts := store.DefaultOptions()
	opts.Tables = Tables()
	opts.ManualFlush = true
	s, err := store.Open(context.Background(), backend.NewMemory(true), c, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	f := &fixture{tree: tree.New(), cache: s}
	f.h = New(f.tree, s, nil)
	f.reg, err = f.h.Register(dispatch.NewBuilder()).Build()
	require.NoError(t, err)
	return f
}

func (f *fixture) invoke(t *testing.T, d record.Delta) error {
	t.Helper()
	d.Slot = f.slot
	f.slot++
	return f.reg.Invoke(context.Background(), d)
}

func (f *fixture) row(t *testing.T, table, key string) record.Object {
	t.Helper()
	row, err := f.cache.GetRow(context.Background(), table, key)
	require.NoError(t, err)
	return row
}

func (f *fixture) seed(nodes ...record.Node) {
	for _, n := range nodes {
		f.tree.Put(n)
	}
}

func folder(h, p record.Handle) record.Node {
	return record.Node{Handle: h, Parent: p, Type: record.TypeFolder, Attrs: record.Object{"n": record.String(string(h))}}
}

func TestRegisterCoversReferenceKinds(t *testing.T) {
	f := newFixture(t)
	assert.ElementsMatch(t, []record.Kind{
		record.KindNodeCreate, record.KindNodeUpdate, record.KindNodeDelete, record.KindMove,
		record.KindShare, record.KindShareV2, record.KindUserAttr, record.KindAcknowledge,
	}, f.reg.Kinds())
}

func TestCreateMirrorsInstalledNodes(t *testing.T) {
	f := newFixture(t)
	f.seed(folder("RRRRRRRR", ""), folder("AAAAAAAA", "RRRRRRRR"))

	err := f.invoke(t, record.Delta{Kind: record.KindNodeCreate, Nodes: []record.SealedNode{
		{Handle: "AAAAAAAA"}, {Handle: "ZZZZZZZZ"},
	}})
	require.NoError(t, err)

	row := f.row(t, TableNodes, "AAAAAAAA")
	assert.Equal(t, record.String("RRRRRRRR"), row["p"])
	_, err = f.cache.GetRow(context.Background(), TableNodes, "ZZZZZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound, "nodes not installed are skipped")
}

func TestUpdateChangesAttributes(t *testing.T) {
	f := newFixture(t)
	f.seed(folder("AAAAAAAA", ""))

	err := f.invoke(t, record.Delta{Kind: record.KindNodeUpdate, Target: "AAAAAAAA", Payload: record.Object{
		"a":  record.Object{"n": record.String("renamed")},
		"ts": record.Int(1700000000),
	}})
	require.NoError(t, err)

	n, _ := f.tree.Get("AAAAAAAA")
	assert.Equal(t, "renamed", n.Name())
	assert.Equal(t, int64(1700000000), n.Timestamp)
	assert.Equal(t, "renamed", record.NodeFromRow(f.row(t, TableNodes, "AAAAAAAA")).Name())
}

func TestUpdateOfMissingNodeFails(t *testing.T) {
	f := newFixture(t)
	err := f.invoke(t, record.Delta{Kind: record.KindNodeUpdate, Target: "AAAAAAAA"})
	var herr *dispatch.HandlerError
	require.ErrorAs(t, err, &herr)
}

func TestDeleteRemovesSubtreeAndShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(folder("RRRRRRRR", ""), folder("AAAAAAAA", "RRRRRRRR"), folder("BBBBBBBB", "AAAAAAAA"))
	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindNodeCreate, Nodes: []record.SealedNode{
		{Handle: "AAAAAAAA"}, {Handle: "BBBBBBBB"},
	}}))
	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindShare, Target: "BBBBBBBB", Payload: record.Object{
		"o": record.String("UUUUUUUUUUU"), "r": record.Int(1),
	}}))
	require.NoError(t, f.cache.Flush(ctx))

	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindNodeDelete, Target: "AAAAAAAA"}))

	assert.False(t, f.tree.Resident("AAAAAAAA"))
	assert.False(t, f.tree.Resident("BBBBBBBB"))
	rows, err := f.cache.GetByKey(ctx, TableNodes, "h", "AAAAAAAA", "BBBBBBBB")
	require.NoError(t, err)
	assert.Empty(t, rows, "pending deletes mask durable rows")
	rows, err = f.cache.GetByKey(ctx, TableShares, "h", "BBBBBBBB")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteOfNonResidentNodeStillDeletesRow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.Add(TableNodes, folder("AAAAAAAA", "").Row()))

	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindNodeDelete, Target: "AAAAAAAA"}))
	_, err := f.cache.GetRow(context.Background(), TableNodes, "AAAAAAAA")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMoveUpdatesParentIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(folder("RRRRRRRR", ""), folder("XXXXXXXX", "RRRRRRRR"), folder("AAAAAAAA", "RRRRRRRR"))

	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindMove, Target: "AAAAAAAA",
		Payload: record.Object{"p": record.String("XXXXXXXX")}}))

	rows, err := f.cache.GetByKey(ctx, TableNodes, "p", "XXXXXXXX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, record.String("AAAAAAAA"), rows[0]["h"])
	assert.Equal(t, []record.Handle{"AAAAAAAA"}, f.tree.Children("XXXXXXXX"))
}

func TestMoveIntoOwnSubtreeFails(t *testing.T) {
	f := newFixture(t)
	f.seed(folder("AAAAAAAA", ""), folder("BBBBBBBB", "AAAAAAAA"))

	err := f.invoke(t, record.Delta{Kind: record.KindMove, Target: "AAAAAAAA",
		Payload: record.Object{"p": record.String("BBBBBBBB")}})
	require.Error(t, err)
	n, _ := f.tree.Get("AAAAAAAA")
	assert.Equal(t, record.Handle(""), n.Parent)
}

func TestShareAddAndRemove(t *testing.T) {
	f := newFixture(t)
	f.seed(folder("AAAAAAAA", ""))
	key := ShareKey("AAAAAAAA", "UUUUUUUUUUU")

	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindShareV2, Target: "AAAAAAAA", Payload: record.Object{
		"o": record.String("UUUUUUUUUUU"), "r": record.Int(2),
	}}))
	n, _ := f.tree.Get("AAAAAAAA")
	require.NotNil(t, n.Share)
	assert.Equal(t, int64(2), n.Share.Access)
	assert.Equal(t, record.Int(2), f.row(t, TableShares, key)["r"])

	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindShare, Target: "AAAAAAAA", Payload: record.Object{
		"o": record.String("UUUUUUUUUUU"), "r": record.Int(-1),
	}}))
	n, _ = f.tree.Get("AAAAAAAA")
	assert.Nil(t, n.Share)
	_, err := f.cache.GetRow(context.Background(), TableShares, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, shared := f.row(t, TableNodes, "AAAAAAAA")["su"]
	assert.False(t, shared)
}

func TestUserAttrKeepsNewestVersion(t *testing.T) {
	f := newFixture(t)
	f.slot = 10
	require.NoError(t, f.invoke(t, record.Delta{Kind: record.KindUserAttr, Payload: record.Object{
		"u": record.String("UUUUUUUUUUU"), "ua": record.List{record.String("^!prd"), record.String("*keyring")},
	}}))

	row := f.row(t, TableUserAttrs, "UUUUUUUUUUU/^!prd")
	assert.Equal(t, record.Int(10), row["v"])

	merged := newestVersion(record.Object{"v": record.Int(12)}, record.Object{"v": record.Int(11)})
	assert.Equal(t, record.Int(12), merged["v"])
}

func TestMirrorWritesNodeRow(t *testing.T) {
	f := newFixture(t)
	f.h.Mirror(folder("AAAAAAAA", "RRRRRRRR"))
	assert.Equal(t, record.String("RRRRRRRR"), f.row(t, TableNodes, "AAAAAAAA")["p"])
}

func TestLoaderServesNodesAndSubtrees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, n := range []record.Node{
		folder("RRRRRRRR", ""),
		folder("AAAAAAAA", "RRRRRRRR"),
		folder("BBBBBBBB", "AAAAAAAA"),
		folder("CCCCCCCC", "BBBBBBBB"),
		folder("XXXXXXXX", "RRRRRRRR"),
	} {
		require.NoError(t, f.cache.Add(TableNodes, n.Row()))
	}
	require.NoError(t, f.cache.Flush(ctx))

	l := Loader{Cache: f.cache}
	nodes, err := l.LoadNodes(ctx, []record.Handle{"AAAAAAAA", "ZZZZZZZZ"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "AAAAAAAA", nodes[0].Name())

	sub, err := l.LoadSubtree(ctx, []record.Handle{"AAAAAAAA", "ZZZZZZZZ"})
	require.NoError(t, err)
	var got []record.Handle
	for _, n := range sub {
		got = append(got, n.Handle)
	}
	assert.Equal(t, []record.Handle{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC"}, got)
}
