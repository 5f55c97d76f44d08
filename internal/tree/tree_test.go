package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/record"
)

func folder(h, p string) record.Node {
	return record.Node{Handle: record.Handle(h), Parent: record.Handle(p), Type: record.TypeFolder}
}

func TestPutAndChildren(t *testing.T) {
	tr := New()
	tr.Put(record.Node{Handle: "ROOT0000", Type: record.TypeRoot})
	tr.Put(folder("B0000000", "ROOT0000"))
	tr.Put(folder("A0000000", "ROOT0000"))

	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, []record.Handle{"A0000000", "B0000000"}, tr.Children("ROOT0000"))
	assert.Empty(t, tr.Orphans())
}

func TestOrphanResolvedWhenParentArrives(t *testing.T) {
	tr := New()
	tr.Put(folder("CHILD000", "PARENT00"))
	assert.Equal(t, []record.Handle{"CHILD000"}, tr.Orphans())

	tr.Put(folder("PARENT00", ""))
	assert.Empty(t, tr.Orphans())
	assert.Equal(t, []record.Handle{"CHILD000"}, tr.Children("PARENT00"))
}

func TestRemoveDeletesSubtree(t *testing.T) {
	tr := New()
	tr.Put(record.Node{Handle: "ROOT0000", Type: record.TypeRoot})
	tr.Put(folder("A0000000", "ROOT0000"))
	tr.Put(folder("B0000000", "A0000000"))
	tr.Put(folder("C0000000", "B0000000"))

	removed := tr.Remove("A0000000")
	assert.Equal(t, []record.Handle{"A0000000", "B0000000", "C0000000"}, removed)
	assert.Equal(t, 1, tr.Len())
	assert.Empty(t, tr.Children("ROOT0000"))
	assert.Nil(t, tr.Remove("A0000000"))
}

func TestMoveRejectsCycles(t *testing.T) {
	tr := New()
	tr.Put(folder("A0000000", ""))
	tr.Put(folder("B0000000", "A0000000"))
	tr.Put(folder("C0000000", ""))

	require.Error(t, tr.Move("A0000000", "B0000000"))
	require.NoError(t, tr.Move("B0000000", "C0000000"))

	assert.Empty(t, tr.Children("A0000000"))
	assert.Equal(t, []record.Handle{"B0000000"}, tr.Children("C0000000"))
	require.Error(t, tr.Move("ZZZZZZZZ", "C0000000"))
}

func TestKeyMissingQuarantine(t *testing.T) {
	tr := New()
	tr.QuarantineKeyMissing(record.SealedNode{Handle: "B0000000"})
	tr.QuarantineKeyMissing(record.SealedNode{Handle: "A0000000"})

	missing := tr.KeyMissing()
	require.Len(t, missing, 2)
	assert.Equal(t, record.Handle("A0000000"), missing[0].Handle)

	tr.Put(folder("A0000000", ""))
	assert.Len(t, tr.KeyMissing(), 1)
}

func TestWalkIsOrdered(t *testing.T) {
	tr := New()
	tr.Put(folder("B0000000", ""))
	tr.Put(folder("A0000000", ""))

	var seen []record.Handle
	tr.Walk(func(n record.Node) bool {
		seen = append(seen, n.Handle)
		return true
	})
	assert.Equal(t, []record.Handle{"A0000000", "B0000000"}, seen)
}
