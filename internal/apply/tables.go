package apply

import (
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/store"
)

// Cache tables written by the handlers.
const (
	TableNodes     = "f"
	TableShares    = "s"
	TableUserAttrs = "ua"
)

// Tables returns the cache schema the handlers need.
func Tables() []store.TableSchema {
	return []store.TableSchema{
		{Name: TableNodes, Key: "h", Indexes: []string{"p"}},
		{Name: TableShares, Key: "k", Indexes: []string{"h"}},
		{Name: TableUserAttrs, Key: "k", Indexes: []string{"u"}, WriteThrough: true, Merge: newestVersion},
	}
}

// newestVersion keeps whichever row carries the higher "v".
func newestVersion(prev, next record.Object) record.Object {
	pv, _ := prev.Int("v")
	nv, _ := next.Int("v")
	if pv > nv {
		return prev
	}
	return next
}
