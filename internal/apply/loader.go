package apply

import (
	"context"

	"github.com/roach88/apsync/internal/record"
)

// Reader is the read side of the local cache. *store.Store implements it.
type Reader interface {
	GetByKey(ctx context.Context, table, index string, values ...string) ([]record.Object, error)
}

// Loader serves prefetch requests from the node table.
type Loader struct {
	Cache Reader
}

// LoadNodes returns the cached nodes among handles.
func (l Loader) LoadNodes(ctx context.Context, handles []record.Handle) ([]record.Node, error) {
	rows, err := l.Cache.GetByKey(ctx, TableNodes, "h", toStrings(handles)...)
	if err != nil {
		return nil, err
	}
	return toNodes(rows), nil
}

// LoadSubtree returns every cached node below the cached roots among
// handles, roots included. Roots absent from the cache are skipped.
func (l Loader) LoadSubtree(ctx context.Context, handles []record.Handle) ([]record.Node, error) {
	roots, err := l.LoadNodes(ctx, handles)
	if err != nil {
		return nil, err
	}

	out := roots
	seen := make(map[record.Handle]bool, len(roots))
	frontier := make([]record.Handle, 0, len(roots))
	for _, n := range roots {
		seen[n.Handle] = true
		frontier = append(frontier, n.Handle)
	}

	for len(frontier) > 0 {
		rows, err := l.Cache.GetByKey(ctx, TableNodes, "p", toStrings(frontier)...)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range toNodes(rows) {
			if seen[n.Handle] {
				continue
			}
			seen[n.Handle] = true
			out = append(out, n)
			frontier = append(frontier, n.Handle)
		}
	}
	return out, nil
}

func toStrings(hs []record.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = string(h)
	}
	return out
}

func toNodes(rows []record.Object) []record.Node {
	out := make([]record.Node, 0, len(rows))
	for _, r := range rows {
		out = append(out, record.NodeFromRow(r))
	}
	return out
}
