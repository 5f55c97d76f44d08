// Package apply holds the reference delta handlers. They keep the tree and
// its cache mirror in step: every tree mutation is followed by the matching
// row writes, queued on the cache for the next flush.
package apply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/apsync/internal/dispatch"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/tree"
)

// Cache is the write side of the local cache. *store.Store implements it.
type Cache interface {
	Add(table string, row record.Object) error
	Delete(table, key string) error
}

// Handlers mutate the tree and queue cache writes. They run on the
// sequencer goroutine.
type Handlers struct {
	tree  *tree.Tree
	cache Cache
	log   *slog.Logger
}

// New creates the handler set.
func New(t *tree.Tree, c Cache, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{tree: t, cache: c, log: log.With("component", "apply")}
}

// Register adds every reference handler to b.
func (h *Handlers) Register(b *dispatch.Builder) *dispatch.Builder {
	return b.
		HandleFunc(record.KindNodeCreate, h.create).
		HandleFunc(record.KindNodeUpdate, h.update).
		HandleFunc(record.KindNodeDelete, h.remove).
		HandleFunc(record.KindMove, h.move).
		HandleFunc(record.KindShare, h.share).
		HandleFunc(record.KindShareV2, h.share).
		HandleFunc(record.KindUserAttr, h.userAttr).
		HandleFunc(record.KindAcknowledge, h.acknowledge)
}

// Mirror writes a node's cache row. The sequencer calls it for nodes made
// resident outside a dispatch.
func (h *Handlers) Mirror(n record.Node) {
	if err := h.cache.Add(TableNodes, n.Row()); err != nil {
		h.log.Warn("node not mirrored", "node", n.Handle, "error", err)
	}
}

// create mirrors the nodes the sequencer installed for the delta.
func (h *Handlers) create(_ context.Context, d record.Delta) error {
	for _, sn := range d.Nodes {
		n, ok := h.tree.Get(sn.Handle)
		if !ok {
			continue
		}
		if err := h.putNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) update(_ context.Context, d record.Delta) error {
	n, ok := h.tree.Get(d.Target)
	if !ok {
		return fmt.Errorf("update %s: not resident", d.Target)
	}
	if attrs, ok := d.Payload.Obj("a"); ok {
		n = n.WithAttrs(attrs)
	}
	if ts, ok := d.Payload.Int("ts"); ok {
		n.Timestamp = ts
	}
	if size, ok := d.Payload.Int("s"); ok {
		n.Size = size
	}
	h.tree.Put(n)
	return h.putNode(n)
}

func (h *Handlers) remove(_ context.Context, d record.Delta) error {
	shared := make(map[record.Handle]record.Handle)
	for _, x := range append([]record.Handle{d.Target}, h.tree.Descendants(d.Target)...) {
		if n, ok := h.tree.Get(x); ok && n.Share != nil {
			shared[x] = n.Share.Owner
		}
	}

	removed := h.tree.Remove(d.Target)
	if len(removed) == 0 {
		// Not resident; the cache may still hold it.
		removed = []record.Handle{d.Target}
	}
	for _, x := range removed {
		if err := h.cache.Delete(TableNodes, string(x)); err != nil {
			return err
		}
		if u, ok := shared[x]; ok {
			if err := h.cache.Delete(TableShares, ShareKey(x, u)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handlers) move(_ context.Context, d record.Delta) error {
	p, _ := d.Payload.Str("p")
	if err := h.tree.Move(d.Target, record.Handle(p)); err != nil {
		return err
	}
	n, _ := h.tree.Get(d.Target)
	return h.putNode(n)
}

func (h *Handlers) share(_ context.Context, d record.Delta) error {
	n, ok := h.tree.Get(d.Target)
	if !ok {
		return fmt.Errorf("share %s: not resident", d.Target)
	}
	user, _ := d.Payload.Str("o")
	access, _ := d.Payload.Int("r")

	if access < 0 {
		n = n.WithShare(nil)
		h.tree.Put(n)
		if err := h.cache.Delete(TableShares, ShareKey(n.Handle, record.Handle(user))); err != nil {
			return err
		}
		return h.cache.Add(TableNodes, n.Row())
	}

	n = n.WithShare(&record.ShareInfo{Owner: record.Handle(user), Access: access})
	h.tree.Put(n)
	return h.putNode(n)
}

// userAttr records which attributes of a user changed. The rows carry the
// slot as version; a newer pending row replaces an older one through the
// table's merge callback.
func (h *Handlers) userAttr(_ context.Context, d record.Delta) error {
	user, _ := d.Payload.Str("u")
	names, _ := d.Payload.Lst("ua")
	for _, v := range names {
		name, ok := v.(record.String)
		if !ok {
			continue
		}
		row := record.Object{
			"k": record.String(user + "/" + string(name)),
			"u": record.String(user),
			"n": name,
			"v": record.Int(int64(d.Slot)),
		}
		if err := h.cache.Add(TableUserAttrs, row); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) acknowledge(_ context.Context, d record.Delta) error {
	h.log.Debug("acknowledged", "slot", d.Slot, "sn", d.CommitMarker)
	return nil
}

func (h *Handlers) putNode(n record.Node) error {
	if err := h.cache.Add(TableNodes, n.Row()); err != nil {
		return err
	}
	if n.Share == nil {
		return nil
	}
	return h.cache.Add(TableShares, record.Object{
		"k": record.String(ShareKey(n.Handle, n.Share.Owner)),
		"h": record.String(n.Handle),
		"u": record.String(n.Share.Owner),
		"r": record.Int(n.Share.Access),
	})
}

// ShareKey is the primary key of a share row.
func ShareKey(h, user record.Handle) string {
	return strings.Join([]string{string(h), string(user)}, ":")
}
