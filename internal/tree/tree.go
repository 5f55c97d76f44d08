// Package tree is the in-memory index of the cloud file tree.
//
// Nodes live in a single arena keyed by handle. Parent/child relations are
// kept as index maps rather than pointers. A node whose parent is not
// resident is quarantined as an orphan until the parent arrives.
//
// A Tree is not safe for concurrent use. It is owned by the sequencer
// goroutine and only mutated by dispatch handlers.
package tree

import (
	"fmt"
	"slices"

	"github.com/roach88/apsync/internal/record"
)

// Tree is the node arena.
type Tree struct {
	nodes      map[record.Handle]record.Node
	children   map[record.Handle]map[record.Handle]struct{}
	orphans    map[record.Handle]struct{}
	keyMissing map[record.Handle]record.SealedNode
}

// New returns an empty tree.
func New() *Tree {
	t := &Tree{}
	t.Reset()
	return t
}

// Reset drops every node.
func (t *Tree) Reset() {
	t.nodes = make(map[record.Handle]record.Node)
	t.children = make(map[record.Handle]map[record.Handle]struct{})
	t.orphans = make(map[record.Handle]struct{})
	t.keyMissing = make(map[record.Handle]record.SealedNode)
}

// Len returns the number of resident nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Resident reports whether h is in the tree.
func (t *Tree) Resident(h record.Handle) bool {
	_, ok := t.nodes[h]
	return ok
}

// Get returns the node for h.
func (t *Tree) Get(h record.Handle) (record.Node, bool) {
	n, ok := t.nodes[h]
	return n, ok
}

// Put inserts or replaces n. Children of n that were orphaned are
// re-attached; n itself becomes an orphan if its parent is missing.
func (t *Tree) Put(n record.Node) {
	if prev, ok := t.nodes[n.Handle]; ok && prev.Parent != n.Parent {
		t.unlink(prev.Handle, prev.Parent)
	}
	t.nodes[n.Handle] = n
	t.link(n.Handle, n.Parent)

	for child := range t.children[n.Handle] {
		delete(t.orphans, child)
	}
	if !n.KeyMissing {
		delete(t.keyMissing, n.Handle)
	}
}

func (t *Tree) link(h, parent record.Handle) {
	if parent.IsZero() {
		delete(t.orphans, h)
		return
	}
	kids := t.children[parent]
	if kids == nil {
		kids = make(map[record.Handle]struct{})
		t.children[parent] = kids
	}
	kids[h] = struct{}{}

	if t.Resident(parent) {
		delete(t.orphans, h)
	} else {
		t.orphans[h] = struct{}{}
	}
}

func (t *Tree) unlink(h, parent record.Handle) {
	if kids := t.children[parent]; kids != nil {
		delete(kids, h)
		if len(kids) == 0 {
			delete(t.children, parent)
		}
	}
}

// Children returns the direct children of h in handle order.
func (t *Tree) Children(h record.Handle) []record.Handle {
	out := make([]record.Handle, 0, len(t.children[h]))
	for c := range t.children[h] {
		if t.Resident(c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// Descendants returns every resident node below h, breadth first.
func (t *Tree) Descendants(h record.Handle) []record.Handle {
	var out []record.Handle
	queue := t.Children(h)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		queue = append(queue, t.Children(c)...)
	}
	return out
}

// Move re-parents h under parent.
func (t *Tree) Move(h, parent record.Handle) error {
	n, ok := t.nodes[h]
	if !ok {
		return fmt.Errorf("move %s: not resident", h)
	}
	if h == parent || slices.Contains(t.Descendants(h), parent) {
		return fmt.Errorf("move %s under %s: would create a cycle", h, parent)
	}
	t.Put(n.WithParent(parent))
	return nil
}

// Remove deletes h and its whole subtree. It returns the removed handles,
// h first.
func (t *Tree) Remove(h record.Handle) []record.Handle {
	n, ok := t.nodes[h]
	if !ok {
		return nil
	}
	removed := append([]record.Handle{h}, t.Descendants(h)...)
	t.unlink(h, n.Parent)
	for _, r := range removed {
		delete(t.nodes, r)
		delete(t.children, r)
		delete(t.orphans, r)
		delete(t.keyMissing, r)
	}
	return removed
}

// Orphans returns nodes whose parent is not resident, in handle order.
func (t *Tree) Orphans() []record.Handle {
	out := make([]record.Handle, 0, len(t.orphans))
	for h := range t.orphans {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// QuarantineKeyMissing remembers a node that could not be decrypted so it
// can be retried when its key arrives.
func (t *Tree) QuarantineKeyMissing(sn record.SealedNode) {
	t.keyMissing[sn.Handle] = sn
}

// KeyMissing returns the quarantined sealed nodes in handle order.
func (t *Tree) KeyMissing() []record.SealedNode {
	out := make([]record.SealedNode, 0, len(t.keyMissing))
	for _, sn := range t.keyMissing {
		out = append(out, sn)
	}
	slices.SortFunc(out, func(a, b record.SealedNode) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		}
		return 0
	})
	return out
}

// Walk calls fn for every resident node in handle order.
func (t *Tree) Walk(fn func(record.Node) bool) {
	handles := make([]record.Handle, 0, len(t.nodes))
	for h := range t.nodes {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	for _, h := range handles {
		if !fn(t.nodes[h]) {
			return
		}
	}
}
