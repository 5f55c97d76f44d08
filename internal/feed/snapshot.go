package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
)

// SnapshotResolver serves a fixed node set as if it were the remote
// authority. It is safe for concurrent use.
//
// Its file form is JSON lines: one node record per line, plus a line
// {"sn":"<marker>"} naming the commit marker the snapshot corresponds to.
type SnapshotResolver struct {
	mu       sync.RWMutex
	order    []record.Handle
	nodes    map[record.Handle]record.SealedNode
	children map[record.Handle][]record.Handle
	marker   string
}

// NewSnapshotResolver builds a resolver from nodes.
func NewSnapshotResolver(marker string, nodes ...record.SealedNode) *SnapshotResolver {
	r := &SnapshotResolver{
		nodes:    make(map[record.Handle]record.SealedNode),
		children: make(map[record.Handle][]record.Handle),
		marker:   marker,
	}
	for _, sn := range nodes {
		r.Put(sn)
	}
	return r
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*SnapshotResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	r, err := ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ReadSnapshot decodes a snapshot stream.
func ReadSnapshot(in io.Reader) (*SnapshotResolver, error) {
	r := NewSnapshotResolver("")
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var w struct {
			wireNode
			SN string `json:"sn"`
		}
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if w.H == "" {
			if w.SN == "" {
				return nil, fmt.Errorf("line %d: neither a node nor a marker", line)
			}
			r.marker = w.SN
			continue
		}
		sn, err := w.sealed()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		r.Put(sn)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteSnapshot encodes the resolver's content in file form.
func (r *SnapshotResolver) WriteSnapshot(out io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc := json.NewEncoder(out)
	if r.marker != "" {
		if err := enc.Encode(map[string]string{"sn": r.marker}); err != nil {
			return err
		}
	}
	for _, h := range r.order {
		if err := enc.Encode(toWire(r.nodes[h])); err != nil {
			return err
		}
	}
	return nil
}

// Put adds or replaces a node.
func (r *SnapshotResolver) Put(sn record.SealedNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.nodes[sn.Handle]; ok {
		r.children[prev.Parent] = slices.DeleteFunc(r.children[prev.Parent],
			func(h record.Handle) bool { return h == sn.Handle })
	} else {
		r.order = append(r.order, sn.Handle)
	}
	r.nodes[sn.Handle] = sn
	r.children[sn.Parent] = append(r.children[sn.Parent], sn.Handle)
}

// SetMarker changes the commit marker reported by FetchTree.
func (r *SnapshotResolver) SetMarker(sn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marker = sn
}

// Len returns the number of nodes.
func (r *SnapshotResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// FetchNodes returns the known nodes among handles.
func (r *SnapshotResolver) FetchNodes(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]record.SealedNode, 0, len(handles))
	for _, h := range handles {
		if sn, ok := r.nodes[h]; ok {
			out = append(out, sn)
		}
	}
	return out, nil
}

// FetchSubtree returns every known root among handles with all of its
// descendants, breadth first.
func (r *SnapshotResolver) FetchSubtree(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []record.SealedNode
	seen := make(map[record.Handle]bool)
	for _, root := range handles {
		sn, ok := r.nodes[root]
		if !ok || seen[root] {
			continue
		}
		seen[root] = true
		out = append(out, sn)
		queue := slices.Clone(r.children[root])
		for len(queue) > 0 {
			h := queue[0]
			queue = queue[1:]
			if seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, r.nodes[h])
			queue = append(queue, r.children[h]...)
		}
	}
	return out, nil
}

// FetchTree returns every node in insertion order.
func (r *SnapshotResolver) FetchTree(ctx context.Context) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := session.Snapshot{Marker: r.marker, Nodes: make([]record.SealedNode, 0, len(r.order))}
	for _, h := range r.order {
		snap.Nodes = append(snap.Nodes, r.nodes[h])
	}
	return snap, nil
}
