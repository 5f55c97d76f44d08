// Package feed adapts files to the sync pipeline: a JSON-lines stream of
// action packets on the inbound side and a JSON-lines node snapshot acting
// as the remote authority for offline runs.
//
// One packet per line:
//
//	{"a":"m","i":"<request id>","sn":"<commit marker>","n":"<target>","p":"<new parent>"}
//
// Envelope keys are a (kind), i (request id), sn (commit marker), n (target),
// req (extra required handles), f (node records) and x (sealed payload).
// Every other key is payload. Payload fields that collide with an envelope
// key go inside a "pl" object, which is merged into the payload.
package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/apsync/internal/record"
)

// envelope keys stripped from the payload.
var envelope = map[string]bool{"a": true, "i": true, "sn": true, "n": true, "req": true, "f": true, "x": true, "pl": true}

// wireNode is the JSON shape of a node record.
type wireNode struct {
	H  string `json:"h"`
	P  string `json:"p,omitempty"`
	T  int    `json:"t"`
	S  int64  `json:"s,omitempty"`
	TS int64  `json:"ts,omitempty"`
	C  string `json:"c,omitempty"`
	U  string `json:"u,omitempty"`
	KO string `json:"ko,omitempty"`
	K  string `json:"k,omitempty"`
	A  string `json:"a,omitempty"`
	SU string `json:"su,omitempty"`
	SR int64  `json:"sr,omitempty"`
}

func (w wireNode) sealed() (record.SealedNode, error) {
	h, err := record.ParseHandle(w.H)
	if err != nil {
		return record.SealedNode{}, err
	}
	sn := record.SealedNode{
		Handle:      h,
		Parent:      record.Handle(w.P),
		Type:        record.NodeType(w.T),
		Size:        w.S,
		Timestamp:   w.TS,
		ContentHash: w.C,
		Owner:       record.Handle(w.U),
		KeyOwner:    record.Handle(w.KO),
		Key:         w.K,
		Attrs:       w.A,
	}
	if w.SU != "" {
		sn.Share = &record.ShareInfo{Owner: record.Handle(w.SU), Access: w.SR}
	}
	return sn, nil
}

func toWire(sn record.SealedNode) wireNode {
	w := wireNode{
		H:  string(sn.Handle),
		P:  string(sn.Parent),
		T:  int(sn.Type),
		S:  sn.Size,
		TS: sn.Timestamp,
		C:  sn.ContentHash,
		U:  string(sn.Owner),
		KO: string(sn.KeyOwner),
		K:  sn.Key,
		A:  sn.Attrs,
	}
	if sn.Share != nil {
		w.SU = string(sn.Share.Owner)
		w.SR = sn.Share.Access
	}
	return w
}

// ParsePacket decodes one packet line.
func ParsePacket(line []byte) (record.Delta, error) {
	obj, err := record.UnmarshalObject(line)
	if err != nil {
		return record.Delta{}, fmt.Errorf("packet: %w", err)
	}

	kind, ok := obj.Str("a")
	if !ok {
		return record.Delta{}, errors.New("packet: missing kind")
	}
	k, err := record.ParseKind(kind)
	if err != nil {
		return record.Delta{}, fmt.Errorf("packet: %w", err)
	}

	d := record.Delta{Kind: k, Payload: record.Object{}}
	d.RequestID, _ = obj.Str("i")
	d.CommitMarker, _ = obj.Str("sn")
	d.Sealed, _ = obj.Str("x")
	if n, ok := obj.Str("n"); ok {
		if d.Target, err = record.ParseHandle(n); err != nil {
			return record.Delta{}, fmt.Errorf("packet: target: %w", err)
		}
	}
	if req, ok := obj.Lst("req"); ok {
		for i, v := range req {
			s, ok := v.(record.String)
			if !ok {
				return record.Delta{}, fmt.Errorf("packet: req[%d] is not a handle", i)
			}
			h, err := record.ParseHandle(string(s))
			if err != nil {
				return record.Delta{}, fmt.Errorf("packet: req[%d]: %w", i, err)
			}
			d.Requires = append(d.Requires, h)
		}
	}

	if nodes, ok := obj["f"]; ok {
		raw, err := json.Marshal(record.ToAny(nodes))
		if err != nil {
			return record.Delta{}, fmt.Errorf("packet: nodes: %w", err)
		}
		var ws []wireNode
		if err := json.Unmarshal(raw, &ws); err != nil {
			return record.Delta{}, fmt.Errorf("packet: nodes: %w", err)
		}
		for i, w := range ws {
			sn, err := w.sealed()
			if err != nil {
				return record.Delta{}, fmt.Errorf("packet: f[%d]: %w", i, err)
			}
			d.Nodes = append(d.Nodes, sn)
		}
	}

	for key, v := range obj {
		if !envelope[key] {
			d.Payload[key] = v
		}
	}
	if pl, ok := obj.Obj("pl"); ok {
		for key, v := range pl {
			d.Payload[key] = v
		}
	}
	return d, nil
}

// EncodePacket renders d as one packet line, without the trailing newline.
// Payload keys that collide with the envelope are nested under "pl".
func EncodePacket(d record.Delta) ([]byte, error) {
	obj := record.Object{"a": record.String(d.Kind)}
	if d.RequestID != "" {
		obj["i"] = record.String(d.RequestID)
	}
	if d.CommitMarker != "" {
		obj["sn"] = record.String(d.CommitMarker)
	}
	if !d.Target.IsZero() {
		obj["n"] = record.String(d.Target)
	}
	if d.Sealed != "" {
		obj["x"] = record.String(d.Sealed)
	}
	if len(d.Requires) > 0 {
		req := make(record.List, len(d.Requires))
		for i, h := range d.Requires {
			req[i] = record.String(h)
		}
		obj["req"] = req
	}
	if len(d.Nodes) > 0 {
		ws := make([]wireNode, len(d.Nodes))
		for i, sn := range d.Nodes {
			ws[i] = toWire(sn)
		}
		raw, err := json.Marshal(ws)
		if err != nil {
			return nil, err
		}
		v, err := record.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		obj["f"] = v
	}

	var nested record.Object
	for key, v := range d.Payload {
		if envelope[key] {
			if nested == nil {
				nested = record.Object{}
			}
			nested[key] = v
			continue
		}
		obj[key] = v
	}
	if nested != nil {
		obj["pl"] = nested
	}
	return record.MarshalCanonical(obj)
}

// Reader decodes a packet stream. Blank lines and lines starting with '#'
// are skipped.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader reads packets from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next packet, or io.EOF at the end of the stream.
func (r *Reader) Next() (record.Delta, error) {
	for r.sc.Scan() {
		r.line++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		d, err := ParsePacket(line)
		if err != nil {
			return record.Delta{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return d, nil
	}
	if err := r.sc.Err(); err != nil {
		return record.Delta{}, err
	}
	return record.Delta{}, io.EOF
}

// Line returns the line number of the packet last returned by Next.
func (r *Reader) Line() int { return r.line }

// ReadAll decodes every packet of r.
func ReadAll(r io.Reader) ([]record.Delta, error) {
	pr := NewReader(r)
	var out []record.Delta
	for {
		d, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}
