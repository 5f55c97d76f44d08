package record

// NodeType enumerates the node kinds of the cloud tree.
type NodeType int

const (
	TypeFile   NodeType = 0
	TypeFolder NodeType = 1
	TypeRoot   NodeType = 2
	TypeInbox  NodeType = 3
	TypeTrash  NodeType = 4
)

// IsContainer reports whether nodes of this type may have children.
func (t NodeType) IsContainer() bool { return t != TypeFile }

// IsRoot reports whether the type is one of the parentless top-level nodes.
func (t NodeType) IsRoot() bool { return t >= TypeRoot }

func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeFolder:
		return "folder"
	case TypeRoot:
		return "root"
	case TypeInbox:
		return "inbox"
	case TypeTrash:
		return "trash"
	}
	return "unknown"
}

// ShareInfo describes an outgoing or incoming share on a folder.
type ShareInfo struct {
	Owner  Handle
	Access int64
	Key    []byte
}

// Node is a decrypted tree node. It is a value type: update helpers return
// modified copies and never touch the receiver.
type Node struct {
	Handle      Handle
	Parent      Handle
	Type        NodeType
	Size        int64
	Timestamp   int64
	ContentHash string
	Owner       Handle
	Attrs       Object
	Key         []byte
	Share       *ShareInfo
	KeyMissing  bool
}

// Name returns the decrypted node name ("n" attribute) if known.
func (n Node) Name() string {
	name, _ := n.Attrs.Str("n")
	return name
}

// WithParent returns a copy of n re-parented under p.
func (n Node) WithParent(p Handle) Node {
	n.Parent = p
	return n
}

// WithAttrs returns a copy of n with attrs replaced.
func (n Node) WithAttrs(attrs Object) Node {
	n.Attrs = attrs.Clone()
	return n
}

// WithShare returns a copy of n carrying share.
func (n Node) WithShare(share *ShareInfo) Node {
	if share != nil {
		cp := *share
		cp.Key = append([]byte(nil), share.Key...)
		share = &cp
	}
	n.Share = share
	return n
}

// Row returns the cache mirror of the node for table "f". The decrypted
// name is stripped when the node key is missing so that a later retry
// with the right key can repopulate it.
func (n Node) Row() Object {
	row := Object{
		"h":  String(n.Handle),
		"p":  String(n.Parent),
		"t":  Int(n.Type),
		"s":  Int(n.Size),
		"ts": Int(n.Timestamp),
	}
	if n.ContentHash != "" {
		row["c"] = String(n.ContentHash)
	}
	if n.Owner != "" {
		row["u"] = String(n.Owner)
	}
	if n.KeyMissing {
		row["km"] = Bool(true)
	} else if len(n.Attrs) > 0 {
		row["a"] = n.Attrs.Clone()
	}
	if n.Share != nil {
		row["su"] = String(n.Share.Owner)
		row["sr"] = Int(n.Share.Access)
	}
	return row
}

// NodeFromRow rebuilds a node from its cache mirror. Node keys are not
// persisted in the row and must be re-derived on demand.
func NodeFromRow(row Object) Node {
	h, _ := row.Str("h")
	p, _ := row.Str("p")
	t, _ := row.Int("t")
	s, _ := row.Int("s")
	ts, _ := row.Int("ts")
	c, _ := row.Str("c")
	u, _ := row.Str("u")
	km, _ := row.Bool("km")
	attrs, _ := row.Obj("a")

	n := Node{
		Handle:      Handle(h),
		Parent:      Handle(p),
		Type:        NodeType(t),
		Size:        s,
		Timestamp:   ts,
		ContentHash: c,
		Owner:       Handle(u),
		Attrs:       attrs.Clone(),
		KeyMissing:  km,
	}
	if su, ok := row.Str("su"); ok {
		sr, _ := row.Int("sr")
		n.Share = &ShareInfo{Owner: Handle(su), Access: sr}
	}
	return n
}

// SealedNode is a node record as it arrives from the server: attributes and
// node key are still encrypted.
type SealedNode struct {
	Handle      Handle
	Parent      Handle
	Type        NodeType
	Size        int64
	Timestamp   int64
	ContentHash string
	Owner       Handle
	// KeyOwner names the user or share whose key wraps Key.
	KeyOwner Handle
	// Key is the base64url encrypted node key.
	Key string
	// Attrs is the base64url encrypted attribute block.
	Attrs string
	Share *ShareInfo
}
