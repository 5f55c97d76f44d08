package record

import "fmt"

// Kind is the closed set of delta types the server can push. The wire
// value is the "a" field of an action packet.
type Kind string

const (
	KindNodeCreate  Kind = "t"
	KindNodeUpdate  Kind = "u"
	KindNodeDelete  Kind = "d"
	KindMove        Kind = "m"
	KindShare       Kind = "s"
	KindShareV2     Kind = "s2"
	KindKeyUpdate   Kind = "k"
	KindFileAttr    Kind = "fa"
	KindUserAttr    Kind = "ua"
	KindPublicLink  Kind = "ph"
	KindContact     Kind = "c"
	KindAcknowledge Kind = "la"
)

var knownKinds = map[Kind]string{
	KindNodeCreate:  "node-create",
	KindNodeUpdate:  "node-update",
	KindNodeDelete:  "node-delete",
	KindMove:        "move",
	KindShare:       "share",
	KindShareV2:     "share-v2",
	KindKeyUpdate:   "key-update",
	KindFileAttr:    "file-attribute",
	KindUserAttr:    "user-attribute",
	KindPublicLink:  "public-link",
	KindContact:     "contact",
	KindAcknowledge: "last-acknowledged",
}

// Kinds returns every known kind in wire order.
func Kinds() []Kind {
	return []Kind{
		KindNodeCreate, KindNodeUpdate, KindNodeDelete, KindMove,
		KindShare, KindShareV2, KindKeyUpdate, KindFileAttr,
		KindUserAttr, KindPublicLink, KindContact, KindAcknowledge,
	}
}

// ParseKind maps a wire value to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := knownKinds[k]; !ok {
		return "", fmt.Errorf("unknown delta kind %q", s)
	}
	return k, nil
}

// Known reports whether k is part of the closed set.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Subtree reports whether deltas of this kind operate on whole descendant
// subtrees and therefore need them resident before dispatch.
func (k Kind) Subtree() bool {
	switch k {
	case KindNodeDelete, KindMove, KindShare, KindShareV2:
		return true
	}
	return false
}

// Describe returns a human readable name for logs.
func (k Kind) Describe() string {
	if name, ok := knownKinds[k]; ok {
		return name
	}
	return "unknown(" + string(k) + ")"
}
