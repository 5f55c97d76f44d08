package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/record"
)

// Owner is the user whose key wraps every fixture node.
const Owner record.Handle = "UUUUUUUUUUU"

// OwnerKey is Owner's master key.
var OwnerKey = bytes.Repeat([]byte{0x42}, 16)

// CacheKey is a fixed cache master key.
var CacheKey = bytes.Repeat([]byte{0x24}, 32)

// KeyRing returns a ring holding OwnerKey.
func KeyRing() *codec.MemoryKeyRing {
	ring := codec.NewMemoryKeyRing()
	ring.Set(Owner, OwnerKey)
	return ring
}

// Seal encrypts a node named name under OwnerKey. Folders get a 16-byte
// node key, files a 32-byte one.
func Seal(t testing.TB, h, parent record.Handle, typ record.NodeType, name string) record.SealedNode {
	t.Helper()
	n := record.Node{Handle: h, Parent: parent, Type: typ, Owner: Owner}
	if name != "" {
		n.Attrs = record.Object{"n": record.String(name)}
	}
	sn, err := SealNode(n)
	require.NoError(t, err)
	return sn
}

// SealNode seals n under OwnerKey. A node without a key gets one derived
// from its handle.
func SealNode(n record.Node) (record.SealedNode, error) {
	if len(n.Key) == 0 {
		keyLen := 16
		if n.Type == record.TypeFile {
			keyLen = 32
		}
		n.Key = bytes.Repeat([]byte(n.Handle[:1]), keyLen)
	}
	return codec.SealNode(n, Owner, OwnerKey)
}

// SealForeign seals a node under a key the ring does not hold.
func SealForeign(t testing.TB, h, parent record.Handle, name string) record.SealedNode {
	t.Helper()
	n := record.Node{
		Handle: h,
		Parent: parent,
		Type:   record.TypeFolder,
		Attrs:  record.Object{"n": record.String(name)},
	}
	sn, err := SealNodeForeign(n)
	require.NoError(t, err)
	return sn
}

// SealNodeForeign seals n under a key the ring does not hold.
func SealNodeForeign(n record.Node) (record.SealedNode, error) {
	if len(n.Key) == 0 {
		n.Key = bytes.Repeat([]byte{0x11}, 16)
	}
	return codec.SealNode(n, "SSSSSSSSSSS", bytes.Repeat([]byte{0x99}, 16))
}
