package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/roach88/apsync/internal/record"
)

// attrPrefix marks a correctly decrypted attribute block.
var attrPrefix = []byte("MEGA")

// KeyRing resolves the key that wraps node keys for a given owner (a user
// or a share root). Implementations must be safe for concurrent use; the
// decryption workers call Key from many goroutines.
type KeyRing interface {
	Key(owner record.Handle) ([]byte, bool)
}

// MemoryKeyRing is a concurrency-safe in-memory KeyRing.
type MemoryKeyRing struct {
	mu   sync.RWMutex
	keys map[record.Handle][]byte
}

// NewMemoryKeyRing creates an empty key ring.
func NewMemoryKeyRing() *MemoryKeyRing {
	return &MemoryKeyRing{keys: make(map[record.Handle][]byte)}
}

// Set stores the key for owner, replacing any previous one.
func (r *MemoryKeyRing) Set(owner record.Handle, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[owner] = append([]byte(nil), key...)
}

// Key implements KeyRing.
func (r *MemoryKeyRing) Key(owner record.Handle) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[owner]
	return k, ok
}

// DecryptNode unwraps the node key with the key ring and decrypts the
// attribute block. Root-type nodes carry no key or attributes and decrypt
// trivially.
//
// Returns ErrKeyMissing when the wrapping key is unknown; the caller is
// expected to quarantine the node and retry once the key arrives.
func DecryptNode(sn record.SealedNode, ring KeyRing) (record.Node, error) {
	n := record.Node{
		Handle:      sn.Handle,
		Parent:      sn.Parent,
		Type:        sn.Type,
		Size:        sn.Size,
		Timestamp:   sn.Timestamp,
		ContentHash: sn.ContentHash,
		Owner:       sn.Owner,
		Share:       sn.Share,
	}
	if sn.Type.IsRoot() && sn.Key == "" {
		return n, nil
	}

	wrapping, ok := ring.Key(sn.KeyOwner)
	if !ok {
		n.KeyMissing = true
		return n, fmt.Errorf("node %s: owner %s: %w", sn.Handle, sn.KeyOwner, ErrKeyMissing)
	}

	wrapped, err := DecodeBase64(sn.Key)
	if err != nil {
		return n, fmt.Errorf("node %s: key: %w", sn.Handle, err)
	}
	nodeKey, err := unwrapKey(wrapping, wrapped)
	if err != nil {
		return n, fmt.Errorf("node %s: unwrap: %w", sn.Handle, err)
	}
	n.Key = nodeKey

	if sn.Attrs == "" {
		return n, nil
	}
	attrs, err := decryptAttrs(attrKey(nodeKey), sn.Attrs)
	if err != nil {
		return n, fmt.Errorf("node %s: %w", sn.Handle, err)
	}
	n.Attrs = attrs
	return n, nil
}

// SealNode is the inverse of DecryptNode. The remote authority performs
// this server side; it exists here for snapshot fixtures and tests.
func SealNode(n record.Node, keyOwner record.Handle, wrapping []byte) (record.SealedNode, error) {
	sn := record.SealedNode{
		Handle:      n.Handle,
		Parent:      n.Parent,
		Type:        n.Type,
		Size:        n.Size,
		Timestamp:   n.Timestamp,
		ContentHash: n.ContentHash,
		Owner:       n.Owner,
		KeyOwner:    keyOwner,
		Share:       n.Share,
	}
	if len(n.Key) == 0 {
		return sn, nil
	}

	wrapped, err := wrapKey(wrapping, n.Key)
	if err != nil {
		return sn, err
	}
	sn.Key = EncodeBase64(wrapped)

	if len(n.Attrs) > 0 {
		enc, err := encryptAttrs(attrKey(n.Key), n.Attrs)
		if err != nil {
			return sn, err
		}
		sn.Attrs = enc
	}
	return sn, nil
}

// attrKey folds a 32-byte file key into its 16-byte AES key. Folder keys
// are used directly.
func attrKey(nodeKey []byte) []byte {
	if len(nodeKey) != 32 {
		return nodeKey
	}
	k := make([]byte, 16)
	for i := range k {
		k[i] = nodeKey[i] ^ nodeKey[i+16]
	}
	return k
}

func unwrapKey(wrapping, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(wrapping)
	if err != nil {
		return nil, err
	}
	if len(wrapped) == 0 || len(wrapped)%aes.BlockSize != 0 {
		return nil, ErrCorrupt
	}
	out := make([]byte, len(wrapped))
	for i := 0; i < len(wrapped); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], wrapped[i:i+aes.BlockSize])
	}
	return out, nil
}

func wrapKey(wrapping, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(wrapping)
	if err != nil {
		return nil, err
	}
	if len(key)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("codec: node key length %d", len(key))
	}
	out := make([]byte, len(key))
	for i := 0; i < len(key); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], key[i:i+aes.BlockSize])
	}
	return out, nil
}

func decryptAttrs(key []byte, enc string) (record.Object, error) {
	raw, err := DecodeBase64(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAttributes, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadAttributes
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(plain, raw)
	plain = trimTrailingZeros(plain)
	if !bytes.HasPrefix(plain, attrPrefix) {
		return nil, ErrBadAttributes
	}
	attrs, err := record.UnmarshalObject(plain[len(attrPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAttributes, err)
	}
	return attrs, nil
}

func encryptAttrs(key []byte, attrs record.Object) (string, error) {
	body, err := record.MarshalCanonical(attrs)
	if err != nil {
		return "", err
	}
	plain := append(append([]byte(nil), attrPrefix...), body...)
	if pad := len(plain) % aes.BlockSize; pad != 0 {
		plain = append(plain, make([]byte, aes.BlockSize-pad)...)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plain)
	return EncodeBase64(out), nil
}
