package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/roach88/apsync/internal/record"
)

// Sentinel errors. Callers use errors.Is.
var (
	// ErrKeyMissing means the key needed to decrypt a node is not known yet.
	ErrKeyMissing = errors.New("codec: key missing")
	// ErrBadAttributes means a node's attribute block did not decrypt to
	// a valid attribute object.
	ErrBadAttributes = errors.New("codec: bad attributes")
	// ErrCorrupt means sealed bytes failed authentication or padding checks.
	ErrCorrupt = errors.New("codec: corrupt ciphertext")
)

const (
	infoIndex   = "apsync index v1"
	infoPayload = "apsync payload v1"
)

// Codec encrypts cache keys and rows.
//
// Index values (primary keys and indexed fields) are encrypted
// deterministically so equality lookups work on ciphertext. Whole rows are
// sealed with AES-GCM under a random nonce. A Codec is immutable and safe for
// concurrent use.
type Codec struct {
	index   cipher.Block
	payload cipher.AEAD
}

// New derives the index and payload keys from masterKey with HKDF-SHA256.
// masterKey must be 16 or 32 bytes.
func New(masterKey []byte) (*Codec, error) {
	if len(masterKey) != 16 && len(masterKey) != 32 {
		return nil, fmt.Errorf("codec: master key must be 16 or 32 bytes, got %d", len(masterKey))
	}

	indexKey, err := derive(masterKey, infoIndex)
	if err != nil {
		return nil, err
	}
	payloadKey, err := derive(masterKey, infoPayload)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(indexKey)
	if err != nil {
		return nil, fmt.Errorf("codec: index cipher: %w", err)
	}
	pblock, err := aes.NewCipher(payloadKey)
	if err != nil {
		return nil, fmt.Errorf("codec: payload cipher: %w", err)
	}
	aead, err := cipher.NewGCM(pblock)
	if err != nil {
		return nil, fmt.Errorf("codec: payload aead: %w", err)
	}

	return &Codec{index: block, payload: aead}, nil
}

func derive(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("codec: derive %q: %w", info, err)
	}
	return key, nil
}

// EncryptIndex deterministically encrypts an index value. The same
// (table, field, value) always yields the same output; the table and field
// are mixed into the first block so equal values in different columns do not
// collide.
func (c *Codec) EncryptIndex(table, field, value string) string {
	plain := pkcs7Pad(append(tweak(table, field), value...), aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(c.index, make([]byte, aes.BlockSize)).CryptBlocks(out, plain)
	return EncodeBase64(out)
}

// DecryptIndex reverses EncryptIndex.
func (c *Codec) DecryptIndex(table, field, enc string) (string, error) {
	raw, err := DecodeBase64(enc)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", ErrCorrupt
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.index, make([]byte, aes.BlockSize)).CryptBlocks(plain, raw)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	prefix := tweak(table, field)
	if !bytes.HasPrefix(plain, prefix) {
		return "", fmt.Errorf("%w: index belongs to another column", ErrCorrupt)
	}
	return string(plain[len(prefix):]), nil
}

func tweak(table, field string) []byte {
	return []byte(table + "\x00" + field + "\x00")
}

// Seal encrypts plain with a fresh nonce.
func (c *Codec) Seal(plain []byte) (string, error) {
	nonce := make([]byte, c.payload.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("codec: nonce: %w", err)
	}
	return EncodeBase64(c.payload.Seal(nonce, nonce, plain, nil)), nil
}

// Open decrypts the output of Seal.
func (c *Codec) Open(sealed string) ([]byte, error) {
	raw, err := DecodeBase64(sealed)
	if err != nil {
		return nil, err
	}
	n := c.payload.NonceSize()
	if len(raw) < n+c.payload.Overhead() {
		return nil, ErrCorrupt
	}
	plain, err := c.payload.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

// SealRow seals the canonical encoding of row.
func (c *Codec) SealRow(row record.Object) (string, error) {
	data, err := record.MarshalCanonical(row)
	if err != nil {
		return "", fmt.Errorf("codec: encode row: %w", err)
	}
	return c.Seal(data)
}

// OpenRow reverses SealRow.
func (c *Codec) OpenRow(sealed string) (record.Object, error) {
	data, err := c.Open(sealed)
	if err != nil {
		return nil, err
	}
	row, err := record.UnmarshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return row, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrCorrupt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrCorrupt
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrCorrupt
		}
	}
	return b[:len(b)-n], nil
}

// trimTrailingZeros drops the zero padding the server applies to attribute
// blocks.
func trimTrailingZeros(b []byte) []byte {
	return []byte(strings.TrimRight(string(b), "\x00"))
}
