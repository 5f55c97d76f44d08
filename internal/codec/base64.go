package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeBase64 encodes b as unpadded base64url, the transport encoding for
// every binary field on the wire and in the cache.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes unpadded base64url. Standard-alphabet input and
// trailing padding are accepted because older servers emit both.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCorrupt, err)
	}
	return b, nil
}
