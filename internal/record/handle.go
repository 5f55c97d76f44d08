package record

import (
	"errors"
	"fmt"
)

// Handle identifies a node (8 base64url characters) or a user/share owner
// (11 base64url characters). The empty handle means "no node".
type Handle string

// ErrInvalidHandle is returned by ParseHandle for malformed handles.
var ErrInvalidHandle = errors.New("invalid handle")

const (
	nodeHandleLen = 8
	userHandleLen = 11
)

// ParseHandle validates s as a node or user handle.
func ParseHandle(s string) (Handle, error) {
	if len(s) != nodeHandleLen && len(s) != userHandleLen {
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidHandle, s, len(s))
	}
	for i := 0; i < len(s); i++ {
		if !isBase64URL(s[i]) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidHandle, s, s[i])
		}
	}
	return Handle(s), nil
}

// IsZero reports whether h is the null handle.
func (h Handle) IsZero() bool { return h == "" }

func (h Handle) String() string { return string(h) }

func isBase64URL(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
