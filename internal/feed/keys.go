package feed

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/record"
)

// LoadKeyRing reads a JSON object mapping owner handles to base64url keys.
func LoadKeyRing(path string) (*codec.MemoryKeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key ring: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("key ring %s: %w", path, err)
	}
	ring := codec.NewMemoryKeyRing()
	for owner, enc := range raw {
		h, err := record.ParseHandle(owner)
		if err != nil {
			return nil, fmt.Errorf("key ring %s: %w", path, err)
		}
		key, err := codec.DecodeBase64(enc)
		if err != nil {
			return nil, fmt.Errorf("key ring %s: owner %s: %w", path, owner, err)
		}
		ring.Set(h, key)
	}
	return ring, nil
}

// ReadCacheKey reads the base64url cache key at path.
func ReadCacheKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cache key: %w", err)
	}
	key, err := codec.DecodeBase64(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("cache key %s: %w", path, err)
	}
	return key, nil
}

// EnsureCacheKey reads the base64url cache key at path, creating a random
// 32-byte key there if the file does not exist.
func EnsureCacheKey(path string) ([]byte, error) {
	key, err := ReadCacheKey(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return key, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(codec.EncodeBase64(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write cache key: %w", err)
	}
	return key, nil
}
