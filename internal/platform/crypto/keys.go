package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// GenerateKey returns a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// ParseHexKey decodes a 64-character hex master key.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes (%d hex chars), got %d bytes", KeySize, KeySize*2, len(key))
	}
	return key, nil
}

// ParseKeyList parses "version:hexkey" pairs separated by commas, the format
// of FIELD_ENCRYPTION_PREVIOUS_KEYS.
func ParseKeyList(s string) (map[byte][]byte, error) {
	keys := make(map[byte][]byte)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ver, hexKey, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("crypto: key entry %q: expected version:hexkey", item)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(ver), 10, 8)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("crypto: key entry %q: version must be 1..255", item)
		}
		key, err := ParseHexKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: key entry v%d: %w", v, err)
		}
		if _, dup := keys[byte(v)]; dup {
			return nil, fmt.Errorf("crypto: duplicate key version %d", v)
		}
		keys[byte(v)] = key
	}
	return keys, nil
}
