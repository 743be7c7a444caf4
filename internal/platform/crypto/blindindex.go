package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const blindIndexInfo = "blind-index"

// BlindIndexer computes keyed hashes of sensitive values so equality lookups
// work without storing plaintext. The hash covers the tenant and field name,
// so equal values in different tenants or fields never collide.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer derives the index key from a 32-byte master key.
func NewBlindIndexer(master []byte) (*BlindIndexer, error) {
	key, err := deriveKey(master, blindIndexInfo)
	if err != nil {
		return nil, fmt.Errorf("crypto: blind index key: %w", err)
	}
	return &BlindIndexer{key: key}, nil
}

// Index returns the hex blind index of value for tenantID and field.
func (b *BlindIndexer) Index(tenantID, field, value string) string {
	h, err := blake3.NewKeyed(b.key)
	if err != nil {
		// key length is fixed by deriveKey
		panic("crypto: blake3 keyed hash: " + err.Error())
	}
	for _, part := range []string{tenantID, field, value} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
