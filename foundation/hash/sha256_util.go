package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Canonical hashes parts with a length prefix on each, so ("ab","c") and
// ("a","bc") differ and no separator byte is reserved.
func Canonical(parts ...[]byte) string {
	h := sha256.New()
	writeCount(h, len(parts))
	for _, p := range parts {
		writeCount(h, len(p))
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalStrings is Canonical over strings.
func CanonicalStrings(parts ...string) string {
	b := make([][]byte, len(parts))
	for i, p := range parts {
		b[i] = []byte(p)
	}
	return Canonical(b...)
}

func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
