package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HexLen is the length of a hex-encoded SHA-256 digest.
const HexLen = sha256.Size * 2

// ContentHash is the hex SHA-256 digest of a byte sequence.
type ContentHash string

// Hash computes the content hash of data.
// Pure and deterministic: the same bytes always produce the same hash.
func Hash(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// HashReader streams r through SHA-256 and returns the hash and byte count.
func HashReader(r io.Reader) (ContentHash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash reader: %w", err)
	}
	return ContentHash(hex.EncodeToString(h.Sum(nil))), n, nil
}

// HashString hashes a string with the content algorithm.
// Fingerprints use this so schema identity and content identity share one digest.
func HashString(s string) string {
	return string(Hash([]byte(s)))
}

// Valid reports whether h looks like a hex SHA-256 digest.
func (h ContentHash) Valid() bool {
	if len(h) != HexLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short returns a 12-character prefix for log output.
func (h ContentHash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

func (h ContentHash) String() string {
	return string(h)
}

// Parse validates s and returns it as a ContentHash.
func Parse(s string) (ContentHash, error) {
	h := ContentHash(s)
	if !h.Valid() {
		return "", fmt.Errorf("invalid content hash %q: want %d lowercase hex characters", s, HexLen)
	}
	return h, nil
}
