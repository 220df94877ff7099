package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes a deterministic content digest rendered as lowercase hex.
type Hasher interface {
	Sum(data []byte) string
}

// SHA256 is the default Hasher.
type SHA256 struct{}

// Sum returns the hex encoded SHA-256 digest of data.
func (SHA256) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Decode turns a hex digest back into raw bytes.
func Decode(digest string) ([]byte, error) {
	return hex.DecodeString(digest)
}
