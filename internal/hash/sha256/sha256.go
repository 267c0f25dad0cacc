// Package sha256 derives the digests used for item IDs, dedup facts and
// message IDs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyInput is returned when there is nothing to fingerprint. An empty
// digest would make every blank title or body collide.
var ErrEmptyInput = errors.New("sha256: empty input")

// Hasher implements crawler.Hasher for dedup facts.
type Hasher struct{}

// New returns a fact Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the full hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyInput
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short hashes parts joined by newlines and hex encodes the first n bytes of
// the digest. n is clamped to the digest size.
func Short(n int, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	if n <= 0 || n > len(sum) {
		n = len(sum)
	}
	return hex.EncodeToString(sum[:n])
}
