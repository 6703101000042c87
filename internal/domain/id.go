package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a short, prefixed random identifier, e.g. "ws_4f29a0c1de".
func NewID(prefix string) string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand on a sane platform does not fail; keep the id
		// shape stable even in the pathological case.
		return prefix + "_" + "0000000000"
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
